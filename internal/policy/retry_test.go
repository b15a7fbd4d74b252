package policy

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-dialer/internal/domain"
)

var baseTime = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func newProspect() *domain.Prospect {
	return &domain.Prospect{
		ID:         uuid.New(),
		CampaignID: uuid.New(),
		Status:     domain.ProspectStatusNew,
	}
}

func TestNoAnswerBackoffTwoHours(t *testing.T) {
	e := NewEngine(nil)
	p := newProspect()

	d := e.Apply(p, domain.OutcomeNoAnswer, baseTime)
	if !d.Retry {
		t.Fatal("expected retry after first no_answer")
	}
	want := baseTime.Add(2 * time.Hour)
	if !d.NextEligibleAt.Equal(want) {
		t.Fatalf("next eligible %v, want %v", d.NextEligibleAt, want)
	}
	if p.Status != domain.ProspectStatusNoAnswer {
		t.Fatalf("status %s, want no_answer", p.Status)
	}
}

func TestNoAnswerExhaustsAfterThreeAttempts(t *testing.T) {
	e := NewEngine(nil)
	p := newProspect()

	for i := 0; i < 2; i++ {
		if d := e.Apply(p, domain.OutcomeNoAnswer, baseTime); !d.Retry {
			t.Fatalf("attempt %d: expected retry", i+1)
		}
	}

	d := e.Apply(p, domain.OutcomeNoAnswer, baseTime)
	if d.Retry || !d.Exhausted {
		t.Fatalf("third no_answer should exhaust, got %+v", d)
	}
	if p.Status != domain.ProspectStatusFailed {
		t.Fatalf("exhausted prospect status %s, want failed", p.Status)
	}
	if p.NextCallEligibleAt != nil {
		t.Fatal("exhausted prospect must not carry a next-eligible time")
	}
}

func TestSystemFailureExponentialBackoffCapped(t *testing.T) {
	e := NewEngine(nil)
	p := newProspect()

	wantDelays := []time.Duration{
		5 * time.Minute,  // attempt 1
		10 * time.Minute, // attempt 2
		20 * time.Minute, // attempt 3
		40 * time.Minute, // attempt 4
	}

	for i, want := range wantDelays {
		d := e.Apply(p, domain.OutcomeSystemFailure, baseTime)
		if !d.Retry {
			t.Fatalf("attempt %d: expected retry", i+1)
		}
		if got := d.NextEligibleAt.Sub(baseTime); got != want {
			t.Fatalf("attempt %d: delay %v, want %v", i+1, got, want)
		}
	}

	// fifth failure hits max attempts
	if d := e.Apply(p, domain.OutcomeSystemFailure, baseTime); !d.Exhausted {
		t.Fatalf("fifth system failure should exhaust, got %+v", d)
	}
}

func TestAnsweredNotConvertedHasNoAutoRetryByDefault(t *testing.T) {
	e := NewEngine(nil)
	p := newProspect()

	d := e.Apply(p, domain.OutcomeAnswered, baseTime)
	if d.Retry {
		t.Fatal("answered outcome must not auto-retry by default")
	}
	if p.Status != domain.ProspectStatusAnswered {
		t.Fatalf("status %s, want answered", p.Status)
	}
}

func TestCampaignFollowUpOverrideEnablesAnsweredRetry(t *testing.T) {
	overrides := domain.RetryRuleSet{
		domain.OutcomeAnswered: {Backoff: 48 * time.Hour, MaxAttempts: 2},
	}
	e := NewEngine(overrides)
	p := newProspect()

	d := e.Apply(p, domain.OutcomeAnswered, baseTime)
	if !d.Retry {
		t.Fatal("campaign follow-up rule should enable answered retry")
	}
	if want := baseTime.Add(48 * time.Hour); !d.NextEligibleAt.Equal(want) {
		t.Fatalf("next eligible %v, want %v", d.NextEligibleAt, want)
	}
}

func TestConvertedIsTerminal(t *testing.T) {
	e := NewEngine(nil)
	p := newProspect()

	d := e.Apply(p, domain.OutcomeConverted, baseTime)
	if d.Retry {
		t.Fatal("converted prospect must never retry")
	}
	if p.Status != domain.ProspectStatusConverted || !p.Status.Terminal() {
		t.Fatalf("status %s, want terminal converted", p.Status)
	}
}

func TestDoNotCallSetsOptOut(t *testing.T) {
	e := NewEngine(nil)
	p := newProspect()

	e.Apply(p, domain.OutcomeDoNotCall, baseTime)
	if !p.OptOutRequested {
		t.Fatal("do_not_call outcome must set opt-out flag")
	}
	if p.Status != domain.ProspectStatusDoNotCall {
		t.Fatalf("status %s, want do_not_call", p.Status)
	}
}

func TestCancelledDoesNotConsumeRetryBudget(t *testing.T) {
	e := NewEngine(nil)
	p := newProspect()
	p.Status = domain.ProspectStatusContacted

	d := e.Apply(p, domain.OutcomeCancelled, baseTime)
	if d.Retry || d.Exhausted {
		t.Fatalf("cancelled attempt must not schedule or exhaust, got %+v", d)
	}
	if p.Attempts.Total != 0 {
		t.Fatalf("cancelled attempt consumed budget: total=%d", p.Attempts.Total)
	}
}

func TestDeterministicSchedulingForSameInputs(t *testing.T) {
	e := NewEngine(nil)

	a := newProspect()
	b := newProspect()
	b.Attempts = a.Attempts

	da := e.Apply(a, domain.OutcomeBusy, baseTime)
	db := e.Apply(b, domain.OutcomeBusy, baseTime)
	if !da.NextEligibleAt.Equal(db.NextEligibleAt) {
		t.Fatalf("identical inputs produced different schedules: %v vs %v", da.NextEligibleAt, db.NextEligibleAt)
	}
}
