package dialqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-dialer/internal/domain"
	apperrors "github.com/acme/campaign-dialer/pkg/errors"
	"github.com/acme/campaign-dialer/pkg/logger"
)

var now = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func queueCampaign() *domain.Campaign {
	return &domain.Campaign{ID: uuid.New(), Status: domain.CampaignStatusRunning, TimeZone: "UTC"}
}

func newQueueProspect(campaignID uuid.UUID, status domain.ProspectStatus) *domain.Prospect {
	return &domain.Prospect{
		ID:         uuid.New(),
		CampaignID: campaignID,
		Status:     status,
		IngestedAt: now.Add(-time.Hour),
	}
}

func TestSelectionTiersCallbacksThenNewThenRetries(t *testing.T) {
	m := NewManager(nil, time.Minute, logger.Nop())
	campaign := queueCampaign()

	fresh := newQueueProspect(campaign.ID, domain.ProspectStatusNew)

	retry := newQueueProspect(campaign.ID, domain.ProspectStatusNoAnswer)
	due := now.Add(-time.Minute)
	retry.NextCallEligibleAt = &due

	callback := newQueueProspect(campaign.ID, domain.ProspectStatusCallbackRequested)
	cbDue := now.Add(-10 * time.Minute)
	callback.CallbackDueAt = &cbDue

	m.Register(campaign, []*domain.Prospect{retry, fresh, callback})

	order := []uuid.UUID{callback.ID, fresh.ID, retry.ID}
	for i, want := range order {
		got := m.NextCallable(campaign.ID, now)
		if got == nil {
			t.Fatalf("selection %d: got nil", i)
		}
		if got.ID != want {
			t.Fatalf("selection %d: got %s, want %s", i, got.ID, want)
		}
	}
	if got := m.NextCallable(campaign.ID, now); got != nil {
		t.Fatalf("pool should be exhausted, got %s", got.ID)
	}
}

func TestNewProspectsComeInIngestionOrder(t *testing.T) {
	m := NewManager(nil, time.Minute, logger.Nop())
	campaign := queueCampaign()

	var prospects []*domain.Prospect
	for i := 0; i < 5; i++ {
		prospects = append(prospects, newQueueProspect(campaign.ID, domain.ProspectStatusNew))
	}
	m.Register(campaign, prospects)

	for i, want := range prospects {
		got := m.NextCallable(campaign.ID, now)
		if got == nil || got.ID != want.ID {
			t.Fatalf("selection %d out of ingestion order", i)
		}
	}
}

func TestEarliestDueCallbackWins(t *testing.T) {
	m := NewManager(nil, time.Minute, logger.Nop())
	campaign := queueCampaign()

	later := newQueueProspect(campaign.ID, domain.ProspectStatusCallbackRequested)
	laterDue := now.Add(-time.Minute)
	later.CallbackDueAt = &laterDue

	earlier := newQueueProspect(campaign.ID, domain.ProspectStatusCallbackRequested)
	earlierDue := now.Add(-time.Hour)
	earlier.CallbackDueAt = &earlierDue

	notYet := newQueueProspect(campaign.ID, domain.ProspectStatusCallbackRequested)
	futureDue := now.Add(time.Hour)
	notYet.CallbackDueAt = &futureDue

	m.Register(campaign, []*domain.Prospect{later, earlier, notYet})

	if got := m.NextCallable(campaign.ID, now); got == nil || got.ID != earlier.ID {
		t.Fatal("earliest due callback should be selected first")
	}
	if got := m.NextCallable(campaign.ID, now); got == nil || got.ID != later.ID {
		t.Fatal("remaining due callback should be selected second")
	}
	if got := m.NextCallable(campaign.ID, now); got != nil {
		t.Fatalf("future callback must not be selected, got %s", got.ID)
	}
}

func TestDNCListedNeverSelected(t *testing.T) {
	m := NewManager(nil, time.Minute, logger.Nop())
	campaign := queueCampaign()

	dnc := newQueueProspect(campaign.ID, domain.ProspectStatusNew)
	dnc.DNCListed = true
	optOut := newQueueProspect(campaign.ID, domain.ProspectStatusNew)
	optOut.OptOutRequested = true
	m.Register(campaign, []*domain.Prospect{dnc, optOut})

	for i := 0; i < 1000; i++ {
		if got := m.NextCallable(campaign.ID, now); got != nil {
			t.Fatalf("iteration %d: selected excluded prospect %s", i, got.ID)
		}
	}
}

func TestAtMostOneOutstandingSelectionPerProspect(t *testing.T) {
	m := NewManager(nil, time.Minute, logger.Nop())
	campaign := queueCampaign()
	single := newQueueProspect(campaign.ID, domain.ProspectStatusNew)
	m.Register(campaign, []*domain.Prospect{single})

	const workers = 32
	var selected int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := m.NextCallable(campaign.ID, now); got != nil {
				mu.Lock()
				selected++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if selected != 1 {
		t.Fatalf("%d concurrent selections succeeded, want 1", selected)
	}
}

func TestStaleReservationReclaimed(t *testing.T) {
	m := NewManager(nil, time.Minute, logger.Nop())
	campaign := queueCampaign()
	p := newQueueProspect(campaign.ID, domain.ProspectStatusNew)
	m.Register(campaign, []*domain.Prospect{p})

	if got := m.NextCallable(campaign.ID, now); got == nil {
		t.Fatal("first selection failed")
	}
	if got := m.NextCallable(campaign.ID, now); got != nil {
		t.Fatal("reserved prospect selected twice")
	}

	if reclaimed := m.ReclaimStale(now.Add(2 * time.Minute)); len(reclaimed) != 1 || reclaimed[0] != campaign.ID {
		t.Fatalf("reclaimed %v, want one entry for campaign %s", reclaimed, campaign.ID)
	}
	if got := m.NextCallable(campaign.ID, now.Add(2*time.Minute)); got == nil || got.ID != p.ID {
		t.Fatal("prospect should return to the pool after reclamation")
	}
}

func TestConfirmedReservationSurvivesReclamation(t *testing.T) {
	m := NewManager(nil, time.Minute, logger.Nop())
	campaign := queueCampaign()
	p := newQueueProspect(campaign.ID, domain.ProspectStatusNew)
	m.Register(campaign, []*domain.Prospect{p})

	got := m.NextCallable(campaign.ID, now)
	if got == nil {
		t.Fatal("selection failed")
	}
	if err := m.Confirm(campaign.ID, got.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	if reclaimed := m.ReclaimStale(now.Add(time.Hour)); len(reclaimed) != 0 {
		t.Fatalf("confirmed reservation reclaimed: %v", reclaimed)
	}
	if again := m.NextCallable(campaign.ID, now.Add(time.Hour)); again != nil {
		t.Fatal("in-flight prospect must stay out of the pool")
	}
}

func TestConfirmAfterReclamationReportsStale(t *testing.T) {
	m := NewManager(nil, time.Minute, logger.Nop())
	campaign := queueCampaign()
	p := newQueueProspect(campaign.ID, domain.ProspectStatusNew)
	m.Register(campaign, []*domain.Prospect{p})

	got := m.NextCallable(campaign.ID, now)
	if got == nil {
		t.Fatal("selection failed")
	}
	m.ReclaimStale(now.Add(2 * time.Minute))

	if err := m.Confirm(campaign.ID, got.ID); !apperrors.Is(err, apperrors.ErrStaleReservation) {
		t.Fatalf("confirm after reclamation = %v, want stale reservation", err)
	}
	if err := m.Confirm(campaign.ID, uuid.New()); !apperrors.Is(err, apperrors.ErrStaleReservation) {
		t.Fatalf("confirm without reservation = %v, want stale reservation", err)
	}
}

func TestReleaseWithoutAttemptReturnsProspect(t *testing.T) {
	m := NewManager(nil, time.Minute, logger.Nop())
	campaign := queueCampaign()
	p := newQueueProspect(campaign.ID, domain.ProspectStatusNew)
	m.Register(campaign, []*domain.Prospect{p})

	got := m.NextCallable(campaign.ID, now)
	m.Release(campaign.ID, got.ID)

	if again := m.NextCallable(campaign.ID, now); again == nil || again.ID != p.ID {
		t.Fatal("released prospect should be immediately selectable again")
	}
}

func TestCompleteUpdatesPoolState(t *testing.T) {
	m := NewManager(nil, time.Minute, logger.Nop())
	campaign := queueCampaign()
	p := newQueueProspect(campaign.ID, domain.ProspectStatusNew)
	m.Register(campaign, []*domain.Prospect{p})

	got := m.NextCallable(campaign.ID, now)
	m.Confirm(campaign.ID, got.ID)

	// attempt finished: no answer, retry in two hours
	got.Status = domain.ProspectStatusNoAnswer
	got.Attempts.Total = 1
	got.Attempts.NoAnswer = 1
	next := now.Add(2 * time.Hour)
	got.NextCallEligibleAt = &next
	m.Complete(got)

	if sel := m.NextCallable(campaign.ID, now); sel != nil {
		t.Fatal("prospect in backoff must not be selected")
	}
	if sel := m.NextCallable(campaign.ID, now.Add(3*time.Hour)); sel == nil || sel.ID != p.ID {
		t.Fatal("prospect should be selectable once backoff elapses")
	}
}

func TestExhaustedProspectNeverReturnsToQueue(t *testing.T) {
	m := NewManager(nil, time.Minute, logger.Nop())
	campaign := queueCampaign()
	p := newQueueProspect(campaign.ID, domain.ProspectStatusNew)
	m.Register(campaign, []*domain.Prospect{p})

	got := m.NextCallable(campaign.ID, now)
	m.Confirm(campaign.ID, got.ID)
	got.Status = domain.ProspectStatusFailed
	got.NextCallEligibleAt = nil
	m.Complete(got)

	for i := 0; i < 100; i++ {
		if sel := m.NextCallable(campaign.ID, now.Add(time.Duration(i)*time.Hour)); sel != nil {
			t.Fatalf("exhausted prospect selected at iteration %d", i)
		}
	}
	if m.Pending(campaign.ID) != 0 {
		t.Fatal("exhausted prospect should not count as pending")
	}
}

func TestSelectionFilterApplied(t *testing.T) {
	blockAll := func(*domain.Campaign, *domain.Prospect, time.Time) bool { return false }
	m := NewManager(blockAll, time.Minute, logger.Nop())
	campaign := queueCampaign()
	m.Register(campaign, []*domain.Prospect{newQueueProspect(campaign.ID, domain.ProspectStatusNew)})

	if got := m.NextCallable(campaign.ID, now); got != nil {
		t.Fatal("filter should block selection")
	}
}
