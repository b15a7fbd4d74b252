package callstate

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/acme/campaign-dialer/internal/domain"
	apperrors "github.com/acme/campaign-dialer/pkg/errors"
	"github.com/acme/campaign-dialer/pkg/logger"
)

type fakeStore struct {
	mu       sync.Mutex
	attempts map[uuid.UUID]domain.CallAttempt
}

func newFakeStore() *fakeStore {
	return &fakeStore{attempts: make(map[uuid.UUID]domain.CallAttempt)}
}

func (s *fakeStore) CreateAttempt(_ context.Context, a *domain.CallAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[a.ID] = *a
	return nil
}

func (s *fakeStore) UpdateAttempt(_ context.Context, a *domain.CallAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[a.ID] = *a
	return nil
}

func (s *fakeStore) GetAttempt(_ context.Context, id uuid.UUID) (*domain.CallAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &a, nil
}

func testProspect(campaignID uuid.UUID) *domain.Prospect {
	return &domain.Prospect{
		ID:          uuid.New(),
		CampaignID:  campaignID,
		PhoneNumber: "+15550100",
		Status:      domain.ProspectStatusNew,
	}
}

func testCampaign() *domain.Campaign {
	return &domain.Campaign{ID: uuid.New(), MaxConcurrentCalls: 2, Status: domain.CampaignStatusRunning}
}

func TestCreateRejectsSecondInFlightAttempt(t *testing.T) {
	m := NewMachine(newFakeStore(), logger.Nop())
	campaign := testCampaign()
	prospect := testProspect(campaign.ID)

	if _, err := m.Create(context.Background(), prospect, campaign); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := m.Create(context.Background(), prospect, campaign); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected conflict for second in-flight attempt, got %v", err)
	}
}

func TestHappyPathTransitions(t *testing.T) {
	m := NewMachine(newFakeStore(), logger.Nop())
	campaign := testCampaign()
	attempt, err := m.Create(context.Background(), testProspect(campaign.ID), campaign)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	steps := []struct {
		ev   Event
		want domain.CallStatus
	}{
		{Event{Type: EventRinging}, domain.CallStatusRinging},
		{Event{Type: EventAnswered}, domain.CallStatusActive},
		{Event{Type: EventHeld}, domain.CallStatusOnHold},
		{Event{Type: EventResumed}, domain.CallStatusActive},
		{Event{Type: EventEnded, Outcome: domain.OutcomeAnswered}, domain.CallStatusCompleted},
	}

	for _, step := range steps {
		got, err := m.Apply(context.Background(), attempt.ID, step.ev)
		if err != nil {
			t.Fatalf("apply %s: %v", step.ev.Type, err)
		}
		if got.Status != step.want {
			t.Fatalf("after %s: got %s, want %s", step.ev.Type, got.Status, step.want)
		}
	}
}

func TestIllegalTransitionIsDroppedNotApplied(t *testing.T) {
	m := NewMachine(newFakeStore(), logger.Nop())
	campaign := testCampaign()
	attempt, _ := m.Create(context.Background(), testProspect(campaign.ID), campaign)

	// answered before ringing is out of order
	got, err := m.Apply(context.Background(), attempt.ID, Event{Type: EventAnswered})
	if !errors.Is(err, apperrors.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	if got.Status != domain.CallStatusQueued {
		t.Fatalf("attempt mutated by illegal event: %s", got.Status)
	}
}

func TestFailIfQueuedOnlyReapsQueuedAttempts(t *testing.T) {
	m := NewMachine(newFakeStore(), logger.Nop())
	campaign := testCampaign()

	var completions int
	m.OnCompletion(func(context.Context, Completion) { completions++ })

	stuck, _ := m.Create(context.Background(), testProspect(campaign.ID), campaign)
	failed, err := m.FailIfQueued(context.Background(), stuck.ID, "no ring within dispatch timeout")
	if err != nil || !failed {
		t.Fatalf("FailIfQueued on queued attempt = (%v, %v), want (true, nil)", failed, err)
	}
	got, _ := m.Get(context.Background(), stuck.ID)
	if got.Status != domain.CallStatusFailed || got.Outcome != domain.OutcomeSystemFailure {
		t.Fatalf("reaped attempt = %s/%s, want failed/system_failure", got.Status, got.Outcome)
	}
	if completions != 1 {
		t.Fatalf("completions = %d, want 1", completions)
	}

	// a call that started ringing between the timeout firing and the reap
	// must be left alone
	live, _ := m.Create(context.Background(), testProspect(campaign.ID), campaign)
	mustApply(t, m, live.ID, Event{Type: EventRinging})

	failed, err = m.FailIfQueued(context.Background(), live.ID, "no ring within dispatch timeout")
	if err != nil || failed {
		t.Fatalf("FailIfQueued on ringing attempt = (%v, %v), want (false, nil)", failed, err)
	}
	got, _ = m.Get(context.Background(), live.ID)
	if got.Status != domain.CallStatusRinging {
		t.Fatalf("ringing attempt mutated to %s", got.Status)
	}
	if completions != 1 {
		t.Fatalf("completions after skipped reap = %d, want 1", completions)
	}
}

func TestTerminalReplayIsNoOp(t *testing.T) {
	m := NewMachine(newFakeStore(), logger.Nop())
	campaign := testCampaign()

	var completions int
	m.OnCompletion(func(context.Context, Completion) { completions++ })

	attempt, _ := m.Create(context.Background(), testProspect(campaign.ID), campaign)
	mustApply(t, m, attempt.ID, Event{Type: EventRinging})
	mustApply(t, m, attempt.ID, Event{Type: EventEnded, Outcome: domain.OutcomeNoAnswer})

	// replaying the terminal event changes nothing and emits nothing
	got, err := m.Apply(context.Background(), attempt.ID, Event{Type: EventEnded, Outcome: domain.OutcomeNoAnswer})
	if err != nil {
		t.Fatalf("replay returned error: %v", err)
	}
	if got.Status != domain.CallStatusCompleted {
		t.Fatalf("replay changed status to %s", got.Status)
	}
	if completions != 1 {
		t.Fatalf("completion emitted %d times, want exactly 1", completions)
	}
}

func TestAttemptNeverRegressesFromTerminal(t *testing.T) {
	m := NewMachine(newFakeStore(), logger.Nop())
	campaign := testCampaign()
	attempt, _ := m.Create(context.Background(), testProspect(campaign.ID), campaign)
	mustApply(t, m, attempt.ID, Event{Type: EventRinging})
	mustApply(t, m, attempt.ID, Event{Type: EventFailed, Reason: "carrier error"})

	if _, err := m.Apply(context.Background(), attempt.ID, Event{Type: EventAnswered}); !errors.Is(err, apperrors.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition after terminal, got %v", err)
	}
}

func TestCompletionHandlersRunInRegistrationOrder(t *testing.T) {
	m := NewMachine(newFakeStore(), logger.Nop())
	campaign := testCampaign()

	var order []string
	m.OnCompletion(func(context.Context, Completion) { order = append(order, "prospect") })
	m.OnCompletion(func(context.Context, Completion) { order = append(order, "metrics") })
	m.OnCompletion(func(context.Context, Completion) { order = append(order, "slot") })

	attempt, _ := m.Create(context.Background(), testProspect(campaign.ID), campaign)
	mustApply(t, m, attempt.ID, Event{Type: EventRinging})
	mustApply(t, m, attempt.ID, Event{Type: EventEnded, Outcome: domain.OutcomeBusy})

	want := []string{"prospect", "metrics", "slot"}
	if len(order) != len(want) {
		t.Fatalf("got %v handlers, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("handler order %v, want %v", order, want)
		}
	}
}

func TestProspectFreedAfterTerminalState(t *testing.T) {
	m := NewMachine(newFakeStore(), logger.Nop())
	campaign := testCampaign()
	prospect := testProspect(campaign.ID)

	attempt, _ := m.Create(context.Background(), prospect, campaign)
	mustApply(t, m, attempt.ID, Event{Type: EventRinging})
	mustApply(t, m, attempt.ID, Event{Type: EventEnded, Outcome: domain.OutcomeNoAnswer})

	if _, err := m.Create(context.Background(), prospect, campaign); err != nil {
		t.Fatalf("expected new attempt allowed after terminal state, got %v", err)
	}
}

func TestAtMostOneInFlightUnderConcurrentCreates(t *testing.T) {
	m := NewMachine(newFakeStore(), logger.Nop())
	campaign := testCampaign()
	prospect := testProspect(campaign.ID)

	const workers = 32
	var created int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Create(context.Background(), prospect, campaign); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("%d concurrent creates succeeded, want 1", created)
	}
}

func TestCancelReachableFromEveryLiveState(t *testing.T) {
	for _, setup := range [][]Event{
		{},
		{{Type: EventRinging}},
		{{Type: EventRinging}, {Type: EventAnswered}},
		{{Type: EventRinging}, {Type: EventAnswered}, {Type: EventHeld}},
		{{Type: EventRinging}, {Type: EventAnswered}, {Type: EventTransferred, Target: "agent-7"}},
	} {
		m := NewMachine(newFakeStore(), logger.Nop())
		campaign := testCampaign()
		attempt, _ := m.Create(context.Background(), testProspect(campaign.ID), campaign)
		for _, ev := range setup {
			mustApply(t, m, attempt.ID, ev)
		}

		got, err := m.Apply(context.Background(), attempt.ID, Event{Type: EventEnded, Outcome: domain.OutcomeCancelled})
		if err != nil {
			t.Fatalf("cancel after %d events: %v", len(setup), err)
		}
		if got.Status != domain.CallStatusCancelled {
			t.Fatalf("cancel after %d events: status %s", len(setup), got.Status)
		}
	}
}

func mustApply(t *testing.T, m *Machine, id uuid.UUID, ev Event) {
	t.Helper()
	if _, err := m.Apply(context.Background(), id, ev); err != nil {
		t.Fatalf("apply %s: %v", ev.Type, err)
	}
}
