package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-dialer/internal/callstate"
	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/pkg/logger"
)

func completion(campaignID uuid.UUID, status domain.CallStatus, answered bool, d time.Duration) callstate.Completion {
	attempt := domain.CallAttempt{
		ID:         uuid.New(),
		CampaignID: campaignID,
		Status:     status,
		Duration:   d,
	}
	if answered {
		at := time.Now().UTC()
		attempt.AnsweredAt = &at
	}
	return callstate.Completion{Attempt: attempt, Outcome: attempt.Outcome}
}

func TestDispatchAndCompletionBalanceLiveCount(t *testing.T) {
	a := NewAggregator(nil, time.Second, logger.Nop())
	campaignID := uuid.New()

	a.OnDispatch(campaignID)
	a.OnDispatch(campaignID)
	if got := a.Snapshot(campaignID).LiveCalls; got != 2 {
		t.Fatalf("live=%d, want 2", got)
	}

	a.HandleCompletion(context.Background(), completion(campaignID, domain.CallStatusCompleted, true, time.Minute))
	a.HandleCompletion(context.Background(), completion(campaignID, domain.CallStatusFailed, false, 0))

	snap := a.Snapshot(campaignID)
	if snap.LiveCalls != 0 {
		t.Fatalf("live=%d, want 0", snap.LiveCalls)
	}
	if snap.CallsMade != 2 || snap.CallsCompleted != 1 || snap.CallsFailed != 1 || snap.CallsAnswered != 1 {
		t.Fatalf("unexpected counts: %+v", snap)
	}
}

func TestNoDroppedIncrementsUnderConcurrentCompletions(t *testing.T) {
	a := NewAggregator(nil, time.Second, logger.Nop())
	campaignID := uuid.New()

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.OnDispatch(campaignID)
			a.HandleCompletion(context.Background(), completion(campaignID, domain.CallStatusCompleted, true, time.Second))
		}()
	}
	wg.Wait()

	snap := a.Snapshot(campaignID)
	if snap.CallsMade != n {
		t.Fatalf("calls_made=%d, want exactly %d", snap.CallsMade, n)
	}
	if snap.CallsCompleted != n {
		t.Fatalf("calls_completed=%d, want exactly %d", snap.CallsCompleted, n)
	}
	if snap.LiveCalls != 0 {
		t.Fatalf("live=%d, want 0", snap.LiveCalls)
	}
}

func TestSuccessRateAndAverageDuration(t *testing.T) {
	a := NewAggregator(nil, time.Second, logger.Nop())
	campaignID := uuid.New()

	for i := 0; i < 4; i++ {
		a.OnDispatch(campaignID)
	}
	a.HandleCompletion(context.Background(), completion(campaignID, domain.CallStatusCompleted, true, 2*time.Minute))
	a.HandleCompletion(context.Background(), completion(campaignID, domain.CallStatusCompleted, true, 4*time.Minute))
	a.HandleCompletion(context.Background(), completion(campaignID, domain.CallStatusFailed, false, 0))
	a.HandleCompletion(context.Background(), completion(campaignID, domain.CallStatusCancelled, false, 0))

	snap := a.Snapshot(campaignID)
	if got := snap.SuccessRate(); got != 0.5 {
		t.Fatalf("success rate %f, want 0.5", got)
	}
	if got := snap.AverageDuration(); got != 3*time.Minute {
		t.Fatalf("avg duration %v, want 3m", got)
	}
}

type fakeSink struct {
	mu     sync.Mutex
	totals map[uuid.UUID]Delta
}

func (s *fakeSink) FlushCampaign(_ context.Context, id uuid.UUID, d Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.totals[id]
	t.CallsMade += d.CallsMade
	t.CallsCompleted += d.CallsCompleted
	t.CallsFailed += d.CallsFailed
	t.DurationMs += d.DurationMs
	s.totals[id] = t
	return nil
}

func TestFlushEmitsDeltasNotAbsolutes(t *testing.T) {
	sink := &fakeSink{totals: make(map[uuid.UUID]Delta)}
	a := NewAggregator(sink, time.Second, logger.Nop())
	campaignID := uuid.New()

	a.OnDispatch(campaignID)
	a.HandleCompletion(context.Background(), completion(campaignID, domain.CallStatusCompleted, true, time.Second))
	a.flush(context.Background())

	a.OnDispatch(campaignID)
	a.HandleCompletion(context.Background(), completion(campaignID, domain.CallStatusCompleted, true, time.Second))
	a.flush(context.Background())
	a.flush(context.Background()) // no movement, must not double-count

	got := sink.totals[campaignID]
	if got.CallsMade != 2 || got.CallsCompleted != 2 {
		t.Fatalf("sink totals %+v, want 2 made / 2 completed", got)
	}
}

func TestGlobalSnapshotAccumulatesAcrossCampaigns(t *testing.T) {
	a := NewAggregator(nil, time.Second, logger.Nop())
	c1, c2 := uuid.New(), uuid.New()

	a.OnDispatch(c1)
	a.OnDispatch(c2)
	a.HandleCompletion(context.Background(), completion(c1, domain.CallStatusCompleted, true, time.Second))

	global := a.GlobalSnapshot()
	if global.CallsMade != 2 || global.LiveCalls != 1 {
		t.Fatalf("global %+v, want made=2 live=1", global)
	}
}
