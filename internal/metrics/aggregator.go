// Package metrics maintains low-latency campaign counters for dashboard
// reads. The hot path is lock-free atomics; durable flushing happens
// asynchronously and never blocks dispatch or completion handling.
package metrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/campaign-dialer/internal/callstate"
	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/pkg/logger"
)

// FlushSink receives periodic counter deltas for durable storage or fan-out.
type FlushSink interface {
	FlushCampaign(ctx context.Context, campaignID uuid.UUID, delta Delta) error
}

// Delta is the counter movement since the previous flush.
type Delta struct {
	CallsMade      int64
	CallsAnswered  int64
	CallsCompleted int64
	CallsFailed    int64
	DurationMs     int64
	RevenueCents   int64
}

func (d Delta) zero() bool {
	return d.CallsMade == 0 && d.CallsAnswered == 0 && d.CallsCompleted == 0 &&
		d.CallsFailed == 0 && d.DurationMs == 0 && d.RevenueCents == 0
}

type counters struct {
	callsMade      atomic.Int64
	callsAnswered  atomic.Int64
	callsCompleted atomic.Int64
	callsFailed    atomic.Int64
	liveCalls      atomic.Int64
	durationMs     atomic.Int64
	revenueCents   atomic.Int64

	flushed Delta // owned by the flush loop
}

// Aggregator keeps per-campaign and global live counters.
type Aggregator struct {
	mu        sync.RWMutex
	campaigns map[uuid.UUID]*counters

	global counters

	sink          FlushSink
	flushInterval time.Duration
	log           *logger.Logger
}

// NewAggregator builds the aggregator. sink may be nil for in-memory-only use.
func NewAggregator(sink FlushSink, flushInterval time.Duration, log *logger.Logger) *Aggregator {
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Aggregator{
		campaigns:     make(map[uuid.UUID]*counters),
		sink:          sink,
		flushInterval: flushInterval,
		log:           log.Named("metrics"),
	}
}

func (a *Aggregator) forCampaign(id uuid.UUID) *counters {
	a.mu.RLock()
	c, ok := a.campaigns[id]
	a.mu.RUnlock()
	if ok {
		return c
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok = a.campaigns[id]; ok {
		return c
	}
	c = &counters{}
	a.campaigns[id] = c
	return c
}

// OnDispatch records a new attempt: calls-made increments and the live count
// rises. The same atomic counter is decremented on completion so the pair can
// never drift.
func (a *Aggregator) OnDispatch(campaignID uuid.UUID) {
	c := a.forCampaign(campaignID)
	c.callsMade.Add(1)
	c.liveCalls.Add(1)
	a.global.callsMade.Add(1)
	a.global.liveCalls.Add(1)
}

// HandleCompletion consumes a terminal state transition.
func (a *Aggregator) HandleCompletion(_ context.Context, comp callstate.Completion) {
	c := a.forCampaign(comp.Attempt.CampaignID)
	c.liveCalls.Add(-1)
	a.global.liveCalls.Add(-1)

	if comp.Attempt.AnsweredAt != nil {
		c.callsAnswered.Add(1)
		a.global.callsAnswered.Add(1)
	}

	switch comp.Attempt.Status {
	case domain.CallStatusCompleted:
		c.callsCompleted.Add(1)
		a.global.callsCompleted.Add(1)
		ms := comp.Attempt.Duration.Milliseconds()
		c.durationMs.Add(ms)
		a.global.durationMs.Add(ms)
	case domain.CallStatusFailed:
		c.callsFailed.Add(1)
		a.global.callsFailed.Add(1)
	}
}

// AddRevenue records revenue attributed to a campaign.
func (a *Aggregator) AddRevenue(campaignID uuid.UUID, cents int64) {
	a.forCampaign(campaignID).revenueCents.Add(cents)
	a.global.revenueCents.Add(cents)
}

// Snapshot returns the current in-memory aggregate for a campaign.
func (a *Aggregator) Snapshot(campaignID uuid.UUID) domain.MetricsSnapshot {
	c := a.forCampaign(campaignID)
	return domain.MetricsSnapshot{
		CampaignID:     campaignID,
		CallsMade:      c.callsMade.Load(),
		CallsAnswered:  c.callsAnswered.Load(),
		CallsCompleted: c.callsCompleted.Load(),
		CallsFailed:    c.callsFailed.Load(),
		LiveCalls:      c.liveCalls.Load(),
		TotalDuration:  time.Duration(c.durationMs.Load()) * time.Millisecond,
		RevenueCents:   c.revenueCents.Load(),
		TakenAt:        time.Now().UTC(),
	}
}

// GlobalSnapshot returns system-wide counters.
func (a *Aggregator) GlobalSnapshot() domain.MetricsSnapshot {
	return domain.MetricsSnapshot{
		CallsMade:      a.global.callsMade.Load(),
		CallsAnswered:  a.global.callsAnswered.Load(),
		CallsCompleted: a.global.callsCompleted.Load(),
		CallsFailed:    a.global.callsFailed.Load(),
		LiveCalls:      a.global.liveCalls.Load(),
		TotalDuration:  time.Duration(a.global.durationMs.Load()) * time.Millisecond,
		RevenueCents:   a.global.revenueCents.Load(),
		TakenAt:        time.Now().UTC(),
	}
}

// Run flushes deltas to the sink on an interval until the context ends. A
// final flush runs on shutdown.
func (a *Aggregator) Run(ctx context.Context) error {
	if a.sink == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.flush(context.Background())
			return ctx.Err()
		case <-ticker.C:
			a.flush(ctx)
		}
	}
}

func (a *Aggregator) flush(ctx context.Context) {
	a.mu.RLock()
	ids := make([]uuid.UUID, 0, len(a.campaigns))
	for id := range a.campaigns {
		ids = append(ids, id)
	}
	a.mu.RUnlock()

	for _, id := range ids {
		c := a.forCampaign(id)
		current := Delta{
			CallsMade:      c.callsMade.Load(),
			CallsAnswered:  c.callsAnswered.Load(),
			CallsCompleted: c.callsCompleted.Load(),
			CallsFailed:    c.callsFailed.Load(),
			DurationMs:     c.durationMs.Load(),
			RevenueCents:   c.revenueCents.Load(),
		}
		delta := Delta{
			CallsMade:      current.CallsMade - c.flushed.CallsMade,
			CallsAnswered:  current.CallsAnswered - c.flushed.CallsAnswered,
			CallsCompleted: current.CallsCompleted - c.flushed.CallsCompleted,
			CallsFailed:    current.CallsFailed - c.flushed.CallsFailed,
			DurationMs:     current.DurationMs - c.flushed.DurationMs,
			RevenueCents:   current.RevenueCents - c.flushed.RevenueCents,
		}
		if delta.zero() {
			continue
		}
		if err := a.sink.FlushCampaign(ctx, id, delta); err != nil {
			a.log.Error("flush campaign metrics",
				zap.String("campaign_id", id.String()), zap.Error(err))
			continue
		}
		c.flushed = current
	}
}
