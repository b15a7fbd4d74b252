// Package dialer leases bounded call slots and drives dispatch for running
// campaigns: a fixed pool of workers pulls wake-ups from a work channel,
// so dispatch is event driven rather than busy-polled.
package dialer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/campaign-dialer/internal/callstate"
	"github.com/acme/campaign-dialer/internal/compliance"
	"github.com/acme/campaign-dialer/internal/dialqueue"
	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/telephony"
	apperrors "github.com/acme/campaign-dialer/pkg/errors"
	"github.com/acme/campaign-dialer/pkg/logger"
)

// Config bounds the controller's behaviour.
type Config struct {
	Workers          int
	GlobalLimit      int
	RingTimeout      time.Duration
	ReclaimInterval  time.Duration
	BreakerThreshold float64
	BreakerWindow    int
	BreakerCooldown  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.RingTimeout <= 0 {
		c.RingTimeout = 30 * time.Second
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = 5 * time.Second
	}
	return c
}

// CampaignSource exposes runnable campaigns to the controller. Implemented by
// the campaign registry.
type CampaignSource interface {
	RunningCampaign(id uuid.UUID) (*domain.Campaign, bool)
	RunningCampaigns() []uuid.UUID
}

// DispatchStats receives the dispatch-side counter bump; the completion side
// flows through the state machine's completion events.
type DispatchStats interface {
	OnDispatch(campaignID uuid.UUID)
}

// ComplianceDropHandler is invoked when the dispatch-time compliance check
// discovers a permanent exclusion (DNC listing) for a selected prospect.
type ComplianceDropHandler func(ctx context.Context, prospect *domain.Prospect, reason compliance.DenyReason)

// Controller owns the slot pools and the dispatch loop.
type Controller struct {
	cfg      Config
	slots    SlotPool
	queue    *dialqueue.Manager
	gate     *compliance.Gate
	machine  *callstate.Machine
	provider telephony.Provider
	source   CampaignSource
	stats    DispatchStats
	breaker  *breaker
	log      *logger.Logger

	onDrained        func(campaignID uuid.UUID)
	onComplianceDrop ComplianceDropHandler

	work      chan uuid.UUID
	pendingMu sync.Mutex
	pending   map[uuid.UUID]bool

	leases sync.Map // call id -> *lease
}

type lease struct {
	campaignID uuid.UUID
	release    sync.Once
}

// NewController wires the dispatch engine.
func NewController(
	cfg Config,
	slots SlotPool,
	queue *dialqueue.Manager,
	gate *compliance.Gate,
	machine *callstate.Machine,
	provider telephony.Provider,
	source CampaignSource,
	stats DispatchStats,
	log *logger.Logger,
) *Controller {
	cfg = cfg.withDefaults()
	return &Controller{
		cfg:      cfg,
		slots:    slots,
		queue:    queue,
		gate:     gate,
		machine:  machine,
		provider: provider,
		source:   source,
		stats:    stats,
		breaker:  newBreaker(cfg.BreakerThreshold, cfg.BreakerWindow, cfg.BreakerCooldown),
		log:      log.Named("dialer"),
		work:     make(chan uuid.UUID, 1024),
		pending:  make(map[uuid.UUID]bool),
	}
}

// OnDrained registers the callback fired when a campaign's queue reports no
// further callable prospects.
func (c *Controller) OnDrained(fn func(campaignID uuid.UUID)) {
	c.onDrained = fn
}

// OnComplianceDrop registers the handler for permanent dispatch-time denials.
func (c *Controller) OnComplianceDrop(fn ComplianceDropHandler) {
	c.onComplianceDrop = fn
}

// Notify wakes the dispatch loop for a campaign. Duplicate wake-ups collapse.
func (c *Controller) Notify(campaignID uuid.UUID) {
	c.pendingMu.Lock()
	if c.pending[campaignID] {
		c.pendingMu.Unlock()
		return
	}
	c.pending[campaignID] = true
	c.pendingMu.Unlock()

	select {
	case c.work <- campaignID:
	default:
		go func() { c.work <- campaignID }()
	}
}

func (c *Controller) clearPending(campaignID uuid.UUID) {
	c.pendingMu.Lock()
	delete(c.pending, campaignID)
	c.pendingMu.Unlock()
}

// Run starts the worker pool and the reclamation sweep, blocking until the
// context is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.worker(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.sweep(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (c *Controller) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case campaignID := <-c.work:
			c.clearPending(campaignID)
			for c.tryDispatch(ctx, campaignID) {
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// sweep periodically reclaims stale reservations and re-wakes running
// campaigns whose prospects may have become time-eligible.
func (c *Controller) sweep(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range c.queue.ReclaimStale(time.Now().UTC()) {
				c.Notify(id)
			}
			for _, id := range c.source.RunningCampaigns() {
				c.Notify(id)
			}
		}
	}
}

// tryDispatch attempts to lease a slot pair and place one call. It returns
// true when the worker should immediately try again for this campaign.
func (c *Controller) tryDispatch(ctx context.Context, campaignID uuid.UUID) bool {
	campaign, ok := c.source.RunningCampaign(campaignID)
	if !ok {
		return false
	}
	now := time.Now().UTC()
	if !c.breaker.allow(campaignID, now) {
		return false
	}

	if err := c.slots.Acquire(ctx, campaignID, campaign.MaxConcurrentCalls); err != nil {
		if !apperrors.Is(err, apperrors.ErrSlotUnavailable) {
			c.log.Error("slot acquire", zap.String("campaign_id", campaignID.String()), zap.Error(err))
		}
		// transient; the next completion wakes us again
		return false
	}

	prospect := c.queue.NextCallable(campaignID, now)
	if prospect == nil {
		c.releaseSlots(campaignID)
		if c.queue.Pending(campaignID) == 0 && c.machine.InFlightCount(campaignID) == 0 && c.onDrained != nil {
			c.onDrained(campaignID)
		}
		return false
	}

	// second compliance pass, immediately before the provider is invoked, to
	// close the race between selection and dispatch
	if res := c.gate.MayDial(ctx, campaign, prospect, now); !res.Allowed {
		c.releaseSlots(campaignID)
		if res.Reason == compliance.DenyDNCListed || res.Reason == compliance.DenyOptOut {
			prospect.DNCListed = prospect.DNCListed || res.Reason == compliance.DenyDNCListed
			prospect.OptOutRequested = prospect.OptOutRequested || res.Reason == compliance.DenyOptOut
			prospect.Status = domain.ProspectStatusDoNotCall
			c.queue.Complete(prospect)
			if c.onComplianceDrop != nil {
				c.onComplianceDrop(ctx, prospect, res.Reason)
			}
			return true
		}
		// timing race: the candidate goes back without consuming an attempt
		c.queue.Release(campaignID, prospect.ID)
		return false
	}

	attempt, err := c.machine.Create(ctx, prospect, campaign)
	if err != nil {
		c.log.Error("create attempt",
			zap.String("campaign_id", campaignID.String()),
			zap.String("prospect_id", prospect.ID.String()), zap.Error(err))
		c.queue.Release(campaignID, prospect.ID)
		c.releaseSlots(campaignID)
		return false
	}

	c.leases.Store(attempt.ID, &lease{campaignID: campaignID})
	if err := c.queue.Confirm(campaignID, prospect.ID); err != nil {
		// reclaimed mid-dispatch; the in-flight guard on the state machine
		// still prevents a duplicate attempt for this prospect
		c.log.Warn("reservation reclaimed during dispatch",
			zap.String("prospect_id", prospect.ID.String()), zap.Error(err))
	}
	c.stats.OnDispatch(campaignID)

	tracer := otel.Tracer("dialer.controller")
	dctx, span := tracer.Start(ctx, "dialer.dispatch")
	span.SetAttributes(
		attribute.String("campaign.id", campaignID.String()),
		attribute.String("call.id", attempt.ID.String()),
		attribute.Int("attempt", attempt.AttemptNum),
	)
	defer span.End()

	handle, err := c.provider.PlaceCall(dctx, telephony.PlaceCallRequest{
		CallID:      attempt.ID,
		CampaignID:  campaignID,
		ProspectID:  prospect.ID,
		PhoneNumber: prospect.PhoneNumber,
	})
	if err != nil {
		span.RecordError(err)
		c.log.Error("telephony dispatch", zap.String("call_id", attempt.ID.String()), zap.Error(err))
		// dispatch failure is an ordinary terminal outcome; the completion
		// pipeline updates the prospect and frees the slot
		if _, aerr := c.machine.Apply(ctx, attempt.ID, callstate.Event{
			Type:   callstate.EventFailed,
			Reason: err.Error(),
		}); aerr != nil {
			c.log.Error("force-fail after dispatch error", zap.Error(aerr))
		}
		return true
	}

	c.machine.BindHandle(attempt.ID, handle.ID)
	go c.pump(ctx, attempt.ID, handle)
	go c.watchdog(ctx, attempt.ID, handle.ID)
	return true
}

// pump applies the provider's ordered event stream to the state machine.
// Illegal (duplicate or late) events are dropped and logged, never applied.
func (c *Controller) pump(ctx context.Context, callID uuid.UUID, handle *telephony.CallHandle) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-handle.Events:
			if !open {
				return
			}
			if _, err := c.machine.Apply(ctx, callID, ev); err != nil {
				c.log.Warn("dropped call event",
					zap.String("call_id", callID.String()),
					zap.String("event", string(ev.Type)), zap.Error(err))
			}
		}
	}
}

// watchdog forces an attempt that never leaves queued within the ring timeout
// to failed, reclaiming its slot through the normal completion path. The
// queued check and the transition happen atomically inside the machine, so a
// call that starts ringing during the timeout handling is left alone.
func (c *Controller) watchdog(ctx context.Context, callID uuid.UUID, handleID string) {
	timer := time.NewTimer(c.cfg.RingTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	failed, err := c.machine.FailIfQueued(ctx, callID, "no ring within dispatch timeout")
	if err != nil {
		c.log.Debug("watchdog", zap.String("call_id", callID.String()), zap.Error(err))
		return
	}
	if !failed {
		return
	}

	c.log.Warn("dispatch watchdog fired", zap.String("call_id", callID.String()))
	_ = c.provider.RequestCancel(ctx, handleID)
}

// HandleCompletion is registered on the state machine after the prospect and
// metrics handlers, so a slot frees only once the prospect's counters are
// durably updated.
func (c *Controller) HandleCompletion(_ context.Context, comp callstate.Completion) {
	if v, ok := c.leases.LoadAndDelete(comp.Attempt.ID); ok {
		l := v.(*lease)
		l.release.Do(func() {
			if err := c.slots.Release(context.Background(), l.campaignID); err != nil {
				c.log.Error("slot release",
					zap.String("campaign_id", l.campaignID.String()), zap.Error(err))
			}
		})
	}
	c.breaker.record(comp.Attempt.CampaignID, comp.Outcome == domain.OutcomeSystemFailure, time.Now().UTC())
	c.Notify(comp.Attempt.CampaignID)
}

// ResetBreaker clears self-protection state, e.g. when a campaign restarts.
func (c *Controller) ResetBreaker(campaignID uuid.UUID) {
	c.breaker.reset(campaignID)
}

func (c *Controller) releaseSlots(campaignID uuid.UUID) {
	if err := c.slots.Release(context.Background(), campaignID); err != nil {
		c.log.Error("slot release", zap.String("campaign_id", campaignID.String()), zap.Error(err))
	}
}
