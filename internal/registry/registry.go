// Package registry owns the campaign lifecycle: creation, start, pause,
// resume, emergency stop and automatic completion. It is also the glue of the
// completion pipeline, applying retry policy to the prospect and persisting
// the result before any slot is freed.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/campaign-dialer/internal/callstate"
	"github.com/acme/campaign-dialer/internal/compliance"
	"github.com/acme/campaign-dialer/internal/dialqueue"
	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/metrics"
	"github.com/acme/campaign-dialer/internal/policy"
	"github.com/acme/campaign-dialer/internal/repository"
	"github.com/acme/campaign-dialer/internal/telephony"
	apperrors "github.com/acme/campaign-dialer/pkg/errors"
	"github.com/acme/campaign-dialer/pkg/logger"
)

// Dialer is the dispatch engine surface the registry drives. Implemented by
// the dialer controller.
type Dialer interface {
	Notify(campaignID uuid.UUID)
	ResetBreaker(campaignID uuid.UUID)
}

// Registry coordinates campaign state across storage, the prospect queue, the
// call state machine and the dialer.
type Registry struct {
	campaigns repository.CampaignRepository
	windows   repository.CallWindowRepository
	prospects repository.ProspectRepository
	stats     repository.CampaignStatisticsRepository
	queue     *dialqueue.Manager
	machine   *callstate.Machine
	provider  telephony.Provider
	agg       *metrics.Aggregator
	log       *logger.Logger

	mu      sync.RWMutex
	running map[uuid.UUID]*liveCampaign
	dialer  Dialer
}

// liveCampaign is a campaign with a registered prospect pool. paused keeps
// the pool warm while dispatch is suspended.
type liveCampaign struct {
	campaign *domain.Campaign
	engine   *policy.Engine
	paused   bool
}

// New builds the registry.
func New(
	campaigns repository.CampaignRepository,
	windows repository.CallWindowRepository,
	prospects repository.ProspectRepository,
	stats repository.CampaignStatisticsRepository,
	queue *dialqueue.Manager,
	machine *callstate.Machine,
	provider telephony.Provider,
	agg *metrics.Aggregator,
	log *logger.Logger,
) *Registry {
	return &Registry{
		campaigns: campaigns,
		windows:   windows,
		prospects: prospects,
		stats:     stats,
		queue:     queue,
		machine:   machine,
		provider:  provider,
		agg:       agg,
		log:       log.Named("registry"),
		running:   make(map[uuid.UUID]*liveCampaign),
	}
}

// SetDialer wires the dispatch engine. Called once at startup; the registry
// and the controller reference each other, so one side binds late.
func (r *Registry) SetDialer(d Dialer) { r.dialer = d }

// CreateCampaign validates and persists a new campaign in draft state.
func (r *Registry) CreateCampaign(ctx context.Context, campaign *domain.Campaign) error {
	if campaign.Name == "" {
		return fmt.Errorf("%w: campaign name is required", apperrors.ErrValidation)
	}
	if campaign.MaxConcurrentCalls <= 0 {
		return fmt.Errorf("%w: max_concurrent_calls must be positive", apperrors.ErrValidation)
	}
	if err := validateWindows(campaign.CallWindows); err != nil {
		return err
	}
	if campaign.TimeZone != "" {
		if _, err := time.LoadLocation(campaign.TimeZone); err != nil {
			return fmt.Errorf("%w: unknown time zone %q", apperrors.ErrValidation, campaign.TimeZone)
		}
	}

	if campaign.ID == uuid.Nil {
		campaign.ID = uuid.New()
	}
	now := time.Now().UTC()
	campaign.Status = domain.CampaignStatusDraft
	campaign.CreatedAt = now
	campaign.UpdatedAt = now

	if err := r.campaigns.Create(ctx, campaign); err != nil {
		return err
	}
	if err := r.windows.Replace(ctx, campaign.ID, campaign.CallWindows); err != nil {
		return err
	}
	return r.stats.Ensure(ctx, campaign.ID)
}

// IngestProspects adds prospects to a campaign. Duplicate IDs are skipped by
// the storage layer; a running campaign picks new prospects up immediately.
func (r *Registry) IngestProspects(ctx context.Context, campaignID uuid.UUID, prospects []*domain.Prospect) error {
	if _, err := r.campaigns.Get(ctx, campaignID); err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, p := range prospects {
		if p.PhoneNumber == "" {
			return fmt.Errorf("%w: prospect phone number is required", apperrors.ErrValidation)
		}
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		p.CampaignID = campaignID
		p.Status = domain.ProspectStatusNew
		p.IngestedAt = now
		p.UpdatedAt = now
	}

	if err := r.prospects.BulkInsert(ctx, campaignID, prospects); err != nil {
		return err
	}

	r.mu.RLock()
	live, ok := r.running[campaignID]
	r.mu.RUnlock()
	if ok {
		for _, p := range prospects {
			r.queue.Add(p)
		}
		if !live.paused && r.dialer != nil {
			r.dialer.Notify(campaignID)
		}
	}
	return nil
}

// Start moves a campaign into the running state: loads its dialable
// prospects, registers the pool and wakes the dialer.
func (r *Registry) Start(ctx context.Context, id uuid.UUID) error {
	campaign, err := r.load(ctx, id)
	if err != nil {
		return err
	}

	switch campaign.Status {
	case domain.CampaignStatusDraft, domain.CampaignStatusScheduled, domain.CampaignStatusActive:
	case domain.CampaignStatusRunning:
		return fmt.Errorf("%w: campaign %s is already running", apperrors.ErrConflict, id)
	default:
		return fmt.Errorf("%w: cannot start campaign in state %s", apperrors.ErrConflict, campaign.Status)
	}
	if err := validateWindows(campaign.CallWindows); err != nil {
		return err
	}

	now := time.Now().UTC()
	if !campaign.WithinCallWindow(now, campaign.TimeZone) {
		return fmt.Errorf("%w: campaign %s is outside its call window", apperrors.ErrConflict, id)
	}

	dialable, err := r.prospects.ListDialable(ctx, id)
	if err != nil {
		return err
	}

	campaign.Status = domain.CampaignStatusRunning
	campaign.StartedAt = &now
	campaign.UpdatedAt = now
	if err := r.campaigns.Update(ctx, campaign); err != nil {
		return err
	}

	r.queue.Register(campaign, dialable)
	r.mu.Lock()
	r.running[id] = &liveCampaign{
		campaign: campaign,
		engine:   policy.NewEngine(campaign.RetryRules),
	}
	r.mu.Unlock()

	r.log.Info("campaign started",
		zap.String("campaign_id", id.String()),
		zap.Int("prospects", len(dialable)),
		zap.Int("concurrency_cap", campaign.MaxConcurrentCalls))

	if r.dialer != nil {
		r.dialer.ResetBreaker(id)
		r.dialer.Notify(id)
	}
	return nil
}

// Pause suspends dispatch without touching in-flight calls; they finish
// normally and the prospect pool stays registered.
func (r *Registry) Pause(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	live, ok := r.running[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: campaign %s is not running", apperrors.ErrConflict, id)
	}
	if live.paused {
		r.mu.Unlock()
		return fmt.Errorf("%w: campaign %s is already paused", apperrors.ErrConflict, id)
	}
	live.paused = true
	live.campaign.Status = domain.CampaignStatusPaused
	r.mu.Unlock()

	if err := r.campaigns.UpdateStatus(ctx, id, domain.CampaignStatusPaused); err != nil {
		return err
	}
	r.log.Info("campaign paused", zap.String("campaign_id", id.String()))
	return nil
}

// Resume lifts a pause and wakes the dialer.
func (r *Registry) Resume(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	live, ok := r.running[id]
	if !ok || !live.paused {
		r.mu.Unlock()
		return fmt.Errorf("%w: campaign %s is not paused", apperrors.ErrConflict, id)
	}
	live.paused = false
	live.campaign.Status = domain.CampaignStatusRunning
	r.mu.Unlock()

	if err := r.campaigns.UpdateStatus(ctx, id, domain.CampaignStatusRunning); err != nil {
		return err
	}
	r.log.Info("campaign resumed", zap.String("campaign_id", id.String()))
	if r.dialer != nil {
		r.dialer.Notify(id)
	}
	return nil
}

// EmergencyStop cancels the campaign: dispatch halts immediately and every
// in-flight call is asked to tear down. The prospect pool stays registered
// until the last in-flight attempt lands, so its completion can still be
// applied and persisted.
func (r *Registry) EmergencyStop(ctx context.Context, id uuid.UUID) error {
	campaign, err := r.campaigns.Get(ctx, id)
	if err != nil {
		return err
	}
	if campaign.Status.Terminal() {
		return fmt.Errorf("%w: campaign %s is already %s", apperrors.ErrConflict, id, campaign.Status)
	}

	r.mu.Lock()
	live, wasLive := r.running[id]
	if wasLive {
		// halt dispatch but keep the pool and engine for stragglers
		live.paused = true
		live.campaign.Status = domain.CampaignStatusCancelled
	}
	r.mu.Unlock()

	now := time.Now().UTC()
	campaign.Status = domain.CampaignStatusCancelled
	campaign.CompletedAt = &now
	campaign.UpdatedAt = now
	if err := r.campaigns.Update(ctx, campaign); err != nil {
		return err
	}

	inflight := r.machine.InFlight(id)
	for _, attempt := range inflight {
		if attempt.Handle == "" {
			continue
		}
		if err := r.provider.RequestCancel(ctx, attempt.Handle); err != nil {
			r.log.Error("cancel in-flight call",
				zap.String("call_id", attempt.ID.String()), zap.Error(err))
		}
	}

	r.log.Warn("campaign emergency stopped",
		zap.String("campaign_id", id.String()),
		zap.Int("in_flight_cancelled", len(inflight)))

	if len(inflight) == 0 {
		r.retire(id)
	}
	return nil
}

// GetCampaign loads a campaign with its call windows.
func (r *Registry) GetCampaign(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return r.load(ctx, id)
}

// ListCampaigns pages through campaigns.
func (r *Registry) ListCampaigns(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	return r.campaigns.List(ctx, afterID, limit)
}

// LiveMetrics returns the in-memory snapshot for live campaigns and falls
// back to the durable counters otherwise.
func (r *Registry) LiveMetrics(ctx context.Context, id uuid.UUID) (*domain.MetricsSnapshot, error) {
	r.mu.RLock()
	_, live := r.running[id]
	r.mu.RUnlock()
	if live {
		snap := r.agg.Snapshot(id)
		return &snap, nil
	}
	return r.stats.Get(ctx, id)
}

// RunningCampaign implements the dialer's campaign source. Paused campaigns
// are invisible to dispatch.
func (r *Registry) RunningCampaign(id uuid.UUID) (*domain.Campaign, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	live, ok := r.running[id]
	if !ok || live.paused {
		return nil, false
	}
	return live.campaign, true
}

// RunningCampaigns lists campaigns currently eligible for dispatch.
func (r *Registry) RunningCampaigns() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(r.running))
	for id, live := range r.running {
		if !live.paused {
			ids = append(ids, id)
		}
	}
	return ids
}

// HandleCompletion is the first stage of the completion pipeline: it applies
// the retry policy to the prospect, persists the result and returns the
// prospect to (or settles it in) the queue. Metrics and slot release run
// after this handler.
func (r *Registry) HandleCompletion(ctx context.Context, comp callstate.Completion) {
	campaignID := comp.Attempt.CampaignID

	r.mu.RLock()
	live, ok := r.running[campaignID]
	r.mu.RUnlock()

	prospect, found := r.queue.Prospect(campaignID, comp.Attempt.ProspectID)
	if !found {
		r.log.Warn("completion for unknown prospect",
			zap.String("campaign_id", campaignID.String()),
			zap.String("prospect_id", comp.Attempt.ProspectID.String()))
		return
	}

	engine := policy.NewEngine(nil)
	if ok {
		engine = live.engine
	}

	completedAt := time.Now().UTC()
	if comp.Attempt.EndedAt != nil {
		completedAt = *comp.Attempt.EndedAt
	}

	decision := engine.Apply(prospect, comp.Outcome, completedAt)
	callID := comp.Attempt.ID
	prospect.LastCallID = &callID

	if err := r.prospects.ApplyAttemptResult(ctx, prospect); err != nil {
		// in-memory state is authoritative for this run; storage catches up
		// on the next write
		r.log.Error("persist attempt result",
			zap.String("prospect_id", prospect.ID.String()), zap.Error(err))
	}
	r.queue.Complete(prospect)

	if decision.Exhausted {
		r.log.Info("prospect exhausted retry budget",
			zap.String("prospect_id", prospect.ID.String()),
			zap.String("outcome", string(comp.Outcome)))
	}

	// an emergency-stopped campaign retires once its last straggler lands
	if ok && live.campaign.Status == domain.CampaignStatusCancelled &&
		r.machine.InFlightCount(campaignID) == 0 {
		r.retire(campaignID)
	}
}

// HandleComplianceDrop reacts to a dispatch-time permanent denial by
// persisting the exclusion.
func (r *Registry) HandleComplianceDrop(ctx context.Context, prospect *domain.Prospect, reason compliance.DenyReason) {
	if reason == compliance.DenyDNCListed {
		if err := r.prospects.MarkDNC(ctx, prospect.CampaignID, []uuid.UUID{prospect.ID}, time.Now().UTC()); err != nil {
			r.log.Error("persist dnc listing",
				zap.String("prospect_id", prospect.ID.String()), zap.Error(err))
		}
		return
	}
	if err := r.prospects.ApplyAttemptResult(ctx, prospect); err != nil {
		r.log.Error("persist compliance drop",
			zap.String("prospect_id", prospect.ID.String()), zap.Error(err))
	}
}

// HandleDrained finishes a campaign whose queue has nothing left to dial and
// no calls in flight.
func (r *Registry) HandleDrained(campaignID uuid.UUID) {
	r.mu.Lock()
	live, ok := r.running[campaignID]
	if !ok || live.paused {
		r.mu.Unlock()
		return
	}
	live.campaign.Status = domain.CampaignStatusCompleted
	now := time.Now().UTC()
	live.campaign.CompletedAt = &now
	live.campaign.UpdatedAt = now
	campaign := live.campaign
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.campaigns.Update(ctx, campaign); err != nil {
		r.log.Error("persist campaign completion",
			zap.String("campaign_id", campaignID.String()), zap.Error(err))
	}

	r.retire(campaignID)
	r.log.Info("campaign completed", zap.String("campaign_id", campaignID.String()))
}

// RestoreRunning re-registers campaigns that were running when the process
// stopped. Called once at startup.
func (r *Registry) RestoreRunning(ctx context.Context) error {
	for _, status := range []domain.CampaignStatus{domain.CampaignStatusRunning, domain.CampaignStatusPaused} {
		campaigns, err := r.campaigns.ListByStatus(ctx, status, 0)
		if err != nil {
			return err
		}
		for _, campaign := range campaigns {
			windows, err := r.windows.List(ctx, campaign.ID)
			if err != nil {
				return err
			}
			campaign.CallWindows = windows

			dialable, err := r.prospects.ListDialable(ctx, campaign.ID)
			if err != nil {
				return err
			}
			r.queue.Register(campaign, dialable)
			r.mu.Lock()
			r.running[campaign.ID] = &liveCampaign{
				campaign: campaign,
				engine:   policy.NewEngine(campaign.RetryRules),
				paused:   status == domain.CampaignStatusPaused,
			}
			r.mu.Unlock()

			r.log.Info("campaign restored",
				zap.String("campaign_id", campaign.ID.String()),
				zap.String("status", string(status)),
				zap.Int("prospects", len(dialable)))

			if status == domain.CampaignStatusRunning && r.dialer != nil {
				r.dialer.Notify(campaign.ID)
			}
		}
	}
	return nil
}

// retire drops a campaign's pool and live tracking.
func (r *Registry) retire(campaignID uuid.UUID) {
	r.mu.Lock()
	delete(r.running, campaignID)
	r.mu.Unlock()
	r.queue.Unregister(campaignID)
}

func (r *Registry) load(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	campaign, err := r.campaigns.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	windows, err := r.windows.List(ctx, id)
	if err != nil {
		return nil, err
	}
	campaign.CallWindows = windows
	return campaign, nil
}

func validateWindows(windows []domain.CallWindow) error {
	for _, w := range windows {
		if w.DayOfWeek < time.Sunday || w.DayOfWeek > time.Saturday {
			return fmt.Errorf("%w: call window day %d out of range", apperrors.ErrValidation, w.DayOfWeek)
		}
		if w.StartMinute < 0 || w.StartMinute >= 24*60 || w.EndMinute < 0 || w.EndMinute > 24*60 {
			return fmt.Errorf("%w: call window minutes out of range", apperrors.ErrValidation)
		}
		if w.StartMinute == w.EndMinute {
			return fmt.Errorf("%w: call window is empty", apperrors.ErrValidation)
		}
	}
	return nil
}
