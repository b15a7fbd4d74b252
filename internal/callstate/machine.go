package callstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/campaign-dialer/internal/domain"
	apperrors "github.com/acme/campaign-dialer/pkg/errors"
	"github.com/acme/campaign-dialer/pkg/logger"
)

// EventType enumerates telephony callback events.
type EventType string

const (
	EventRinging     EventType = "ringing"
	EventAnswered    EventType = "answered"
	EventHeld        EventType = "held"
	EventResumed     EventType = "resumed"
	EventTransferred EventType = "transferred"
	EventEnded       EventType = "ended"
	EventFailed      EventType = "failed"
)

// Event is one telephony callback for a call attempt. Events for a given
// attempt must be applied in the order the provider emitted them.
type Event struct {
	Type    EventType
	Outcome domain.CallOutcome
	Reason  string
	Target  string
	At      time.Time
}

// Completion is emitted synchronously when an attempt reaches a terminal
// state, exactly once per attempt.
type Completion struct {
	Attempt domain.CallAttempt
	Outcome domain.CallOutcome
}

// CompletionHandler consumes completion events. Handlers run synchronously in
// registration order; slot release must be registered last so the prospect's
// counters are durably updated before its slot frees up.
type CompletionHandler func(ctx context.Context, c Completion)

// AttemptStore persists call attempts.
type AttemptStore interface {
	CreateAttempt(ctx context.Context, attempt *domain.CallAttempt) error
	UpdateAttempt(ctx context.Context, attempt *domain.CallAttempt) error
	GetAttempt(ctx context.Context, id uuid.UUID) (*domain.CallAttempt, error)
}

// Machine tracks every live call attempt from creation to terminal outcome.
// Transitions are serialized per attempt; duplicate or out-of-order events
// are detected by the legality table and dropped.
type Machine struct {
	store AttemptStore
	log   *logger.Logger

	mu       sync.RWMutex
	attempts map[uuid.UUID]*entry
	inflight map[uuid.UUID]uuid.UUID // prospect id -> live call id

	handlersMu sync.RWMutex
	handlers   []CompletionHandler
}

type entry struct {
	mu      sync.Mutex
	attempt domain.CallAttempt
}

// NewMachine constructs a call state machine backed by the given store.
func NewMachine(store AttemptStore, log *logger.Logger) *Machine {
	return &Machine{
		store:    store,
		log:      log.Named("callstate"),
		attempts: make(map[uuid.UUID]*entry),
		inflight: make(map[uuid.UUID]uuid.UUID),
	}
}

// OnCompletion registers a completion handler. Registration order is the
// delivery order.
func (m *Machine) OnCompletion(h CompletionHandler) {
	m.handlersMu.Lock()
	m.handlers = append(m.handlers, h)
	m.handlersMu.Unlock()
}

// Create opens a new attempt in the queued state. It fails with ErrConflict
// when the prospect already has an attempt in flight.
func (m *Machine) Create(ctx context.Context, prospect *domain.Prospect, campaign *domain.Campaign) (*domain.CallAttempt, error) {
	m.mu.Lock()
	if live, ok := m.inflight[prospect.ID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: prospect %s already has call %s in flight", apperrors.ErrConflict, prospect.ID, live)
	}

	attempt := domain.CallAttempt{
		ID:          uuid.New(),
		ProspectID:  prospect.ID,
		CampaignID:  campaign.ID,
		PhoneNumber: prospect.PhoneNumber,
		Status:      domain.CallStatusQueued,
		AttemptNum:  prospect.Attempts.Total + 1,
		CreatedAt:   time.Now().UTC(),
	}
	e := &entry{attempt: attempt}
	m.attempts[attempt.ID] = e
	m.inflight[prospect.ID] = attempt.ID
	m.mu.Unlock()

	if err := m.store.CreateAttempt(ctx, &attempt); err != nil {
		m.mu.Lock()
		delete(m.attempts, attempt.ID)
		delete(m.inflight, prospect.ID)
		m.mu.Unlock()
		return nil, fmt.Errorf("callstate: persist attempt: %w", err)
	}

	out := attempt
	return &out, nil
}

// Apply processes one telephony event for the attempt. Re-delivery of an
// event that leaves the state unchanged is a no-op; anything else outside the
// transition graph returns ErrIllegalTransition and leaves the attempt alone.
func (m *Machine) Apply(ctx context.Context, callID uuid.UUID, ev Event) (*domain.CallAttempt, error) {
	attempt, _, err := m.apply(ctx, callID, ev, nil)
	return attempt, err
}

// FailIfQueued fails the attempt only when it is still queued. The status
// check and the transition hold the attempt lock together, so an event that
// moves the call past queued concurrently wins and the failure is skipped.
// The returned bool reports whether the attempt was failed.
func (m *Machine) FailIfQueued(ctx context.Context, callID uuid.UUID, reason string) (bool, error) {
	queued := domain.CallStatusQueued
	_, applied, err := m.apply(ctx, callID, Event{Type: EventFailed, Reason: reason}, &queued)
	return applied, err
}

// apply is the transition core. When only is non-nil the event is applied
// solely from that status; any other current status is a skip, not an error.
func (m *Machine) apply(ctx context.Context, callID uuid.UUID, ev Event, only *domain.CallStatus) (*domain.CallAttempt, bool, error) {
	m.mu.RLock()
	e, ok := m.attempts[callID]
	m.mu.RUnlock()
	if !ok {
		return nil, false, fmt.Errorf("%w: call %s", apperrors.ErrNotFound, callID)
	}

	e.mu.Lock()

	if only != nil && e.attempt.Status != *only {
		out := e.attempt
		e.mu.Unlock()
		return &out, false, nil
	}

	target, outcome := resolveEvent(ev)
	if target == e.attempt.Status {
		// duplicate delivery
		out := e.attempt
		e.mu.Unlock()
		return &out, false, nil
	}
	if !legal(e.attempt.Status, target) {
		err := fmt.Errorf("%w: %s -> %s for call %s", apperrors.ErrIllegalTransition, e.attempt.Status, target, callID)
		out := e.attempt
		e.mu.Unlock()
		m.log.Warn("dropped call event",
			zap.String("call_id", callID.String()),
			zap.String("event", string(ev.Type)),
			zap.String("from", string(out.Status)),
		)
		return &out, false, err
	}

	now := ev.At
	if now.IsZero() {
		now = time.Now().UTC()
	}

	e.attempt.Status = target
	switch target {
	case domain.CallStatusRinging:
		e.attempt.StartedAt = &now
	case domain.CallStatusActive:
		if e.attempt.AnsweredAt == nil {
			e.attempt.AnsweredAt = &now
		}
	}
	if ev.Type == EventFailed {
		e.attempt.LastError = ev.Reason
	}

	if target.Terminal() {
		e.attempt.Outcome = outcome
		e.attempt.EndedAt = &now
		if e.attempt.AnsweredAt != nil {
			e.attempt.Duration = now.Sub(*e.attempt.AnsweredAt)
		}
	}

	snapshot := e.attempt
	e.mu.Unlock()

	if err := m.store.UpdateAttempt(ctx, &snapshot); err != nil {
		m.log.Error("persist attempt transition",
			zap.String("call_id", callID.String()), zap.Error(err))
	}

	if snapshot.Status.Terminal() {
		m.mu.Lock()
		if m.inflight[snapshot.ProspectID] == snapshot.ID {
			delete(m.inflight, snapshot.ProspectID)
		}
		m.mu.Unlock()
		m.emit(ctx, Completion{Attempt: snapshot, Outcome: snapshot.Outcome})
	}

	return &snapshot, true, nil
}

// Get returns the current attempt state, from memory when live, otherwise
// from the store.
func (m *Machine) Get(ctx context.Context, callID uuid.UUID) (*domain.CallAttempt, error) {
	m.mu.RLock()
	e, ok := m.attempts[callID]
	m.mu.RUnlock()
	if ok {
		e.mu.Lock()
		out := e.attempt
		e.mu.Unlock()
		return &out, nil
	}
	return m.store.GetAttempt(ctx, callID)
}

// BindHandle records the telephony handle for a live attempt.
func (m *Machine) BindHandle(callID uuid.UUID, handle string) {
	m.mu.RLock()
	e, ok := m.attempts[callID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.attempt.Handle = handle
	e.mu.Unlock()
}

// InFlight lists non-terminal attempts for a campaign.
func (m *Machine) InFlight(campaignID uuid.UUID) []domain.CallAttempt {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var live []domain.CallAttempt
	for _, callID := range m.inflight {
		e, ok := m.attempts[callID]
		if !ok {
			continue
		}
		e.mu.Lock()
		if e.attempt.CampaignID == campaignID && e.attempt.InFlight() {
			live = append(live, e.attempt)
		}
		e.mu.Unlock()
	}
	return live
}

// InFlightCount returns the number of live attempts for a campaign.
func (m *Machine) InFlightCount(campaignID uuid.UUID) int {
	return len(m.InFlight(campaignID))
}

func (m *Machine) emit(ctx context.Context, c Completion) {
	m.handlersMu.RLock()
	handlers := m.handlers
	m.handlersMu.RUnlock()
	for _, h := range handlers {
		h(ctx, c)
	}
}

// resolveEvent maps an event to its target status and outcome.
func resolveEvent(ev Event) (domain.CallStatus, domain.CallOutcome) {
	switch ev.Type {
	case EventRinging:
		return domain.CallStatusRinging, ""
	case EventAnswered, EventResumed:
		return domain.CallStatusActive, ""
	case EventHeld:
		return domain.CallStatusOnHold, ""
	case EventTransferred:
		return domain.CallStatusTransferred, ""
	case EventEnded:
		if ev.Outcome == domain.OutcomeCancelled {
			return domain.CallStatusCancelled, domain.OutcomeCancelled
		}
		return domain.CallStatusCompleted, ev.Outcome
	case EventFailed:
		return domain.CallStatusFailed, domain.OutcomeSystemFailure
	default:
		// unknown events never match a legal edge
		return "", ""
	}
}

// legal encodes the transition graph. Cancellation is reachable from every
// non-terminal state so emergency stop can always converge.
func legal(from, to domain.CallStatus) bool {
	if to == domain.CallStatusCancelled {
		return !from.Terminal()
	}
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

var transitions = map[domain.CallStatus][]domain.CallStatus{
	domain.CallStatusQueued:      {domain.CallStatusRinging, domain.CallStatusFailed},
	domain.CallStatusRinging:     {domain.CallStatusActive, domain.CallStatusCompleted, domain.CallStatusFailed},
	domain.CallStatusActive:      {domain.CallStatusOnHold, domain.CallStatusTransferred, domain.CallStatusCompleted, domain.CallStatusFailed},
	domain.CallStatusOnHold:      {domain.CallStatusActive, domain.CallStatusFailed},
	domain.CallStatusTransferred: {domain.CallStatusCompleted, domain.CallStatusFailed},
}
