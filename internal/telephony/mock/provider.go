package mock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/acme/campaign-dialer/internal/callstate"
	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/telephony"
)

// Provider simulates outbound call behaviour with an ordered per-call event
// stream. Outcomes can be scripted per phone number; unscripted numbers draw
// from seeded randomness like a flaky carrier.
type Provider struct {
	ringDelay time.Duration
	talkDelay time.Duration

	mu      sync.Mutex
	rng     *rand.Rand
	scripts map[string]domain.CallOutcome
	cancels map[string]chan struct{}
	seq     int
}

// Option tweaks provider behaviour.
type Option func(*Provider)

// WithDelays overrides the simulated ring and talk durations.
func WithDelays(ring, talk time.Duration) Option {
	return func(p *Provider) {
		p.ringDelay = ring
		p.talkDelay = talk
	}
}

// WithSeed makes the unscripted outcome draw deterministic.
func WithSeed(seed int64) Option {
	return func(p *Provider) {
		p.rng = rand.New(rand.NewSource(seed))
	}
}

// NewProvider constructs the simulator.
func NewProvider(opts ...Option) *Provider {
	p := &Provider{
		ringDelay: 50 * time.Millisecond,
		talkDelay: 100 * time.Millisecond,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		scripts:   make(map[string]domain.CallOutcome),
		cancels:   make(map[string]chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Script fixes the outcome for calls to a phone number.
func (p *Provider) Script(phoneNumber string, outcome domain.CallOutcome) {
	p.mu.Lock()
	p.scripts[phoneNumber] = outcome
	p.mu.Unlock()
}

// PlaceCall starts a simulated call and returns its handle.
func (p *Provider) PlaceCall(_ context.Context, req telephony.PlaceCallRequest) (*telephony.CallHandle, error) {
	p.mu.Lock()
	p.seq++
	handleID := fmt.Sprintf("mock-%d", p.seq)
	outcome, scripted := p.scripts[req.PhoneNumber]
	if !scripted {
		outcome = p.randomOutcome()
	}
	cancel := make(chan struct{})
	p.cancels[handleID] = cancel
	p.mu.Unlock()

	events := make(chan callstate.Event, 8)
	go p.simulate(events, cancel, outcome)

	return &telephony.CallHandle{ID: handleID, Events: events}, nil
}

// RequestCancel asks a live simulated call to end as cancelled. Unknown
// handles are a no-op, matching carriers that already tore the call down.
func (p *Provider) RequestCancel(_ context.Context, handleID string) error {
	p.mu.Lock()
	cancel, ok := p.cancels[handleID]
	if ok {
		delete(p.cancels, handleID)
	}
	p.mu.Unlock()
	if ok {
		close(cancel)
	}
	return nil
}

func (p *Provider) simulate(events chan<- callstate.Event, cancel <-chan struct{}, outcome domain.CallOutcome) {
	defer close(events)

	emit := func(ev callstate.Event) bool {
		ev.At = time.Now().UTC()
		select {
		case events <- ev:
			return true
		case <-cancel:
			events <- callstate.Event{Type: callstate.EventEnded, Outcome: domain.OutcomeCancelled, At: time.Now().UTC()}
			return false
		}
	}

	wait := func(d time.Duration) bool {
		select {
		case <-time.After(d):
			return true
		case <-cancel:
			events <- callstate.Event{Type: callstate.EventEnded, Outcome: domain.OutcomeCancelled, At: time.Now().UTC()}
			return false
		}
	}

	if outcome == domain.OutcomeSystemFailure {
		if !wait(p.ringDelay) {
			return
		}
		emit(callstate.Event{Type: callstate.EventFailed, Reason: "simulated carrier error"})
		return
	}

	if !emit(callstate.Event{Type: callstate.EventRinging}) {
		return
	}
	if !wait(p.ringDelay) {
		return
	}

	switch outcome {
	case domain.OutcomeNoAnswer, domain.OutcomeBusy, domain.OutcomeVoicemail:
		emit(callstate.Event{Type: callstate.EventEnded, Outcome: outcome})
	default:
		if !emit(callstate.Event{Type: callstate.EventAnswered}) {
			return
		}
		if !wait(p.talkDelay) {
			return
		}
		emit(callstate.Event{Type: callstate.EventEnded, Outcome: outcome})
	}
}

func (p *Provider) randomOutcome() domain.CallOutcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	roll := p.rng.Float64()
	switch {
	case roll < 0.55:
		return domain.OutcomeAnswered
	case roll < 0.75:
		return domain.OutcomeNoAnswer
	case roll < 0.85:
		return domain.OutcomeBusy
	case roll < 0.95:
		return domain.OutcomeVoicemail
	default:
		return domain.OutcomeSystemFailure
	}
}
