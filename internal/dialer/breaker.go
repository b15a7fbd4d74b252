package dialer

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// breaker backs dispatch off per campaign when the recent failure rate
// crosses a threshold, resuming after a cooldown. Self-protection against an
// unhealthy telephony collaborator; never surfaces as a user error.
type breaker struct {
	threshold float64
	window    int
	cooldown  time.Duration

	mu        sync.Mutex
	campaigns map[uuid.UUID]*breakerState
}

type breakerState struct {
	outcomes  []bool // true = system failure, newest last
	openUntil time.Time
}

func newBreaker(threshold float64, window int, cooldown time.Duration) *breaker {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.5
	}
	if window <= 0 {
		window = 20
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breaker{
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		campaigns: make(map[uuid.UUID]*breakerState),
	}
}

// allow reports whether dispatch may proceed for the campaign.
func (b *breaker) allow(campaignID uuid.UUID, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.campaigns[campaignID]
	if !ok {
		return true
	}
	return !s.openUntil.After(now)
}

// record notes one attempt outcome and trips the breaker when the window's
// failure rate crosses the threshold.
func (b *breaker) record(campaignID uuid.UUID, systemFailure bool, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.campaigns[campaignID]
	if !ok {
		s = &breakerState{}
		b.campaigns[campaignID] = s
	}

	s.outcomes = append(s.outcomes, systemFailure)
	if len(s.outcomes) > b.window {
		s.outcomes = s.outcomes[len(s.outcomes)-b.window:]
	}
	if len(s.outcomes) < b.window {
		return
	}

	failures := 0
	for _, f := range s.outcomes {
		if f {
			failures++
		}
	}
	if float64(failures)/float64(len(s.outcomes)) >= b.threshold {
		s.openUntil = now.Add(b.cooldown)
		s.outcomes = s.outcomes[:0]
	}
}

// reset clears breaker state for a campaign.
func (b *breaker) reset(campaignID uuid.UUID) {
	b.mu.Lock()
	delete(b.campaigns, campaignID)
	b.mu.Unlock()
}
