// Package policy decides whether and when a prospect should be dialed again
// after an attempt finishes. Backoff timestamps are a pure function of the
// outcome, the prospect's prior attempt counts, and the completion time, so
// racing completion handlers compute identical schedules.
package policy

import (
	"time"

	"github.com/acme/campaign-dialer/internal/domain"
)

// Decision is the engine's verdict for a finished attempt.
type Decision struct {
	Status         domain.ProspectStatus
	Retry          bool
	NextEligibleAt time.Time
	Exhausted      bool
}

// Engine applies a campaign's retry rule set.
type Engine struct {
	rules domain.RetryRuleSet
}

// NewEngine builds an engine from campaign overrides merged over defaults.
func NewEngine(overrides domain.RetryRuleSet) *Engine {
	return &Engine{rules: overrides.Merged()}
}

// Apply updates the prospect's counters and status for the completed outcome
// and returns the retry decision. This is the only place prospect attempt
// counters are mutated.
func (e *Engine) Apply(p *domain.Prospect, outcome domain.CallOutcome, completedAt time.Time) Decision {
	p.Attempts.Total++

	switch outcome {
	case domain.OutcomeConverted:
		p.Attempts.Successful++
		return e.settle(p, domain.ProspectStatusConverted, completedAt)

	case domain.OutcomeDoNotCall:
		p.OptOutRequested = true
		return e.settle(p, domain.ProspectStatusDoNotCall, completedAt)

	case domain.OutcomeCallback:
		p.Attempts.Successful++
		p.Status = domain.ProspectStatusCallbackRequested
		if p.CallbackDueAt == nil {
			due := completedAt
			if rule, ok := e.rules[domain.OutcomeCallback]; ok {
				due = completedAt.Add(rule.Backoff)
			}
			p.CallbackDueAt = &due
		}
		p.NextCallEligibleAt = p.CallbackDueAt
		return Decision{Status: p.Status, Retry: true, NextEligibleAt: *p.CallbackDueAt}

	case domain.OutcomeAnswered:
		p.Attempts.Successful++
		return e.reschedule(p, domain.ProspectStatusAnswered, outcome, completedAt)

	case domain.OutcomeNoAnswer:
		p.Attempts.NoAnswer++
		return e.reschedule(p, domain.ProspectStatusNoAnswer, outcome, completedAt)

	case domain.OutcomeBusy:
		p.Attempts.Busy++
		return e.reschedule(p, domain.ProspectStatusBusy, outcome, completedAt)

	case domain.OutcomeVoicemail:
		p.Attempts.Voicemail++
		return e.reschedule(p, domain.ProspectStatusVoicemail, outcome, completedAt)

	case domain.OutcomeSystemFailure:
		p.Attempts.Failed++
		return e.reschedule(p, domain.ProspectStatusContacted, outcome, completedAt)

	case domain.OutcomeCancelled:
		// cancelled attempts neither consume a retry budget nor reschedule
		p.Attempts.Total--
		return Decision{Status: p.Status}

	default:
		return e.reschedule(p, domain.ProspectStatusContacted, outcome, completedAt)
	}
}

// settle moves the prospect to a terminal status.
func (e *Engine) settle(p *domain.Prospect, status domain.ProspectStatus, at time.Time) Decision {
	p.Status = status
	p.NextCallEligibleAt = nil
	p.UpdatedAt = at
	return Decision{Status: status}
}

// reschedule applies the rule table for a retryable-class outcome.
func (e *Engine) reschedule(p *domain.Prospect, status domain.ProspectStatus, outcome domain.CallOutcome, at time.Time) Decision {
	p.Status = status
	p.UpdatedAt = at

	rule, ok := e.rules[outcome]
	if !ok {
		// no auto-retry for this outcome
		p.NextCallEligibleAt = nil
		return Decision{Status: status}
	}

	if rule.MaxAttempts > 0 && p.Attempts.ForOutcome(outcome) >= rule.MaxAttempts {
		p.Status = domain.ProspectStatusFailed
		p.NextCallEligibleAt = nil
		return Decision{Status: p.Status, Exhausted: true}
	}

	next := at.Add(backoffFor(rule, p.Attempts.ForOutcome(outcome)))
	p.NextCallEligibleAt = &next
	return Decision{Status: status, Retry: true, NextEligibleAt: next}
}

// backoffFor computes the delay before the next attempt given the number of
// attempts with this outcome so far (>= 1 at decision time).
func backoffFor(rule domain.RetryRule, attemptsSoFar int) time.Duration {
	delay := rule.Backoff
	if rule.Exponential {
		for i := 1; i < attemptsSoFar; i++ {
			delay *= 2
			if rule.MaxBackoff > 0 && delay >= rule.MaxBackoff {
				return rule.MaxBackoff
			}
		}
	}
	if rule.MaxBackoff > 0 && delay > rule.MaxBackoff {
		delay = rule.MaxBackoff
	}
	return delay
}
