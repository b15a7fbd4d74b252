package domain

import "time"

// RetryRule defines backoff and exhaustion behaviour for one call outcome.
type RetryRule struct {
	Backoff     time.Duration
	MaxBackoff  time.Duration
	Exponential bool
	MaxAttempts int
}

// RetryRuleSet maps call outcomes to retry rules. Outcomes without a rule are
// never retried automatically.
type RetryRuleSet map[CallOutcome]RetryRule

// DefaultRetryRules returns the product-default policy table.
func DefaultRetryRules() RetryRuleSet {
	return RetryRuleSet{
		OutcomeNoAnswer:      {Backoff: 2 * time.Hour, MaxAttempts: 3},
		OutcomeBusy:          {Backoff: 30 * time.Minute, MaxAttempts: 5},
		OutcomeVoicemail:     {Backoff: 24 * time.Hour, MaxAttempts: 2},
		OutcomeSystemFailure: {Backoff: 5 * time.Minute, MaxBackoff: time.Hour, Exponential: true, MaxAttempts: 5},
	}
}

// Merged returns the rule set with campaign overrides applied on top of the
// defaults. A nil receiver yields the defaults unchanged.
func (r RetryRuleSet) Merged() RetryRuleSet {
	merged := DefaultRetryRules()
	for outcome, rule := range r {
		merged[outcome] = rule
	}
	return merged
}
