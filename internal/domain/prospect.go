package domain

import (
	"time"

	"github.com/google/uuid"
)

// ProspectStatus enumerates lifecycle states of a prospect.
type ProspectStatus string

const (
	ProspectStatusNew               ProspectStatus = "new"
	ProspectStatusContacted         ProspectStatus = "contacted"
	ProspectStatusAnswered          ProspectStatus = "answered"
	ProspectStatusNoAnswer          ProspectStatus = "no_answer"
	ProspectStatusBusy              ProspectStatus = "busy"
	ProspectStatusVoicemail         ProspectStatus = "voicemail"
	ProspectStatusCallbackRequested ProspectStatus = "callback_requested"
	ProspectStatusDoNotCall         ProspectStatus = "do_not_call"
	ProspectStatusConverted         ProspectStatus = "converted"
	ProspectStatusFailed            ProspectStatus = "failed"
)

// Terminal reports whether the prospect is permanently excluded from dialing.
func (s ProspectStatus) Terminal() bool {
	switch s {
	case ProspectStatusConverted, ProspectStatusDoNotCall, ProspectStatusFailed:
		return true
	}
	return false
}

// AttemptCounters aggregates a prospect's call history by outcome.
type AttemptCounters struct {
	Total      int
	Successful int
	Failed     int
	NoAnswer   int
	Busy       int
	Voicemail  int
}

// ForOutcome returns the count of prior attempts with the given outcome.
func (c AttemptCounters) ForOutcome(outcome CallOutcome) int {
	switch outcome {
	case OutcomeNoAnswer:
		return c.NoAnswer
	case OutcomeBusy:
		return c.Busy
	case OutcomeVoicemail:
		return c.Voicemail
	case OutcomeSystemFailure:
		return c.Failed
	default:
		return 0
	}
}

// Prospect is a contact target with call history and compliance flags.
// Mutated only by the completion pipeline and the retry policy engine.
type Prospect struct {
	ID                 uuid.UUID
	CampaignID         uuid.UUID
	PhoneNumber        string
	TimeZone           string
	Status             ProspectStatus
	Attempts           AttemptCounters
	NextCallEligibleAt *time.Time
	CallbackDueAt      *time.Time
	DNCListed          bool
	OptOutRequested    bool
	ConsentGiven       bool
	LastCallID         *uuid.UUID
	IngestedAt         time.Time
	UpdatedAt          time.Time
}

// Dialable reports whether the prospect's own flags permit any further
// dialing, independent of timing checks.
func (p *Prospect) Dialable() bool {
	return !p.Status.Terminal() && !p.DNCListed && !p.OptOutRequested
}
