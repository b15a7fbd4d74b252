package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallStatus enumerates lifecycle stages of a call attempt.
type CallStatus string

const (
	CallStatusQueued      CallStatus = "queued"
	CallStatusRinging     CallStatus = "ringing"
	CallStatusActive      CallStatus = "active"
	CallStatusOnHold      CallStatus = "on_hold"
	CallStatusTransferred CallStatus = "transferred"
	CallStatusCompleted   CallStatus = "completed"
	CallStatusFailed      CallStatus = "failed"
	CallStatusCancelled   CallStatus = "cancelled"
)

// Terminal reports whether the status ends the attempt lifecycle.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusCancelled:
		return true
	}
	return false
}

// CallOutcome classifies how a finished attempt ended.
type CallOutcome string

const (
	OutcomeConverted     CallOutcome = "converted"
	OutcomeAnswered      CallOutcome = "answered"
	OutcomeNoAnswer      CallOutcome = "no_answer"
	OutcomeBusy          CallOutcome = "busy"
	OutcomeVoicemail     CallOutcome = "voicemail"
	OutcomeCallback      CallOutcome = "callback_requested"
	OutcomeDoNotCall     CallOutcome = "do_not_call"
	OutcomeSystemFailure CallOutcome = "system_failure"
	OutcomeCancelled     CallOutcome = "cancelled"
)

// CallAttempt is one concrete dial attempt and its lifecycle.
type CallAttempt struct {
	ID          uuid.UUID
	ProspectID  uuid.UUID
	CampaignID  uuid.UUID
	PhoneNumber string
	Status      CallStatus
	Outcome     CallOutcome
	AttemptNum  int
	Handle      string
	LastError   string
	CreatedAt   time.Time
	StartedAt   *time.Time
	AnsweredAt  *time.Time
	EndedAt     *time.Time
	Duration    time.Duration
}

// InFlight reports whether the attempt still occupies a call slot.
func (a *CallAttempt) InFlight() bool {
	return !a.Status.Terminal()
}
