package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-dialer/internal/callstate"
	"github.com/acme/campaign-dialer/internal/domain"
)

// CallEventMessage is one telephony callback on its way from the webhook to
// the state machine. Keyed by call id so a partition replays events for a
// given call in order.
type CallEventMessage struct {
	CallID     uuid.UUID           `json:"call_id"`
	CampaignID uuid.UUID           `json:"campaign_id"`
	HandleID   string              `json:"handle_id,omitempty"`
	Type       callstate.EventType `json:"type"`
	Outcome    domain.CallOutcome  `json:"outcome,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	Target     string              `json:"target,omitempty"`
	OccurredAt time.Time           `json:"occurred_at"`
	// RevenueCents attributes conversion revenue reported by the provider.
	RevenueCents int64 `json:"revenue_cents,omitempty"`
}

// Event converts the message to a state machine event.
func (m CallEventMessage) Event() callstate.Event {
	return callstate.Event{
		Type:    m.Type,
		Outcome: m.Outcome,
		Reason:  m.Reason,
		Target:  m.Target,
		At:      m.OccurredAt,
	}
}

// CompletionMessage fans a terminal call attempt out to downstream consumers
// (CRM sync, billing, analytics).
type CompletionMessage struct {
	CallID      uuid.UUID          `json:"call_id"`
	CampaignID  uuid.UUID          `json:"campaign_id"`
	ProspectID  uuid.UUID          `json:"prospect_id"`
	PhoneNumber string             `json:"phone_number"`
	Status      domain.CallStatus  `json:"status"`
	Outcome     domain.CallOutcome `json:"outcome"`
	AttemptNum  int                `json:"attempt_num"`
	DurationMs  int64              `json:"duration_ms"`
	Error       string             `json:"error,omitempty"`
	EndedAt     *time.Time         `json:"ended_at,omitempty"`
}
