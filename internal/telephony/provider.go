package telephony

import (
	"context"

	"github.com/google/uuid"

	"github.com/acme/campaign-dialer/internal/callstate"
)

// PlaceCallRequest carries everything a provider needs to dial a prospect.
type PlaceCallRequest struct {
	CallID      uuid.UUID
	CampaignID  uuid.UUID
	ProspectID  uuid.UUID
	PhoneNumber string
	AgentVoice  string
}

// CallHandle identifies a live provider call. Events is the ordered stream
// for this call only; the provider closes it after the terminal event.
type CallHandle struct {
	ID     string
	Events <-chan callstate.Event
}

// Provider abstracts the telephony transport. Implementations must emit
// events for a handle strictly in the order they occurred.
type Provider interface {
	PlaceCall(ctx context.Context, req PlaceCallRequest) (*CallHandle, error)
	RequestCancel(ctx context.Context, handleID string) error
}
