package handlers

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/campaign-dialer/internal/callstate"
	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/queue"
)

type callResponse struct {
	ID          uuid.UUID          `json:"id"`
	CampaignID  uuid.UUID          `json:"campaign_id"`
	ProspectID  uuid.UUID          `json:"prospect_id"`
	PhoneNumber string             `json:"phone_number"`
	Status      domain.CallStatus  `json:"status"`
	Outcome     domain.CallOutcome `json:"outcome,omitempty"`
	AttemptNum  int                `json:"attempt_num"`
	LastError   string             `json:"last_error,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	AnsweredAt  *time.Time         `json:"answered_at,omitempty"`
	EndedAt     *time.Time         `json:"ended_at,omitempty"`
	DurationMs  int64              `json:"duration_ms"`
}

type listCallsResponse struct {
	Calls    []callResponse `json:"calls"`
	NextPage string         `json:"next_page_token,omitempty"`
}

func (h *HandlerSet) getCall(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid call id")
	}

	attempt, err := h.container.Pipeline().Machine.Get(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toCallResponse(attempt))
}

func (h *HandlerSet) listCampaignCalls(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	limit, _ := strconv.Atoi(ctx.Query("limit", "100"))
	paging, err := decodePageToken(ctx.Query("page_token", ""))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid page token")
	}

	attempts, next, err := h.container.Repositories().Attempts.ListByCampaign(ctx.Context(), id, limit, paging)
	if err != nil {
		return translateError(err)
	}

	resp := listCallsResponse{Calls: make([]callResponse, 0, len(attempts))}
	for i := range attempts {
		resp.Calls = append(resp.Calls, toCallResponse(&attempts[i]))
	}
	resp.NextPage = encodePageToken(next)

	return ctx.Status(http.StatusOK).JSON(resp)
}

type telephonyEventRequest struct {
	CallID       string    `json:"call_id"`
	CampaignID   string    `json:"campaign_id"`
	HandleID     string    `json:"handle_id"`
	Type         string    `json:"type"`
	Outcome      string    `json:"outcome"`
	Reason       string    `json:"reason"`
	Target       string    `json:"target"`
	OccurredAt   time.Time `json:"occurred_at"`
	RevenueCents int64     `json:"revenue_cents"`
}

// telephonyEvent receives provider callbacks and buffers them through Kafka.
// The handler acknowledges as soon as the event is durable; the event worker
// applies it to the state machine.
func (h *HandlerSet) telephonyEvent(ctx *fiber.Ctx) error {
	var req telephonyEventRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	callID, err := uuid.Parse(req.CallID)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid call id")
	}
	var campaignID uuid.UUID
	if req.CampaignID != "" {
		if campaignID, err = uuid.Parse(req.CampaignID); err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
		}
	}
	if req.Type == "" {
		return fiber.NewError(http.StatusBadRequest, "event type is required")
	}

	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	msg := queue.CallEventMessage{
		CallID:       callID,
		CampaignID:   campaignID,
		HandleID:     req.HandleID,
		Type:         callstate.EventType(req.Type),
		Outcome:      domain.CallOutcome(req.Outcome),
		Reason:       req.Reason,
		Target:       req.Target,
		OccurredAt:   occurredAt,
		RevenueCents: req.RevenueCents,
	}
	if err := h.container.Publishers().Events.PublishEvent(ctx.Context(), msg); err != nil {
		return translateError(err)
	}

	return ctx.SendStatus(http.StatusAccepted)
}

func toCallResponse(a *domain.CallAttempt) callResponse {
	return callResponse{
		ID:          a.ID,
		CampaignID:  a.CampaignID,
		ProspectID:  a.ProspectID,
		PhoneNumber: a.PhoneNumber,
		Status:      a.Status,
		Outcome:     a.Outcome,
		AttemptNum:  a.AttemptNum,
		LastError:   a.LastError,
		CreatedAt:   a.CreatedAt,
		StartedAt:   a.StartedAt,
		AnsweredAt:  a.AnsweredAt,
		EndedAt:     a.EndedAt,
		DurationMs:  a.Duration.Milliseconds(),
	}
}

func encodePageToken(state []byte) string {
	if len(state) == 0 {
		return ""
	}
	return base64.URLEncoding.EncodeToString(state)
}

func decodePageToken(token string) ([]byte, error) {
	if token == "" {
		return nil, nil
	}
	return base64.URLEncoding.DecodeString(token)
}
