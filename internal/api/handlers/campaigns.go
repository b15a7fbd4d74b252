package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/campaign-dialer/internal/domain"
	apperrors "github.com/acme/campaign-dialer/pkg/errors"
)

type createCampaignRequest struct {
	Name               string              `json:"name"`
	Description        string              `json:"description"`
	OrganizationID     string              `json:"organization_id"`
	AgentID            string              `json:"agent_id"`
	TimeZone           string              `json:"time_zone"`
	Priority           int                 `json:"priority"`
	MaxConcurrentCalls int                 `json:"max_concurrent_calls"`
	RequireConsent     bool                `json:"require_consent"`
	CallWindows        []callWindowRequest `json:"call_windows"`
	RetryRules         []retryRuleRequest  `json:"retry_rules"`
	Prospects          []prospectRequest   `json:"prospects"`
}

type callWindowRequest struct {
	DayOfWeek int    `json:"day_of_week"`
	Start     string `json:"start"`
	End       string `json:"end"`
}

type retryRuleRequest struct {
	Outcome     string `json:"outcome"`
	Backoff     string `json:"backoff"`
	MaxBackoff  string `json:"max_backoff"`
	Exponential bool   `json:"exponential"`
	MaxAttempts int    `json:"max_attempts"`
}

type prospectRequest struct {
	PhoneNumber  string `json:"phone_number"`
	TimeZone     string `json:"time_zone"`
	ConsentGiven bool   `json:"consent_given"`
}

type campaignResponse struct {
	ID                 uuid.UUID             `json:"id"`
	Name               string                `json:"name"`
	Description        string                `json:"description"`
	TimeZone           string                `json:"time_zone"`
	Priority           int                   `json:"priority"`
	Status             domain.CampaignStatus `json:"status"`
	MaxConcurrentCalls int                   `json:"max_concurrent_calls"`
	RequireConsent     bool                  `json:"require_consent"`
	CallWindows        []callWindowResponse  `json:"call_windows"`
	RetryRules         []retryRuleResponse   `json:"retry_rules"`
	CreatedAt          time.Time             `json:"created_at"`
	UpdatedAt          time.Time             `json:"updated_at"`
	StartedAt          *time.Time            `json:"started_at,omitempty"`
	CompletedAt        *time.Time            `json:"completed_at,omitempty"`
}

type callWindowResponse struct {
	DayOfWeek int    `json:"day_of_week"`
	Start     string `json:"start"`
	End       string `json:"end"`
}

type retryRuleResponse struct {
	Outcome     string `json:"outcome"`
	Backoff     string `json:"backoff"`
	MaxBackoff  string `json:"max_backoff,omitempty"`
	Exponential bool   `json:"exponential"`
	MaxAttempts int    `json:"max_attempts"`
}

type listCampaignsResponse struct {
	Campaigns []campaignResponse `json:"campaigns"`
}

type metricsResponse struct {
	CampaignID     *uuid.UUID `json:"campaign_id,omitempty"`
	CallsMade      int64      `json:"calls_made"`
	CallsAnswered  int64      `json:"calls_answered"`
	CallsCompleted int64      `json:"calls_completed"`
	CallsFailed    int64      `json:"calls_failed"`
	LiveCalls      int64      `json:"live_calls"`
	DurationMs     int64      `json:"total_duration_ms"`
	RevenueCents   int64      `json:"revenue_cents"`
	SuccessRate    float64    `json:"success_rate"`
	TakenAt        time.Time  `json:"taken_at"`
}

func (h *HandlerSet) createCampaign(ctx *fiber.Ctx) error {
	var req createCampaignRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	campaign, err := toCampaign(req)
	if err != nil {
		return translateError(err)
	}

	reg := h.container.Pipeline().Registry
	if err := reg.CreateCampaign(ctx.Context(), campaign); err != nil {
		return translateError(err)
	}

	if len(req.Prospects) > 0 {
		prospects := toProspects(req.Prospects)
		if err := reg.IngestProspects(ctx.Context(), campaign.ID, prospects); err != nil {
			return translateError(err)
		}
	}

	return ctx.Status(http.StatusCreated).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) listCampaigns(ctx *fiber.Ctx) error {
	limit, _ := strconv.Atoi(ctx.Query("limit", "50"))
	var afterID *uuid.UUID
	if afterStr := ctx.Query("after_id"); afterStr != "" {
		if id, err := uuid.Parse(afterStr); err == nil {
			afterID = &id
		}
	}

	campaigns, err := h.container.Pipeline().Registry.ListCampaigns(ctx.Context(), afterID, limit)
	if err != nil {
		return translateError(err)
	}

	resp := listCampaignsResponse{Campaigns: make([]campaignResponse, 0, len(campaigns))}
	for _, c := range campaigns {
		resp.Campaigns = append(resp.Campaigns, toCampaignResponse(c))
	}

	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) getCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	campaign, err := h.container.Pipeline().Registry.GetCampaign(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) startCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	if err := h.container.Pipeline().Registry.Start(ctx.Context(), id); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) pauseCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	if err := h.container.Pipeline().Registry.Pause(ctx.Context(), id); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) resumeCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	if err := h.container.Pipeline().Registry.Resume(ctx.Context(), id); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) stopCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	if err := h.container.Pipeline().Registry.EmergencyStop(ctx.Context(), id); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) campaignMetrics(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	snap, err := h.container.Pipeline().Registry.LiveMetrics(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toMetricsResponse(*snap, &id))
}

func (h *HandlerSet) globalMetrics(ctx *fiber.Ctx) error {
	snap := h.container.Pipeline().Aggregator.GlobalSnapshot()
	return ctx.Status(http.StatusOK).JSON(toMetricsResponse(snap, nil))
}

func (h *HandlerSet) ingestProspects(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	var req struct {
		Prospects []prospectRequest `json:"prospects"`
	}
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Prospects) == 0 {
		return fiber.NewError(http.StatusBadRequest, "no prospects given")
	}

	prospects := toProspects(req.Prospects)
	if err := h.container.Pipeline().Registry.IngestProspects(ctx.Context(), id, prospects); err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{"ingested": len(prospects)})
}

func toCampaign(req createCampaignRequest) (*domain.Campaign, error) {
	campaign := &domain.Campaign{
		Name:               req.Name,
		Description:        req.Description,
		TimeZone:           req.TimeZone,
		Priority:           req.Priority,
		MaxConcurrentCalls: req.MaxConcurrentCalls,
		RequireConsent:     req.RequireConsent,
	}

	if req.OrganizationID != "" {
		id, err := uuid.Parse(req.OrganizationID)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid organization_id", apperrors.ErrValidation)
		}
		campaign.OrganizationID = id
	}
	if req.AgentID != "" {
		id, err := uuid.Parse(req.AgentID)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid agent_id", apperrors.ErrValidation)
		}
		campaign.AgentID = id
	}

	windows, err := parseCallWindows(req.CallWindows)
	if err != nil {
		return nil, err
	}
	campaign.CallWindows = windows

	rules, err := parseRetryRules(req.RetryRules)
	if err != nil {
		return nil, err
	}
	campaign.RetryRules = rules

	return campaign, nil
}

func toProspects(reqs []prospectRequest) []*domain.Prospect {
	prospects := make([]*domain.Prospect, 0, len(reqs))
	for _, p := range reqs {
		prospects = append(prospects, &domain.Prospect{
			PhoneNumber:  p.PhoneNumber,
			TimeZone:     p.TimeZone,
			ConsentGiven: p.ConsentGiven,
		})
	}
	return prospects
}

func toCampaignResponse(campaign *domain.Campaign) campaignResponse {
	resp := campaignResponse{
		ID:                 campaign.ID,
		Name:               campaign.Name,
		Description:        campaign.Description,
		TimeZone:           campaign.TimeZone,
		Priority:           campaign.Priority,
		Status:             campaign.Status,
		MaxConcurrentCalls: campaign.MaxConcurrentCalls,
		RequireConsent:     campaign.RequireConsent,
		CallWindows:        make([]callWindowResponse, 0, len(campaign.CallWindows)),
		RetryRules:         make([]retryRuleResponse, 0, len(campaign.RetryRules)),
		CreatedAt:          campaign.CreatedAt,
		UpdatedAt:          campaign.UpdatedAt,
		StartedAt:          campaign.StartedAt,
		CompletedAt:        campaign.CompletedAt,
	}

	for _, w := range campaign.CallWindows {
		resp.CallWindows = append(resp.CallWindows, callWindowResponse{
			DayOfWeek: int(w.DayOfWeek),
			Start:     formatMinutes(w.StartMinute),
			End:       formatMinutes(w.EndMinute),
		})
	}

	for outcome, rule := range campaign.RetryRules {
		rr := retryRuleResponse{
			Outcome:     string(outcome),
			Backoff:     rule.Backoff.String(),
			Exponential: rule.Exponential,
			MaxAttempts: rule.MaxAttempts,
		}
		if rule.MaxBackoff > 0 {
			rr.MaxBackoff = rule.MaxBackoff.String()
		}
		resp.RetryRules = append(resp.RetryRules, rr)
	}

	return resp
}

func toMetricsResponse(snap domain.MetricsSnapshot, campaignID *uuid.UUID) metricsResponse {
	return metricsResponse{
		CampaignID:     campaignID,
		CallsMade:      snap.CallsMade,
		CallsAnswered:  snap.CallsAnswered,
		CallsCompleted: snap.CallsCompleted,
		CallsFailed:    snap.CallsFailed,
		LiveCalls:      snap.LiveCalls,
		DurationMs:     snap.TotalDuration.Milliseconds(),
		RevenueCents:   snap.RevenueCents,
		SuccessRate:    snap.SuccessRate(),
		TakenAt:        snap.TakenAt,
	}
}

func parseCallWindows(reqs []callWindowRequest) ([]domain.CallWindow, error) {
	windows := make([]domain.CallWindow, 0, len(reqs))
	for _, w := range reqs {
		start, err := parseMinutes(w.Start)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid window start %q", apperrors.ErrValidation, w.Start)
		}
		end, err := parseMinutes(w.End)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid window end %q", apperrors.ErrValidation, w.End)
		}
		windows = append(windows, domain.CallWindow{
			DayOfWeek:   time.Weekday(w.DayOfWeek),
			StartMinute: start,
			EndMinute:   end,
		})
	}
	return windows, nil
}

func parseRetryRules(reqs []retryRuleRequest) (domain.RetryRuleSet, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	rules := make(domain.RetryRuleSet, len(reqs))
	for _, r := range reqs {
		rule := domain.RetryRule{Exponential: r.Exponential, MaxAttempts: r.MaxAttempts}
		if r.Backoff != "" {
			d, err := time.ParseDuration(r.Backoff)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid backoff for %s", apperrors.ErrValidation, r.Outcome)
			}
			rule.Backoff = d
		}
		if r.MaxBackoff != "" {
			d, err := time.ParseDuration(r.MaxBackoff)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid max_backoff for %s", apperrors.ErrValidation, r.Outcome)
			}
			rule.MaxBackoff = d
		}
		rules[domain.CallOutcome(r.Outcome)] = rule
	}
	return rules, nil
}

// parseMinutes converts "15:04" wall-clock strings to minutes from midnight,
// accepting "24:00" as an end-of-day boundary.
func parseMinutes(value string) (int, error) {
	if value == "24:00" {
		return 24 * 60, nil
	}
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func formatMinutes(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

func parseUUID(value string) (uuid.UUID, error) {
	return uuid.Parse(value)
}
