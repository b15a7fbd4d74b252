package domain

import (
	"time"

	"github.com/google/uuid"
)

// CampaignStatus enumerates lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusScheduled CampaignStatus = "scheduled"
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusRunning   CampaignStatus = "running"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusCancelled CampaignStatus = "cancelled"
	CampaignStatusFailed    CampaignStatus = "failed"
)

// Terminal reports whether the status is final. Terminal campaigns release
// all owned call slots and never dispatch again.
func (s CampaignStatus) Terminal() bool {
	switch s {
	case CampaignStatusCompleted, CampaignStatusCancelled, CampaignStatusFailed:
		return true
	}
	return false
}

// Campaign models an outbound dialing campaign definition.
type Campaign struct {
	ID                 uuid.UUID
	OrganizationID     uuid.UUID
	AgentID            uuid.UUID
	Name               string
	Description        string
	TimeZone           string
	Priority           int
	MaxConcurrentCalls int
	RequireConsent     bool
	CallWindows        []CallWindow
	RetryRules         RetryRuleSet
	Status             CampaignStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
}

// CallWindow captures an allowed dialing window per day of week, expressed as
// minutes from midnight in the prospect's local time zone.
type CallWindow struct {
	DayOfWeek   time.Weekday
	StartMinute int
	EndMinute   int
}

// Contains reports whether the local time falls inside the window. Windows
// where EndMinute <= StartMinute span midnight into the following day.
func (w CallWindow) Contains(local time.Time) bool {
	minute := local.Hour()*60 + local.Minute()
	weekday := local.Weekday()

	if w.EndMinute <= w.StartMinute {
		if w.DayOfWeek == weekday && minute >= w.StartMinute {
			return true
		}
		next := time.Weekday((int(w.DayOfWeek) + 1) % 7)
		return next == weekday && minute < w.EndMinute
	}

	return w.DayOfWeek == weekday && minute >= w.StartMinute && minute < w.EndMinute
}

// WithinCallWindow reports whether the campaign may dial at the given instant
// for the given time zone. An empty window set allows dialing at any time.
func (c *Campaign) WithinCallWindow(nowUTC time.Time, tz string) bool {
	if len(c.CallWindows) == 0 {
		return true
	}
	if tz == "" {
		tz = c.TimeZone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	local := nowUTC.In(loc)
	for _, w := range c.CallWindows {
		if w.Contains(local) {
			return true
		}
	}
	return false
}
