package domain

import (
	"time"

	"github.com/google/uuid"
)

// MetricsSnapshot is a read-only view of campaign counters. All values except
// LiveCalls are cumulative and monotonically non-decreasing.
type MetricsSnapshot struct {
	CampaignID     uuid.UUID
	CallsMade      int64
	CallsAnswered  int64
	CallsCompleted int64
	CallsFailed    int64
	LiveCalls      int64
	TotalDuration  time.Duration
	RevenueCents   int64
	TakenAt        time.Time
}

// SuccessRate returns completed/made, zero when nothing was dialed yet.
func (s MetricsSnapshot) SuccessRate() float64 {
	if s.CallsMade == 0 {
		return 0
	}
	return float64(s.CallsCompleted) / float64(s.CallsMade)
}

// AverageDuration returns the mean duration of completed calls.
func (s MetricsSnapshot) AverageDuration() time.Duration {
	if s.CallsCompleted == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.CallsCompleted)
}
