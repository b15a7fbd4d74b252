package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/repository"
)

// CampaignStatisticsRepository implements repository.CampaignStatisticsRepository.
// It stores the durable, cumulative side of the live aggregator's counters.
type CampaignStatisticsRepository struct {
	db *sqlx.DB
}

// NewCampaignStatisticsRepository builds the repository.
func NewCampaignStatisticsRepository(db *sqlx.DB) *CampaignStatisticsRepository {
	return &CampaignStatisticsRepository{db: db}
}

// Ensure ensures a row exists for the campaign.
func (r *CampaignStatisticsRepository) Ensure(ctx context.Context, campaignID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO campaign_statistics (campaign_id)
		VALUES ($1) ON CONFLICT (campaign_id) DO NOTHING`, campaignID)
	if err != nil {
		return fmt.Errorf("campaign stats: ensure: %w", err)
	}
	return nil
}

// Get retrieves the durable counters as a snapshot. LiveCalls is a purely
// in-memory quantity and always reads zero here.
func (r *CampaignStatisticsRepository) Get(ctx context.Context, campaignID uuid.UUID) (*domain.MetricsSnapshot, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT campaign_id, calls_made, calls_answered, calls_completed, calls_failed, duration_ms, revenue_cents, updated_at
		FROM campaign_statistics WHERE campaign_id = $1`, campaignID)

	var rec statsRecord
	if err := row.StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign stats: get: %w", err)
	}

	snap := domain.MetricsSnapshot{
		CampaignID:     rec.CampaignID,
		CallsMade:      rec.CallsMade,
		CallsAnswered:  rec.CallsAnswered,
		CallsCompleted: rec.CallsCompleted,
		CallsFailed:    rec.CallsFailed,
		TotalDuration:  time.Duration(rec.DurationMs) * time.Millisecond,
		RevenueCents:   rec.RevenueCents,
	}
	if rec.UpdatedAt.Valid {
		snap.TakenAt = rec.UpdatedAt.Time
	}
	return &snap, nil
}

// ApplyDelta advances the counters atomically.
func (r *CampaignStatisticsRepository) ApplyDelta(ctx context.Context, campaignID uuid.UUID, delta repository.StatsDelta) error {
	_, err := r.db.ExecContext(ctx, `UPDATE campaign_statistics SET
		calls_made = calls_made + $2,
		calls_answered = calls_answered + $3,
		calls_completed = calls_completed + $4,
		calls_failed = calls_failed + $5,
		duration_ms = duration_ms + $6,
		revenue_cents = revenue_cents + $7,
		updated_at = NOW()
	WHERE campaign_id = $1`,
		campaignID,
		delta.CallsMadeDelta,
		delta.CallsAnsweredDelta,
		delta.CallsCompletedDelta,
		delta.CallsFailedDelta,
		delta.DurationMsDelta,
		delta.RevenueCentsDelta,
	)
	if err != nil {
		return fmt.Errorf("campaign stats: apply delta: %w", err)
	}
	return nil
}

type statsRecord struct {
	CampaignID     uuid.UUID    `db:"campaign_id"`
	CallsMade      int64        `db:"calls_made"`
	CallsAnswered  int64        `db:"calls_answered"`
	CallsCompleted int64        `db:"calls_completed"`
	CallsFailed    int64        `db:"calls_failed"`
	DurationMs     int64        `db:"duration_ms"`
	RevenueCents   int64        `db:"revenue_cents"`
	UpdatedAt      sql.NullTime `db:"updated_at"`
}
