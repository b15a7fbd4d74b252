package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-dialer/internal/domain"
	apperrors "github.com/acme/campaign-dialer/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// CampaignRepository manages campaign metadata persistence.
type CampaignRepository interface {
	Create(ctx context.Context, campaign *domain.Campaign) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	Update(ctx context.Context, campaign *domain.Campaign) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.CampaignStatus) error
	List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error)
	ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error)
}

// CallWindowRepository manages a campaign's allowed dialing windows.
type CallWindowRepository interface {
	Replace(ctx context.Context, campaignID uuid.UUID, windows []domain.CallWindow) error
	List(ctx context.Context, campaignID uuid.UUID) ([]domain.CallWindow, error)
}

// ProspectRepository stores campaign prospects and their attempt history
// counters.
type ProspectRepository interface {
	BulkInsert(ctx context.Context, campaignID uuid.UUID, prospects []*domain.Prospect) error
	Get(ctx context.Context, campaignID, prospectID uuid.UUID) (*domain.Prospect, error)
	ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit int, status domain.ProspectStatus) ([]*domain.Prospect, error)
	ListDialable(ctx context.Context, campaignID uuid.UUID) ([]*domain.Prospect, error)
	ApplyAttemptResult(ctx context.Context, prospect *domain.Prospect) error
	MarkDNC(ctx context.Context, campaignID uuid.UUID, prospectIDs []uuid.UUID, at time.Time) error
}

// CampaignStatisticsRepository keeps durable aggregate counters, advanced by
// periodic deltas from the live aggregator.
type CampaignStatisticsRepository interface {
	Ensure(ctx context.Context, campaignID uuid.UUID) error
	Get(ctx context.Context, campaignID uuid.UUID) (*domain.MetricsSnapshot, error)
	ApplyDelta(ctx context.Context, campaignID uuid.UUID, delta StatsDelta) error
}

// AttemptStore persists individual call attempts. The write path is hot (one
// insert plus one update per state transition per call), so it lives in the
// wide-column store rather than Postgres.
type AttemptStore interface {
	CreateAttempt(ctx context.Context, attempt *domain.CallAttempt) error
	UpdateAttempt(ctx context.Context, attempt *domain.CallAttempt) error
	GetAttempt(ctx context.Context, id uuid.UUID) (*domain.CallAttempt, error)
	ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit int, pagingState []byte) ([]domain.CallAttempt, []byte, error)
}

// StatsDelta captures atomic counter increments for a flush window.
type StatsDelta struct {
	CallsMadeDelta      int64
	CallsAnsweredDelta  int64
	CallsCompletedDelta int64
	CallsFailedDelta    int64
	DurationMsDelta     int64
	RevenueCentsDelta   int64
}
