package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/repository"
)

// AttemptStore persists call attempts in Scylla. Attempts are denormalized
// into two tables: attempts_by_id for point lookups on the webhook and API
// paths, and attempts_by_campaign (day-bucketed) for campaign history pages.
type AttemptStore struct {
	session *gocql.Session
}

// NewAttemptStore creates a new attempt store.
func NewAttemptStore(session *gocql.Session) *AttemptStore {
	return &AttemptStore{session: session}
}

const attemptColumns = `call_id, prospect_id, campaign_id, bucket, phone_number, status, outcome,
	attempt_number, handle, last_error, created_at, started_at, answered_at, ended_at, duration_ms`

// CreateAttempt inserts a new attempt into both tables.
func (s *AttemptStore) CreateAttempt(ctx context.Context, attempt *domain.CallAttempt) error {
	bucket := bucketDate(attempt.CreatedAt)
	args := attemptArgs(attempt, bucket)

	if err := s.session.Query(`INSERT INTO attempts_by_id (`+attemptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...).
		WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("attempt store: insert attempts_by_id: %w", err)
	}

	if err := s.session.Query(`INSERT INTO attempts_by_campaign (`+attemptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...).
		WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("attempt store: insert attempts_by_campaign: %w", err)
	}

	return nil
}

// UpdateAttempt writes the attempt's current state to both tables. The whole
// row is rewritten; per-column updates buy nothing on an LSM store.
func (s *AttemptStore) UpdateAttempt(ctx context.Context, attempt *domain.CallAttempt) error {
	return s.CreateAttempt(ctx, attempt)
}

// GetAttempt retrieves an attempt by call id.
func (s *AttemptStore) GetAttempt(ctx context.Context, id uuid.UUID) (*domain.CallAttempt, error) {
	iter := s.session.Query(`SELECT `+attemptColumns+`
		FROM attempts_by_id WHERE call_id = ?`, id.String()).
		WithContext(ctx).Iter()

	attempt, ok, err := scanAttempt(iter)
	if err != nil {
		return nil, fmt.Errorf("attempt store: get: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: attempt %s", repository.ErrNotFound, id)
	}
	return attempt, nil
}

// ListByCampaign pages through a campaign's attempts.
func (s *AttemptStore) ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit int, pagingState []byte) ([]domain.CallAttempt, []byte, error) {
	if limit <= 0 {
		limit = 100
	}

	query := s.session.Query(`SELECT `+attemptColumns+`
		FROM attempts_by_campaign WHERE campaign_id = ?`, campaignID.String()).
		WithContext(ctx).PageSize(limit)
	if len(pagingState) > 0 {
		query = query.PageState(pagingState)
	}

	iter := query.Iter()
	attempts := make([]domain.CallAttempt, 0, limit)
	for {
		attempt, ok, err := scanAttempt(iter)
		if err != nil {
			return nil, nil, fmt.Errorf("attempt store: list: %w", err)
		}
		if !ok {
			break
		}
		attempts = append(attempts, *attempt)
	}

	return attempts, iter.PageState(), nil
}

func attemptArgs(a *domain.CallAttempt, bucket time.Time) []any {
	return []any{
		a.ID.String(),
		a.ProspectID.String(),
		a.CampaignID.String(),
		bucket,
		a.PhoneNumber,
		string(a.Status),
		string(a.Outcome),
		a.AttemptNum,
		a.Handle,
		a.LastError,
		a.CreatedAt,
		a.StartedAt,
		a.AnsweredAt,
		a.EndedAt,
		a.Duration.Milliseconds(),
	}
}

// scanAttempt reads one row off the iterator. ok is false when the iterator
// is exhausted; the iterator is closed in that case.
func scanAttempt(iter *gocql.Iter) (*domain.CallAttempt, bool, error) {
	var (
		idStr       string
		prospectStr string
		campaignStr string
		bucket      time.Time
		phone       string
		status      string
		outcome     string
		attemptNum  int
		handle      string
		lastError   string
		created     time.Time
		started     *time.Time
		answered    *time.Time
		ended       *time.Time
		durationMs  int64
	)

	if !iter.Scan(&idStr, &prospectStr, &campaignStr, &bucket, &phone, &status, &outcome,
		&attemptNum, &handle, &lastError, &created, &started, &answered, &ended, &durationMs) {
		if err := iter.Close(); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, false, fmt.Errorf("parse call_id: %w", err)
	}
	prospectID, err := uuid.Parse(prospectStr)
	if err != nil {
		return nil, false, fmt.Errorf("parse prospect_id: %w", err)
	}
	campaignID, err := uuid.Parse(campaignStr)
	if err != nil {
		return nil, false, fmt.Errorf("parse campaign_id: %w", err)
	}

	attempt := &domain.CallAttempt{
		ID:          id,
		ProspectID:  prospectID,
		CampaignID:  campaignID,
		PhoneNumber: phone,
		Status:      domain.CallStatus(status),
		Outcome:     domain.CallOutcome(outcome),
		AttemptNum:  attemptNum,
		Handle:      handle,
		LastError:   lastError,
		CreatedAt:   created,
		StartedAt:   started,
		AnsweredAt:  answered,
		EndedAt:     ended,
		Duration:    time.Duration(durationMs) * time.Millisecond,
	}
	return attempt, true, nil
}

func bucketDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
