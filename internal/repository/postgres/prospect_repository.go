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

const prospectColumns = `id, campaign_id, phone_number, time_zone, status,
	attempt_total, attempt_successful, attempt_failed, attempt_no_answer, attempt_busy, attempt_voicemail,
	next_call_eligible_at, callback_due_at, dnc_listed, opt_out_requested, consent_given,
	last_call_id, ingested_at, updated_at`

// ProspectRepository persists campaign prospects.
type ProspectRepository struct {
	db *sqlx.DB
}

// NewProspectRepository constructs the repository.
func NewProspectRepository(db *sqlx.DB) *ProspectRepository {
	return &ProspectRepository{db: db}
}

// BulkInsert ingests a batch of prospects. Rows that already exist are left
// untouched so re-uploads are idempotent.
func (r *ProspectRepository) BulkInsert(ctx context.Context, campaignID uuid.UUID, prospects []*domain.Prospect) error {
	if len(prospects) == 0 {
		return nil
	}

	query := `INSERT INTO prospects (
		id, campaign_id, phone_number, time_zone, status,
		attempt_total, attempt_successful, attempt_failed, attempt_no_answer, attempt_busy, attempt_voicemail,
		next_call_eligible_at, callback_due_at, dnc_listed, opt_out_requested, consent_given,
		last_call_id, ingested_at, updated_at
	) VALUES (
		:id, :campaign_id, :phone_number, :time_zone, :status,
		:attempt_total, :attempt_successful, :attempt_failed, :attempt_no_answer, :attempt_busy, :attempt_voicemail,
		:next_call_eligible_at, :callback_due_at, :dnc_listed, :opt_out_requested, :consent_given,
		:last_call_id, :ingested_at, :updated_at
	) ON CONFLICT (id) DO NOTHING`

	rows := make([]map[string]any, 0, len(prospects))
	for _, p := range prospects {
		rows = append(rows, prospectParams(campaignID, p))
	}

	if _, err := r.db.NamedExecContext(ctx, query, rows); err != nil {
		return fmt.Errorf("prospect repo: bulk insert: %w", err)
	}
	return nil
}

// Get fetches one prospect.
func (r *ProspectRepository) Get(ctx context.Context, campaignID, prospectID uuid.UUID) (*domain.Prospect, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+prospectColumns+`
		FROM prospects WHERE campaign_id = $1 AND id = $2`, campaignID, prospectID)

	var rec prospectRecord
	if err := row.StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("prospect repo: get: %w", err)
	}
	p := rec.toDomain()
	return &p, nil
}

// ListByCampaign lists prospects, optionally filtered by status.
func (r *ProspectRepository) ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit int, status domain.ProspectStatus) ([]*domain.Prospect, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + prospectColumns + ` FROM prospects WHERE campaign_id = $1`
	args := []any{campaignID}
	if status != "" {
		query += ` AND status = $2 ORDER BY ingested_at ASC LIMIT $3`
		args = append(args, status, limit)
	} else {
		query += ` ORDER BY ingested_at ASC LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("prospect repo: list: %w", err)
	}
	defer rows.Close()
	return scanProspects(rows)
}

// ListDialable loads every prospect that can still be called, in ingestion
// order, for pool registration at campaign start.
func (r *ProspectRepository) ListDialable(ctx context.Context, campaignID uuid.UUID) ([]*domain.Prospect, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT `+prospectColumns+`
		FROM prospects
		WHERE campaign_id = $1
		  AND status NOT IN ('converted', 'do_not_call', 'failed')
		  AND NOT dnc_listed
		  AND NOT opt_out_requested
		ORDER BY ingested_at ASC`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("prospect repo: list dialable: %w", err)
	}
	defer rows.Close()
	return scanProspects(rows)
}

// ApplyAttemptResult writes back the post-attempt prospect state: status,
// counters and the retry schedule.
func (r *ProspectRepository) ApplyAttemptResult(ctx context.Context, prospect *domain.Prospect) error {
	q := `UPDATE prospects SET
		status = :status,
		attempt_total = :attempt_total,
		attempt_successful = :attempt_successful,
		attempt_failed = :attempt_failed,
		attempt_no_answer = :attempt_no_answer,
		attempt_busy = :attempt_busy,
		attempt_voicemail = :attempt_voicemail,
		next_call_eligible_at = :next_call_eligible_at,
		callback_due_at = :callback_due_at,
		dnc_listed = :dnc_listed,
		opt_out_requested = :opt_out_requested,
		last_call_id = :last_call_id,
		updated_at = :updated_at
	 WHERE campaign_id = :campaign_id AND id = :id`

	res, err := r.db.NamedExecContext(ctx, q, prospectParams(prospect.CampaignID, prospect))
	if err != nil {
		return fmt.Errorf("prospect repo: apply attempt result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("prospect repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// MarkDNC flags prospects as do-not-call in one statement.
func (r *ProspectRepository) MarkDNC(ctx context.Context, campaignID uuid.UUID, prospectIDs []uuid.UUID, at time.Time) error {
	if len(prospectIDs) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(prospectIDs))
	copy(ids, prospectIDs)

	query := `UPDATE prospects SET status = 'do_not_call', dnc_listed = TRUE, updated_at = $1
		WHERE campaign_id = $2 AND id = ANY($3)`
	if _, err := r.db.ExecContext(ctx, query, at, campaignID, ids); err != nil {
		return fmt.Errorf("prospect repo: mark dnc: %w", err)
	}
	return nil
}

func scanProspects(rows *sqlx.Rows) ([]*domain.Prospect, error) {
	var results []*domain.Prospect
	for rows.Next() {
		var rec prospectRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("prospect repo: scan: %w", err)
		}
		p := rec.toDomain()
		results = append(results, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("prospect repo: rows err: %w", err)
	}
	return results, nil
}

func prospectParams(campaignID uuid.UUID, p *domain.Prospect) map[string]any {
	return map[string]any{
		"id":                    p.ID,
		"campaign_id":           campaignID,
		"phone_number":          p.PhoneNumber,
		"time_zone":             p.TimeZone,
		"status":                p.Status,
		"attempt_total":         p.Attempts.Total,
		"attempt_successful":    p.Attempts.Successful,
		"attempt_failed":        p.Attempts.Failed,
		"attempt_no_answer":     p.Attempts.NoAnswer,
		"attempt_busy":          p.Attempts.Busy,
		"attempt_voicemail":     p.Attempts.Voicemail,
		"next_call_eligible_at": p.NextCallEligibleAt,
		"callback_due_at":       p.CallbackDueAt,
		"dnc_listed":            p.DNCListed,
		"opt_out_requested":     p.OptOutRequested,
		"consent_given":         p.ConsentGiven,
		"last_call_id":          p.LastCallID,
		"ingested_at":           p.IngestedAt,
		"updated_at":            p.UpdatedAt,
	}
}

type prospectRecord struct {
	ID                 uuid.UUID     `db:"id"`
	CampaignID         uuid.UUID     `db:"campaign_id"`
	PhoneNumber        string        `db:"phone_number"`
	TimeZone           string        `db:"time_zone"`
	Status             string        `db:"status"`
	AttemptTotal       int           `db:"attempt_total"`
	AttemptSuccessful  int           `db:"attempt_successful"`
	AttemptFailed      int           `db:"attempt_failed"`
	AttemptNoAnswer    int           `db:"attempt_no_answer"`
	AttemptBusy        int           `db:"attempt_busy"`
	AttemptVoicemail   int           `db:"attempt_voicemail"`
	NextCallEligibleAt sql.NullTime  `db:"next_call_eligible_at"`
	CallbackDueAt      sql.NullTime  `db:"callback_due_at"`
	DNCListed          bool          `db:"dnc_listed"`
	OptOutRequested    bool          `db:"opt_out_requested"`
	ConsentGiven       bool          `db:"consent_given"`
	LastCallID         uuid.NullUUID `db:"last_call_id"`
	IngestedAt         time.Time     `db:"ingested_at"`
	UpdatedAt          sql.NullTime  `db:"updated_at"`
}

func (r prospectRecord) toDomain() domain.Prospect {
	p := domain.Prospect{
		ID:          r.ID,
		CampaignID:  r.CampaignID,
		PhoneNumber: r.PhoneNumber,
		TimeZone:    r.TimeZone,
		Status:      domain.ProspectStatus(r.Status),
		Attempts: domain.AttemptCounters{
			Total:      r.AttemptTotal,
			Successful: r.AttemptSuccessful,
			Failed:     r.AttemptFailed,
			NoAnswer:   r.AttemptNoAnswer,
			Busy:       r.AttemptBusy,
			Voicemail:  r.AttemptVoicemail,
		},
		DNCListed:       r.DNCListed,
		OptOutRequested: r.OptOutRequested,
		ConsentGiven:    r.ConsentGiven,
		IngestedAt:      r.IngestedAt,
	}
	if r.NextCallEligibleAt.Valid {
		t := r.NextCallEligibleAt.Time
		p.NextCallEligibleAt = &t
	}
	if r.CallbackDueAt.Valid {
		t := r.CallbackDueAt.Time
		p.CallbackDueAt = &t
	}
	if r.LastCallID.Valid {
		id := r.LastCallID.UUID
		p.LastCallID = &id
	}
	if r.UpdatedAt.Valid {
		p.UpdatedAt = r.UpdatedAt.Time
	}
	return p
}
