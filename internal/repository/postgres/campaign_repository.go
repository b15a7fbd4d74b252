package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/repository"
)

const campaignColumns = `id, organization_id, agent_id, name, description, time_zone,
	priority, max_concurrent_calls, require_consent, retry_rules, status,
	created_at, updated_at, started_at, completed_at`

// CampaignRepository implements repository.CampaignRepository using PostgreSQL.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create inserts a new campaign.
func (r *CampaignRepository) Create(ctx context.Context, campaign *domain.Campaign) error {
	q := `INSERT INTO campaigns (
		id, organization_id, agent_id, name, description, time_zone,
		priority, max_concurrent_calls, require_consent, retry_rules, status,
		created_at, updated_at, started_at, completed_at
	) VALUES (
		:id, :organization_id, :agent_id, :name, :description, :time_zone,
		:priority, :max_concurrent_calls, :require_consent, :retry_rules, :status,
		:created_at, :updated_at, :started_at, :completed_at
	)`

	params, err := campaignParams(campaign)
	if err != nil {
		return err
	}
	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("campaign repo: insert: %w", err)
	}
	return nil
}

// Get fetches a campaign by id.
func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	var record campaignRecord
	if err := row.StructScan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}

	campaign, err := record.toDomain()
	if err != nil {
		return nil, err
	}
	return &campaign, nil
}

// Update updates campaign metadata.
func (r *CampaignRepository) Update(ctx context.Context, campaign *domain.Campaign) error {
	q := `UPDATE campaigns SET
		name = :name,
		description = :description,
		status = :status,
		time_zone = :time_zone,
		priority = :priority,
		max_concurrent_calls = :max_concurrent_calls,
		require_consent = :require_consent,
		retry_rules = :retry_rules,
		updated_at = :updated_at,
		started_at = :started_at,
		completed_at = :completed_at
	 WHERE id = :id`

	params, err := campaignParams(campaign)
	if err != nil {
		return err
	}
	res, err := r.db.NamedExecContext(ctx, q, params)
	if err != nil {
		return fmt.Errorf("campaign repo: update: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateStatus updates campaign status.
func (r *CampaignRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.CampaignStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE campaigns SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("campaign repo: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// List returns campaigns with optional keyset pagination.
func (r *CampaignRepository) List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows *sqlx.Rows
	var err error
	if afterID != nil {
		rows, err = r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
		FROM campaigns WHERE id > $1 ORDER BY id ASC LIMIT $2`, *afterID, limit)
	} else {
		rows, err = r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
		FROM campaigns ORDER BY id ASC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list: %w", err)
	}
	defer rows.Close()
	return scanCampaigns(rows)
}

// ListByStatus returns campaigns filtered by status.
func (r *CampaignRepository) ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
		FROM campaigns WHERE status = $1 ORDER BY updated_at ASC LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list by status: %w", err)
	}
	defer rows.Close()
	return scanCampaigns(rows)
}

func scanCampaigns(rows *sqlx.Rows) ([]*domain.Campaign, error) {
	var results []*domain.Campaign
	for rows.Next() {
		var record campaignRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaign, err := record.toDomain()
		if err != nil {
			return nil, err
		}
		results = append(results, &campaign)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}
	return results, nil
}

func campaignParams(campaign *domain.Campaign) (map[string]any, error) {
	rules, err := json.Marshal(campaign.RetryRules)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: marshal retry rules: %w", err)
	}
	return map[string]any{
		"id":                   campaign.ID,
		"organization_id":      campaign.OrganizationID,
		"agent_id":             campaign.AgentID,
		"name":                 campaign.Name,
		"description":          campaign.Description,
		"time_zone":            campaign.TimeZone,
		"priority":             campaign.Priority,
		"max_concurrent_calls": campaign.MaxConcurrentCalls,
		"require_consent":      campaign.RequireConsent,
		"retry_rules":          rules,
		"status":               campaign.Status,
		"created_at":           campaign.CreatedAt,
		"updated_at":           campaign.UpdatedAt,
		"started_at":           campaign.StartedAt,
		"completed_at":         campaign.CompletedAt,
	}, nil
}

type campaignRecord struct {
	ID                 uuid.UUID      `db:"id"`
	OrganizationID     uuid.UUID      `db:"organization_id"`
	AgentID            uuid.UUID      `db:"agent_id"`
	Name               string         `db:"name"`
	Description        sql.NullString `db:"description"`
	TimeZone           string         `db:"time_zone"`
	Priority           int            `db:"priority"`
	MaxConcurrentCalls int            `db:"max_concurrent_calls"`
	RequireConsent     bool           `db:"require_consent"`
	RetryRules         []byte         `db:"retry_rules"`
	Status             string         `db:"status"`
	CreatedAt          sql.NullTime   `db:"created_at"`
	UpdatedAt          sql.NullTime   `db:"updated_at"`
	StartedAt          sql.NullTime   `db:"started_at"`
	CompletedAt        sql.NullTime   `db:"completed_at"`
}

func (r campaignRecord) toDomain() (domain.Campaign, error) {
	campaign := domain.Campaign{
		ID:                 r.ID,
		OrganizationID:     r.OrganizationID,
		AgentID:            r.AgentID,
		Name:               r.Name,
		Description:        r.Description.String,
		TimeZone:           r.TimeZone,
		Priority:           r.Priority,
		MaxConcurrentCalls: r.MaxConcurrentCalls,
		RequireConsent:     r.RequireConsent,
		Status:             domain.CampaignStatus(r.Status),
	}
	if len(r.RetryRules) > 0 {
		if err := json.Unmarshal(r.RetryRules, &campaign.RetryRules); err != nil {
			return domain.Campaign{}, fmt.Errorf("campaign repo: unmarshal retry rules: %w", err)
		}
	}
	if r.CreatedAt.Valid {
		campaign.CreatedAt = r.CreatedAt.Time
	}
	if r.UpdatedAt.Valid {
		campaign.UpdatedAt = r.UpdatedAt.Time
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		campaign.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		campaign.CompletedAt = &t
	}
	return campaign, nil
}
