package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/campaign-dialer/internal/domain"
)

// CallWindowRepository persists a campaign's allowed dialing windows.
type CallWindowRepository struct {
	db *sqlx.DB
}

// NewCallWindowRepository creates a new repository.
func NewCallWindowRepository(db *sqlx.DB) *CallWindowRepository {
	return &CallWindowRepository{db: db}
}

// Replace swaps all call windows for a campaign in one transaction.
func (r *CallWindowRepository) Replace(ctx context.Context, campaignID uuid.UUID, windows []domain.CallWindow) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM campaign_call_windows WHERE campaign_id = $1`, campaignID); err != nil {
			return fmt.Errorf("call windows: delete existing: %w", err)
		}

		if len(windows) == 0 {
			return nil
		}

		stmt, err := tx.PreparexContext(ctx, `INSERT INTO campaign_call_windows (campaign_id, day_of_week, start_minute, end_minute) VALUES ($1, $2, $3, $4)`)
		if err != nil {
			return fmt.Errorf("call windows: prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, w := range windows {
			if _, err := stmt.ExecContext(ctx, campaignID, int(w.DayOfWeek), w.StartMinute, w.EndMinute); err != nil {
				return fmt.Errorf("call windows: insert: %w", err)
			}
		}
		return nil
	})
}

// List retrieves call windows for a campaign.
func (r *CallWindowRepository) List(ctx context.Context, campaignID uuid.UUID) ([]domain.CallWindow, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT day_of_week, start_minute, end_minute FROM campaign_call_windows WHERE campaign_id = $1 ORDER BY day_of_week, start_minute`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("call windows: query: %w", err)
	}
	defer rows.Close()

	var windows []domain.CallWindow
	for rows.Next() {
		var row struct {
			Day      int `db:"day_of_week"`
			StartMin int `db:"start_minute"`
			EndMin   int `db:"end_minute"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("call windows: scan: %w", err)
		}
		windows = append(windows, domain.CallWindow{
			DayOfWeek:   time.Weekday(row.Day),
			StartMinute: row.StartMin,
			EndMinute:   row.EndMin,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("call windows: rows err: %w", err)
	}
	return windows, nil
}
