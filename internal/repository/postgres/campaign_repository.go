package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/drip-email-campaign/internal/domain"
	"github.com/acme/drip-email-campaign/internal/repository"
)

// CampaignRepository implements repository.CampaignRepository using PostgreSQL.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create inserts a campaign and its step sequence in one transaction.
func (r *CampaignRepository) Create(ctx context.Context, campaign *domain.Campaign) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		q := `INSERT INTO campaigns (
			id, name, description, status, step_failure_mode, max_in_flight,
			retry_max_attempts, retry_base_delay_ms, retry_max_delay_ms,
			created_at, updated_at, activated_at, completed_at
		) VALUES (
			:id, :name, :description, :status, :step_failure_mode, :max_in_flight,
			:retry_max_attempts, :retry_base_delay_ms, :retry_max_delay_ms,
			:created_at, :updated_at, :activated_at, :completed_at
		)`

		params := map[string]any{
			"id":                  campaign.ID,
			"name":                campaign.Name,
			"description":         campaign.Description,
			"status":              campaign.Status,
			"step_failure_mode":   campaign.StepFailureMode,
			"max_in_flight":       campaign.MaxInFlight,
			"retry_max_attempts":  campaign.RetryPolicy.MaxAttempts,
			"retry_base_delay_ms": campaign.RetryPolicy.BaseDelay.Milliseconds(),
			"retry_max_delay_ms":  campaign.RetryPolicy.MaxDelay.Milliseconds(),
			"created_at":          campaign.CreatedAt,
			"updated_at":          campaign.UpdatedAt,
			"activated_at":        campaign.ActivatedAt,
			"completed_at":        campaign.CompletedAt,
		}

		if _, err := tx.NamedExecContext(ctx, q, params); err != nil {
			return fmt.Errorf("campaign repo: insert: %w", err)
		}

		for _, step := range campaign.Steps {
			if _, err := tx.ExecContext(ctx, `INSERT INTO campaign_steps (campaign_id, step_index, delay_ms, payload_ref)
				VALUES ($1, $2, $3, $4)`,
				campaign.ID, step.Index, step.Delay.Milliseconds(), step.PayloadRef,
			); err != nil {
				return fmt.Errorf("campaign repo: insert step %d: %w", step.Index, err)
			}
		}
		return nil
	})
}

// Get fetches a campaign with its ordered step sequence.
func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	q := `SELECT id, name, description, status, step_failure_mode, max_in_flight,
	       retry_max_attempts, retry_base_delay_ms, retry_max_delay_ms,
	       created_at, updated_at, activated_at, completed_at
	  FROM campaigns WHERE id = $1`

	row := r.db.QueryRowxContext(ctx, q, id)
	var record campaignRecord
	if err := row.StructScan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}

	campaign := record.toDomain()
	steps, err := r.loadSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	campaign.Steps = steps
	return &campaign, nil
}

// UpdateStatus transitions campaign status, stamping activation or
// completion time as appropriate.
func (r *CampaignRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.CampaignStatus, at time.Time) error {
	q := `UPDATE campaigns SET status = $1, updated_at = $2,
		activated_at = CASE WHEN $1 = 'active' THEN $2 ELSE activated_at END,
		completed_at = CASE WHEN $1 IN ('completed', 'cancelled') THEN $2 ELSE completed_at END
	 WHERE id = $3`

	res, err := r.db.ExecContext(ctx, q, status, at, id)
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
		rows, err = r.db.QueryxContext(ctx, selectCampaigns+` WHERE id > $1 ORDER BY id ASC LIMIT $2`, *afterID, limit)
	} else {
		rows, err = r.db.QueryxContext(ctx, selectCampaigns+` ORDER BY id ASC LIMIT $1`, limit)
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

	rows, err := r.db.QueryxContext(ctx, selectCampaigns+` WHERE status = $1 ORDER BY updated_at ASC LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list by status: %w", err)
	}
	defer rows.Close()

	return scanCampaigns(rows)
}

const selectCampaigns = `SELECT id, name, description, status, step_failure_mode, max_in_flight,
	retry_max_attempts, retry_base_delay_ms, retry_max_delay_ms,
	created_at, updated_at, activated_at, completed_at
	FROM campaigns`

func (r *CampaignRepository) loadSteps(ctx context.Context, campaignID uuid.UUID) ([]domain.Step, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT step_index, delay_ms, payload_ref
		FROM campaign_steps WHERE campaign_id = $1 ORDER BY step_index ASC`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: load steps: %w", err)
	}
	defer rows.Close()

	var steps []domain.Step
	for rows.Next() {
		var record stepRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan step: %w", err)
		}
		steps = append(steps, domain.Step{
			Index:      record.StepIndex,
			Delay:      time.Duration(record.DelayMs) * time.Millisecond,
			PayloadRef: record.PayloadRef,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: steps rows err: %w", err)
	}
	return steps, nil
}

func scanCampaigns(rows *sqlx.Rows) ([]*domain.Campaign, error) {
	var results []*domain.Campaign
	for rows.Next() {
		var record campaignRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaign := record.toDomain()
		results = append(results, &campaign)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}
	return results, nil
}

type campaignRecord struct {
	ID               uuid.UUID      `db:"id"`
	Name             string         `db:"name"`
	Description      sql.NullString `db:"description"`
	Status           string         `db:"status"`
	StepFailureMode  string         `db:"step_failure_mode"`
	MaxInFlight      int            `db:"max_in_flight"`
	RetryMaxAttempts int            `db:"retry_max_attempts"`
	RetryBaseDelayMs int64          `db:"retry_base_delay_ms"`
	RetryMaxDelayMs  int64          `db:"retry_max_delay_ms"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
	ActivatedAt      sql.NullTime   `db:"activated_at"`
	CompletedAt      sql.NullTime   `db:"completed_at"`
}

type stepRecord struct {
	StepIndex  int    `db:"step_index"`
	DelayMs    int64  `db:"delay_ms"`
	PayloadRef string `db:"payload_ref"`
}

func (r campaignRecord) toDomain() domain.Campaign {
	campaign := domain.Campaign{
		ID:              r.ID,
		Name:            r.Name,
		Description:     r.Description.String,
		Status:          domain.CampaignStatus(r.Status),
		StepFailureMode: domain.StepFailureMode(r.StepFailureMode),
		MaxInFlight:     r.MaxInFlight,
		RetryPolicy: domain.RetryPolicy{
			MaxAttempts: r.RetryMaxAttempts,
			BaseDelay:   time.Duration(r.RetryBaseDelayMs) * time.Millisecond,
			MaxDelay:    time.Duration(r.RetryMaxDelayMs) * time.Millisecond,
		},
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.ActivatedAt.Valid {
		t := r.ActivatedAt.Time
		campaign.ActivatedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		campaign.CompletedAt = &t
	}
	return campaign
}
