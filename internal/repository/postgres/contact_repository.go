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

// ContactRepository implements repository.ContactRepository using PostgreSQL.
type ContactRepository struct {
	db *sqlx.DB
}

// NewContactRepository constructs a new repository.
func NewContactRepository(db *sqlx.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// BulkInsert stores a batch of contacts.
func (r *ContactRepository) BulkInsert(ctx context.Context, contacts []*domain.Contact) error {
	if len(contacts) == 0 {
		return nil
	}

	q := `INSERT INTO contacts (
		id, campaign_id, email, status, current_step, attempt_count,
		next_fire_at, halted, replied_at, last_error, created_at, updated_at
	) VALUES (
		:id, :campaign_id, :email, :status, :current_step, :attempt_count,
		:next_fire_at, :halted, :replied_at, :last_error, :created_at, :updated_at
	)`

	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		for _, contact := range contacts {
			if _, err := tx.NamedExecContext(ctx, q, contactParams(contact)); err != nil {
				return fmt.Errorf("contact repo: insert %s: %w", contact.Email, err)
			}
		}
		return nil
	})
}

// Get fetches a contact by id.
func (r *ContactRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Contact, error) {
	row := r.db.QueryRowxContext(ctx, selectContacts+` WHERE id = $1`, id)
	var record contactRecord
	if err := row.StructScan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("contact repo: get: %w", err)
	}
	contact := record.toDomain()
	return &contact, nil
}

// ListByCampaign returns a campaign's contacts.
func (r *ContactRepository) ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit int) ([]*domain.Contact, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.QueryxContext(ctx, selectContacts+` WHERE campaign_id = $1 ORDER BY id ASC LIMIT $2`, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("contact repo: list: %w", err)
	}
	defer rows.Close()

	var results []*domain.Contact
	for rows.Next() {
		var record contactRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("contact repo: scan: %w", err)
		}
		contact := record.toDomain()
		results = append(results, &contact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contact repo: rows err: %w", err)
	}
	return results, nil
}

// ListScheduled returns the armed timers of all non-halted contacts.
func (r *ContactRepository) ListScheduled(ctx context.Context) ([]repository.ContactTimer, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT id, next_fire_at FROM contacts
		WHERE halted = FALSE AND next_fire_at IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("contact repo: list scheduled: %w", err)
	}
	defer rows.Close()

	var timers []repository.ContactTimer
	for rows.Next() {
		var timer repository.ContactTimer
		if err := rows.Scan(&timer.ContactID, &timer.FireAt); err != nil {
			return nil, fmt.Errorf("contact repo: scan timer: %w", err)
		}
		timers = append(timers, timer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contact repo: timers rows err: %w", err)
	}
	return timers, nil
}

// MarkScheduled arms the first timer for every pending contact of a
// campaign. Used by campaign activation.
func (r *ContactRepository) MarkScheduled(ctx context.Context, campaignID uuid.UUID, fireAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE contacts SET
		status = $1, next_fire_at = $2, updated_at = $3
	 WHERE campaign_id = $4 AND status = $5`,
		domain.ContactStatusScheduled, fireAt, time.Now().UTC(), campaignID, domain.ContactStatusPending)
	if err != nil {
		return fmt.Errorf("contact repo: mark scheduled: %w", err)
	}
	return nil
}

// Unschedule disarms the persisted timers of a whole campaign. Called
// on cancellation so queue rebuilds stop picking its contacts up.
func (r *ContactRepository) Unschedule(ctx context.Context, campaignID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE contacts SET next_fire_at = NULL, updated_at = $1
	 WHERE campaign_id = $2 AND next_fire_at IS NOT NULL`, time.Now().UTC(), campaignID)
	if err != nil {
		return fmt.Errorf("contact repo: unschedule: %w", err)
	}
	return nil
}

// Commit persists the contact row and the appended attempt in one
// transaction. The update only matches a row that is not yet halted,
// so the first halting transition wins no matter which process commits
// it; a commit losing that race fails with ErrHalted and nothing is
// written. The attempt insert relies on the unique
// (contact_id, step_index, attempt_num) key to reject duplicates.
func (r *ContactRepository) Commit(ctx context.Context, delta repository.ContactDelta) error {
	if delta.Contact == nil {
		return fmt.Errorf("contact repo: commit: nil contact")
	}

	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		q := `UPDATE contacts SET
			status = :status,
			current_step = :current_step,
			attempt_count = :attempt_count,
			next_fire_at = :next_fire_at,
			halted = :halted,
			replied_at = :replied_at,
			last_error = :last_error,
			updated_at = :updated_at
		 WHERE id = :id AND halted = FALSE`

		res, err := tx.NamedExecContext(ctx, q, contactParams(delta.Contact))
		if err != nil {
			return fmt.Errorf("contact repo: commit contact: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("contact repo: rows affected: %w", err)
		}
		if n == 0 {
			var halted bool
			err := tx.QueryRowxContext(ctx, `SELECT halted FROM contacts WHERE id = $1`, delta.Contact.ID).Scan(&halted)
			if err == sql.ErrNoRows {
				return repository.ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("contact repo: commit recheck: %w", err)
			}
			if halted {
				return repository.ErrHalted
			}
			return repository.ErrNotFound
		}

		if delta.Attempt != nil {
			a := delta.Attempt
			if _, err := tx.ExecContext(ctx, `INSERT INTO delivery_attempts (
				id, contact_id, campaign_id, step_index, attempt_num,
				outcome, failure_kind, error, backoff_applied_ms, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				a.ID, a.ContactID, a.CampaignID, a.StepIndex, a.AttemptNum,
				a.Outcome, a.FailureKind, a.Error, a.BackoffApplied.Milliseconds(), a.CreatedAt,
			); err != nil {
				return fmt.Errorf("contact repo: append attempt: %w", err)
			}
		}
		return nil
	})
}

// HasSuccess reports whether a successful attempt already exists for
// the (contact, step) pair. Success is terminal for a step; the
// orchestrator consults this before re-issuing a delivery after a
// crash between commit and timer re-arm.
func (r *ContactRepository) HasSuccess(ctx context.Context, contactID uuid.UUID, stepIndex int) (bool, error) {
	var exists bool
	err := r.db.QueryRowxContext(ctx, `SELECT EXISTS (
		SELECT 1 FROM delivery_attempts
		WHERE contact_id = $1 AND step_index = $2 AND outcome = $3
	)`, contactID, stepIndex, domain.AttemptSuccess).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("contact repo: has success: %w", err)
	}
	return exists, nil
}

// Attempts returns a contact's full attempt history ordered by step
// then attempt number.
func (r *ContactRepository) Attempts(ctx context.Context, contactID uuid.UUID) ([]domain.DeliveryAttempt, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT id, contact_id, campaign_id, step_index, attempt_num,
		outcome, failure_kind, error, backoff_applied_ms, created_at
		FROM delivery_attempts WHERE contact_id = $1
		ORDER BY step_index ASC, attempt_num ASC`, contactID)
	if err != nil {
		return nil, fmt.Errorf("contact repo: attempts: %w", err)
	}
	defer rows.Close()

	var attempts []domain.DeliveryAttempt
	for rows.Next() {
		var record attemptRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("contact repo: scan attempt: %w", err)
		}
		attempts = append(attempts, record.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contact repo: attempts rows err: %w", err)
	}
	return attempts, nil
}

// StatusCounts aggregates per-status contact counts for a campaign.
func (r *ContactRepository) StatusCounts(ctx context.Context, campaignID uuid.UUID) (domain.StatusSnapshot, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT status, COUNT(*) FROM contacts
		WHERE campaign_id = $1 GROUP BY status`, campaignID)
	if err != nil {
		return domain.StatusSnapshot{}, fmt.Errorf("contact repo: status counts: %w", err)
	}
	defer rows.Close()

	var snapshot domain.StatusSnapshot
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return domain.StatusSnapshot{}, fmt.Errorf("contact repo: scan count: %w", err)
		}
		switch domain.ContactStatus(status) {
		case domain.ContactStatusPending:
			snapshot.Pending = count
		case domain.ContactStatusScheduled:
			snapshot.Scheduled = count
		case domain.ContactStatusSent:
			snapshot.Sent = count
		case domain.ContactStatusReplied:
			snapshot.Replied = count
		case domain.ContactStatusCompleted:
			snapshot.Completed = count
		case domain.ContactStatusFailed:
			snapshot.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return domain.StatusSnapshot{}, fmt.Errorf("contact repo: counts rows err: %w", err)
	}
	return snapshot, nil
}

const selectContacts = `SELECT id, campaign_id, email, status, current_step, attempt_count,
	next_fire_at, halted, replied_at, last_error, created_at, updated_at
	FROM contacts`

func contactParams(contact *domain.Contact) map[string]any {
	return map[string]any{
		"id":            contact.ID,
		"campaign_id":   contact.CampaignID,
		"email":         contact.Email,
		"status":        contact.Status,
		"current_step":  contact.CurrentStep,
		"attempt_count": contact.AttemptCount,
		"next_fire_at":  contact.NextFireAt,
		"halted":        contact.Halted,
		"replied_at":    contact.RepliedAt,
		"last_error":    contact.LastError,
		"created_at":    contact.CreatedAt,
		"updated_at":    contact.UpdatedAt,
	}
}

type contactRecord struct {
	ID           uuid.UUID      `db:"id"`
	CampaignID   uuid.UUID      `db:"campaign_id"`
	Email        string         `db:"email"`
	Status       string         `db:"status"`
	CurrentStep  int            `db:"current_step"`
	AttemptCount int            `db:"attempt_count"`
	NextFireAt   sql.NullTime   `db:"next_fire_at"`
	Halted       bool           `db:"halted"`
	RepliedAt    sql.NullTime   `db:"replied_at"`
	LastError    sql.NullString `db:"last_error"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (r contactRecord) toDomain() domain.Contact {
	contact := domain.Contact{
		ID:           r.ID,
		CampaignID:   r.CampaignID,
		Email:        r.Email,
		Status:       domain.ContactStatus(r.Status),
		CurrentStep:  r.CurrentStep,
		AttemptCount: r.AttemptCount,
		Halted:       r.Halted,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.NextFireAt.Valid {
		t := r.NextFireAt.Time
		contact.NextFireAt = &t
	}
	if r.RepliedAt.Valid {
		t := r.RepliedAt.Time
		contact.RepliedAt = &t
	}
	if r.LastError.Valid {
		s := r.LastError.String
		contact.LastError = &s
	}
	return contact
}

type attemptRecord struct {
	ID               uuid.UUID `db:"id"`
	ContactID        uuid.UUID `db:"contact_id"`
	CampaignID       uuid.UUID `db:"campaign_id"`
	StepIndex        int       `db:"step_index"`
	AttemptNum       int       `db:"attempt_num"`
	Outcome          string    `db:"outcome"`
	FailureKind      string    `db:"failure_kind"`
	Error            string    `db:"error"`
	BackoffAppliedMs int64     `db:"backoff_applied_ms"`
	CreatedAt        time.Time `db:"created_at"`
}

func (r attemptRecord) toDomain() domain.DeliveryAttempt {
	return domain.DeliveryAttempt{
		ID:             r.ID,
		ContactID:      r.ContactID,
		CampaignID:     r.CampaignID,
		StepIndex:      r.StepIndex,
		AttemptNum:     r.AttemptNum,
		Outcome:        domain.AttemptOutcome(r.Outcome),
		FailureKind:    domain.FailureKind(r.FailureKind),
		Error:          r.Error,
		BackoffApplied: time.Duration(r.BackoffAppliedMs) * time.Millisecond,
		CreatedAt:      r.CreatedAt,
	}
}
