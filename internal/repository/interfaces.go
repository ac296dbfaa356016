package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/acme/drip-email-campaign/internal/domain"
	apperrors "github.com/acme/drip-email-campaign/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
	// ErrHalted rejects a commit whose target row was already halted
	// by another writer. The losing transition must be discarded, not
	// retried: the halt is final.
	ErrHalted = errors.New("contact already halted")
)

// CampaignRepository manages campaign metadata and step sequences.
type CampaignRepository interface {
	Create(ctx context.Context, campaign *domain.Campaign) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.CampaignStatus, at time.Time) error
	List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error)
	ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error)
}

// ContactRepository is the durable source of truth for contact
// progress. Commit applies a contact update and its appended
// DeliveryAttempt in a single transaction; the orchestrator treats a
// timer mutation as durable only after Commit returns. A commit
// against a row another writer already halted fails with ErrHalted,
// which is what lets a reply win over a delivery committing from a
// different process.
type ContactRepository interface {
	BulkInsert(ctx context.Context, contacts []*domain.Contact) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Contact, error)
	ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit int) ([]*domain.Contact, error)
	// ListScheduled returns (contact id, next fire time) pairs for
	// every non-halted contact with an armed timer. The Timer Queue
	// is rebuilt from this view after a restart.
	ListScheduled(ctx context.Context) ([]ContactTimer, error)
	MarkScheduled(ctx context.Context, campaignID uuid.UUID, fireAt time.Time) error
	// Unschedule clears the persisted fire time of every contact in a
	// campaign so a rebuilt timer queue does not resurrect them.
	Unschedule(ctx context.Context, campaignID uuid.UUID) error
	Commit(ctx context.Context, delta ContactDelta) error
	HasSuccess(ctx context.Context, contactID uuid.UUID, stepIndex int) (bool, error)
	Attempts(ctx context.Context, contactID uuid.UUID) ([]domain.DeliveryAttempt, error)
	StatusCounts(ctx context.Context, campaignID uuid.UUID) (domain.StatusSnapshot, error)
}

// AttemptTimeline is a read-optimized, append-only mirror of delivery
// attempts kept for reporting. It is written best-effort after the
// transactional Commit; recovery and idempotence rely on the
// ContactRepository, never on this mirror.
type AttemptTimeline interface {
	Append(ctx context.Context, attempt domain.DeliveryAttempt) error
	ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit int, pagingState []byte) ([]domain.DeliveryAttempt, []byte, error)
}

// ContactTimer pairs a contact with its persisted fire time.
type ContactTimer struct {
	ContactID uuid.UUID
	FireAt    time.Time
}

// ContactDelta is the unit of atomic persistence: the new contact row
// plus an optional appended attempt record.
type ContactDelta struct {
	Contact *domain.Contact
	Attempt *domain.DeliveryAttempt
}
