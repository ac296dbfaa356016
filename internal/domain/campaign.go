package domain

import (
	"time"

	"github.com/google/uuid"
)

// CampaignStatus enumerates lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusCancelled CampaignStatus = "cancelled"
)

// ContactStatus enumerates progress states for a contact within a campaign.
type ContactStatus string

const (
	ContactStatusPending   ContactStatus = "pending"
	ContactStatusScheduled ContactStatus = "scheduled"
	ContactStatusSent      ContactStatus = "sent"
	ContactStatusReplied   ContactStatus = "replied"
	ContactStatusCompleted ContactStatus = "completed"
	ContactStatusFailed    ContactStatus = "failed"
)

// Terminal reports whether no further delivery work exists for the status.
func (s ContactStatus) Terminal() bool {
	switch s {
	case ContactStatusReplied, ContactStatusCompleted, ContactStatusFailed:
		return true
	}
	return false
}

// FailureKind classifies delivery failures for the retry policy.
type FailureKind string

const (
	FailureTransient   FailureKind = "transient"
	FailureRateLimited FailureKind = "rate_limited"
	FailurePermanent   FailureKind = "permanent"
)

// Retryable reports whether the failure kind may be retried with backoff.
func (k FailureKind) Retryable() bool {
	return k == FailureTransient || k == FailureRateLimited
}

// AttemptOutcome records how a delivery attempt ended.
type AttemptOutcome string

const (
	AttemptSuccess AttemptOutcome = "success"
	AttemptFailure AttemptOutcome = "failure"
)

// StepFailureMode decides what happens to a contact when the retry
// policy gives up on a step past the first one.
type StepFailureMode string

const (
	// StepFailureSkip advances the contact past the exhausted step.
	StepFailureSkip StepFailureMode = "skip"
	// StepFailureFail marks the contact terminally failed.
	StepFailureFail StepFailureMode = "fail"
)

// RetryPolicy defines backoff rules for failed deliveries.
// Delay for attempt n is BaseDelay * 2^(n-1), capped at MaxDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Campaign models a drip sequence definition. Steps are immutable
// once the campaign is active.
type Campaign struct {
	ID              uuid.UUID
	Name            string
	Description     string
	Status          CampaignStatus
	Steps           []Step
	RetryPolicy     RetryPolicy
	StepFailureMode StepFailureMode
	MaxInFlight     int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ActivatedAt     *time.Time
	CompletedAt     *time.Time
}

// Step is one timed message in a campaign sequence. Delay is measured
// from the previous step (from activation for step 0). PayloadRef is
// an opaque reference resolved by the caller; the engine never
// interprets it.
type Step struct {
	Index      int
	Delay      time.Duration
	PayloadRef string
}

// Contact tracks one recipient's progress through a campaign.
// CurrentStep is the last successfully delivered step, -1 before any
// send. AttemptCount counts attempts for the step currently pending.
type Contact struct {
	ID           uuid.UUID
	CampaignID   uuid.UUID
	Email        string
	Status       ContactStatus
	CurrentStep  int
	AttemptCount int
	NextFireAt   *time.Time
	Halted       bool
	RepliedAt    *time.Time
	LastError    *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PendingStep returns the index of the step awaiting delivery.
func (c *Contact) PendingStep() int {
	return c.CurrentStep + 1
}

// DeliveryAttempt is an append-only audit record of one gateway call.
// (ContactID, StepIndex, AttemptNum) is unique; at most one success
// exists per (contact, step).
type DeliveryAttempt struct {
	ID             uuid.UUID
	ContactID      uuid.UUID
	CampaignID     uuid.UUID
	StepIndex      int
	AttemptNum     int
	Outcome        AttemptOutcome
	FailureKind    FailureKind
	Error          string
	BackoffApplied time.Duration
	CreatedAt      time.Time
}

// StatusSnapshot aggregates per-status contact counts for a campaign.
type StatusSnapshot struct {
	Pending   int64
	Scheduled int64
	Sent      int64
	Replied   int64
	Completed int64
	Failed    int64
}

// Total returns the number of contacts covered by the snapshot.
func (s StatusSnapshot) Total() int64 {
	return s.Pending + s.Scheduled + s.Sent + s.Replied + s.Completed + s.Failed
}

// Settled reports whether every contact reached a terminal state.
func (s StatusSnapshot) Settled() bool {
	return s.Pending == 0 && s.Scheduled == 0 && s.Sent == 0 && s.Total() > 0
}
