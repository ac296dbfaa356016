package queue

import (
	"time"

	"github.com/google/uuid"
)

// ReplyEvent is an inbound notification that a contact replied.
// Delivery is at-least-once and unordered; the orchestrator treats
// duplicates and stale events as no-ops.
type ReplyEvent struct {
	ContactID  uuid.UUID `json:"contact_id"`
	CampaignID uuid.UUID `json:"campaign_id,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
	Source     string    `json:"source,omitempty"`
}

// DeliveryEvent reports the outcome of one delivery attempt.
type DeliveryEvent struct {
	ContactID   uuid.UUID  `json:"contact_id"`
	CampaignID  uuid.UUID  `json:"campaign_id"`
	StepIndex   int        `json:"step_index"`
	Attempt     int        `json:"attempt"`
	Outcome     string     `json:"outcome"`
	FailureKind string     `json:"failure_kind,omitempty"`
	Error       string     `json:"error,omitempty"`
	NextFireAt  *time.Time `json:"next_fire_at,omitempty"`
	OccurredAt  time.Time  `json:"occurred_at"`
}

// ContactEvent reports a contact reaching a terminal state.
type ContactEvent struct {
	ContactID  uuid.UUID `json:"contact_id"`
	CampaignID uuid.UUID `json:"campaign_id"`
	Status     string    `json:"status"`
	OccurredAt time.Time `json:"occurred_at"`
}

// CampaignEvent reports a campaign lifecycle transition.
type CampaignEvent struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	Status     string    `json:"status"`
	OccurredAt time.Time `json:"occurred_at"`
}
