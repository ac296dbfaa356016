package delivery

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/drip-email-campaign/internal/domain"
)

// Message carries one resolved step payload to the provider. The
// engine treats PayloadRef as opaque; the provider resolves it.
type Message struct {
	ContactID  uuid.UUID
	CampaignID uuid.UUID
	Email      string
	StepIndex  int
	Attempt    int
	PayloadRef string
}

// Result captures the outcome of a delivery attempt. Kind is only
// meaningful when Delivered is false.
type Result struct {
	Delivered bool
	Kind      domain.FailureKind
	Error     string
	Duration  time.Duration
}

// Gateway abstracts the message transport. Implementations must
// tolerate being called twice for the same (contact, step, attempt);
// the engine deduplicates at the bookkeeping layer via
// DeliveryAttempt records, not at the transport.
type Gateway interface {
	Send(ctx context.Context, msg Message) (Result, error)
}
