package reply

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/drip-email-campaign/internal/app"
	"github.com/acme/drip-email-campaign/internal/queue"
)

// Worker consumes reply events and halts the affected contacts.
type Worker struct {
	container *app.Container
}

// New creates a new reply worker.
func New(container *app.Container) *Worker {
	return &Worker{container: container}
}

// Run processes reply events until the context is cancelled. Halting is
// idempotent, so redelivered messages after a crash are harmless.
func (w *Worker) Run(ctx context.Context) error {
	cfg := w.container.Config
	groupID := cfg.Kafka.ConsumerGroupID + "-reply"
	reader := w.container.Kafka.NewReader(cfg.Kafka.ReplyTopic, groupID)
	defer reader.Close()

	orch := w.container.Orchestrator()
	logger := w.container.Logger

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("reply worker: fetch", zap.Error(err))
			continue
		}

		var event queue.ReplyEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			logger.Error("reply worker: unmarshal", zap.Error(err))
			_ = reader.CommitMessages(ctx, msg)
			continue
		}

		tracer := otel.Tracer("drip.replyworker")
		sctx, span := tracer.Start(ctx, "contact.reply", trace.WithAttributes(
			attribute.String("contact.id", event.ContactID.String()),
			attribute.String("campaign.id", event.CampaignID.String()),
			attribute.String("reply.source", event.Source),
		))

		if err := orch.OnReply(sctx, event.ContactID, event.ObservedAt); err != nil {
			span.RecordError(err)
			span.End()
			logger.Error("reply worker: halt contact",
				zap.String("contact_id", event.ContactID.String()),
				zap.Error(err))
			// Leave the message uncommitted so it is retried.
			continue
		}
		span.End()

		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Error("reply worker: commit", zap.Error(err))
		}
	}
}
