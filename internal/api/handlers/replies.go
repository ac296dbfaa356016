package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/drip-email-campaign/internal/queue"
)

type replyRequest struct {
	ContactID  uuid.UUID  `json:"contact_id"`
	CampaignID uuid.UUID  `json:"campaign_id"`
	ObservedAt *time.Time `json:"observed_at"`
	Source     string     `json:"source"`
}

// recordReply accepts a reply notification from the mailbox integration
// and hands it to the reply worker through Kafka. The HTTP request only
// acknowledges enqueueing; the halt is applied asynchronously.
func (h *HandlerSet) recordReply(ctx *fiber.Ctx) error {
	var req replyRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if req.ContactID == uuid.Nil {
		return fiber.NewError(http.StatusBadRequest, "contact_id is required")
	}

	observedAt := time.Now().UTC()
	if req.ObservedAt != nil {
		observedAt = req.ObservedAt.UTC()
	}
	source := req.Source
	if source == "" {
		source = "webhook"
	}

	event := queue.ReplyEvent{
		ContactID:  req.ContactID,
		CampaignID: req.CampaignID,
		ObservedAt: observedAt,
		Source:     source,
	}
	if err := h.replies.Publish(ctx.Context(), event); err != nil {
		return translateError(err)
	}

	return ctx.SendStatus(http.StatusAccepted)
}
