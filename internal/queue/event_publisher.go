package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// EventPublisher emits engine events for downstream reporting
// consumers. The engine never reads these back; all recovery state
// lives in the contact store.
type EventPublisher struct {
	writer *kafka.Writer
}

// NewEventPublisher constructs a publisher for the given topic.
func NewEventPublisher(k *Kafka, topic string) *EventPublisher {
	return &EventPublisher{writer: k.NewWriter(topic)}
}

// PublishDelivery emits a delivery attempt outcome.
func (p *EventPublisher) PublishDelivery(ctx context.Context, event DeliveryEvent) error {
	return p.publish(ctx, event.ContactID[:], event)
}

// PublishContact emits a contact terminal-state event.
func (p *EventPublisher) PublishContact(ctx context.Context, event ContactEvent) error {
	return p.publish(ctx, event.ContactID[:], event)
}

// PublishCampaign emits a campaign lifecycle event.
func (p *EventPublisher) PublishCampaign(ctx context.Context, event CampaignEvent) error {
	return p.publish(ctx, event.CampaignID[:], event)
}

func (p *EventPublisher) publish(ctx context.Context, key []byte, event any) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("event publisher: marshal: %w", err)
	}
	record := kafka.Message{
		Key:   key,
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("event publisher: write: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (p *EventPublisher) Close() error {
	return p.writer.Close()
}
