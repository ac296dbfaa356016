package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// ReplyPublisher enqueues reply observations for the reply worker.
// Keying by contact keeps all replies for one contact in order.
type ReplyPublisher struct {
	writer *kafka.Writer
}

// NewReplyPublisher constructs a publisher for the reply topic.
func NewReplyPublisher(k *Kafka, topic string) *ReplyPublisher {
	return &ReplyPublisher{writer: k.NewWriter(topic)}
}

// Publish enqueues one reply event.
func (p *ReplyPublisher) Publish(ctx context.Context, event ReplyEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("reply publisher: marshal: %w", err)
	}
	record := kafka.Message{
		Key:   event.ContactID[:],
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("reply publisher: write: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (p *ReplyPublisher) Close() error {
	return p.writer.Close()
}
