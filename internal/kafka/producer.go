package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmehdipour/event-gateway/internal/model"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DeadLetterPublisher ships dead-lettered queue messages to a topic.
// It satisfies queue.DeadLetterSink.
type DeadLetterPublisher struct {
	w MessageWriter
}

func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func NewDeadLetterPublisher(w MessageWriter) *DeadLetterPublisher {
	return &DeadLetterPublisher{w: w}
}

func (p *DeadLetterPublisher) PublishDeadLetter(ctx context.Context, env model.DeadLetterEnvelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	// keyed by event so all copies of one event land on the same partition
	err = p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(env.OwnerID + "/" + env.EventID),
		Value: b,
		Headers: []kafka.Header{
			{Key: "message_id", Value: []byte(env.MessageID)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish dead letter %s: %w", env.EventID, err)
	}
	return nil
}

func (p *DeadLetterPublisher) Close() error { return p.w.Close() }
