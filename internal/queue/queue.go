package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jmehdipour/event-gateway/internal/model"
	"go.uber.org/zap"
)

// ErrReceiptInvalid is returned when a receipt handle no longer identifies the
// current receive of a message: it was deleted, or received again by someone else.
var ErrReceiptInvalid = errors.New("receipt handle is stale or unknown")

const DefaultMaxReceive = 5

// Message is one delivery attempt record. The queue only carries the event
// reference; the store is always re-read.
type Message struct {
	MessageID     string
	ReceiptHandle string
	Ref           model.EventRef
	EnqueuedAt    time.Time
	VisibleAfter  time.Time
	ReceiveCount  int
}

// Queue is an at-least-once delivery queue with visibility timeouts.
type Queue interface {
	Enqueue(ctx context.Context, ref model.EventRef, delay time.Duration) error
	// Dequeue claims up to max visible messages and hides them for visibility.
	Dequeue(ctx context.Context, max int, visibility time.Duration) ([]Message, error)
	Delete(ctx context.Context, receipt string) error
	// ExtendVisibility hides the message for delay from now.
	ExtendVisibility(ctx context.Context, receipt string, delay time.Duration) error
}

// Depther is implemented by queues that can report their size.
type Depther interface {
	Depth(ctx context.Context) (live, dead int64, err error)
}

// DeadLetterFlusher is implemented by queues that hold dead letters until the
// sink accepts them. FlushDeadLetters publishes pending entries oldest first and
// stops at the first failure.
type DeadLetterFlusher interface {
	FlushDeadLetters(ctx context.Context) (int, error)
}

// DeadLetterSink receives messages the queue stopped redelivering.
type DeadLetterSink interface {
	PublishDeadLetter(ctx context.Context, env model.DeadLetterEnvelope) error
}

type Options struct {
	MaxReceive  int
	Now         func() time.Time
	DeadLetters DeadLetterSink
	Logger      *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxReceive <= 0 {
		o.MaxReceive = DefaultMaxReceive
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// deadLettered logs the messages a dequeue moved out and tries to publish them
// right away. A failed publish leaves them pending for the next flush.
func deadLettered(ctx context.Context, o Options, f DeadLetterFlusher, envs []model.DeadLetterEnvelope) {
	if len(envs) == 0 {
		return
	}
	for _, env := range envs {
		o.Logger.Warn("message moved to dead-letter",
			zap.String("message_id", env.MessageID),
			zap.String("event_id", env.EventID),
			zap.Int("receive_count", env.ReceiveCount),
		)
	}
	if _, err := f.FlushDeadLetters(ctx); err != nil {
		o.Logger.Error("publish dead-letter failed, kept pending", zap.Error(err))
	}
}

func receipt(messageID, token string) string { return messageID + ":" + token }

func parseReceipt(r string) (id, token string, err error) {
	id, token, ok := strings.Cut(r, ":")
	if !ok || id == "" || token == "" {
		return "", "", ErrReceiptInvalid
	}
	return id, token, nil
}
