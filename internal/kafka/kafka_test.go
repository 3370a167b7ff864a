package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jmehdipour/event-gateway/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memWriter) Close() error { return nil }

func TestPublishDeadLetter(t *testing.T) {
	w := &memWriter{}
	p := NewDeadLetterPublisher(w)
	env := model.DeadLetterEnvelope{
		MessageID:    "m1",
		OwnerID:      "u1",
		EventID:      "e1",
		ReceiveCount: 6,
		EnqueuedAt:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		DeadAt:       time.Date(2025, 1, 1, 1, 0, 0, 0, time.UTC),
	}

	require.NoError(t, p.PublishDeadLetter(context.Background(), env))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "u1/e1", string(w.msgs[0].Key))
	assert.Equal(t, "message_id", w.msgs[0].Headers[0].Key)

	var got model.DeadLetterEnvelope
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, env, got)
}

func TestPublishDeadLetterError(t *testing.T) {
	p := NewDeadLetterPublisher(&memWriter{err: errors.New("broker down")})
	err := p.PublishDeadLetter(context.Background(), model.DeadLetterEnvelope{EventID: "e1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "e1")
}
