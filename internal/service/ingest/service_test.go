package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jmehdipour/event-gateway/internal/model"
	"github.com/jmehdipour/event-gateway/internal/queue"
	"github.com/jmehdipour/event-gateway/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 5, 5, 10, 30, 0, 123456789, time.UTC)

func clock() time.Time { return now }

type failingQueue struct{ queue.Queue }

func (failingQueue) Enqueue(context.Context, model.EventRef, time.Duration) error {
	return errors.New("queue down")
}

func newService(q queue.Queue) (*Service, *store.MemoryStore) {
	st := store.NewMemoryStore(clock)
	svc := NewService(st, q, Config{
		MaxPayloadBytes: 64,
		MaxTypeLength:   16,
		Retention:       720 * time.Hour,
		OpAttempts:      2,
		OpBaseDelay:     time.Millisecond,
	}, clock, nil)
	return svc, st
}

func TestIngestStoresAndQueues(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Options{Now: clock})
	svc, st := newService(q)

	res, err := svc.Ingest(context.Background(), "u1", " order.created ", []byte(`{"id":1}`))
	require.NoError(t, err)
	assert.Equal(t, model.StatusReceived, res.Status)
	assert.Len(t, res.EventID, 26)
	assert.Equal(t, now.Truncate(time.Microsecond), res.Timestamp)

	ev, err := st.Get(context.Background(), "u1", res.EventID)
	require.NoError(t, err)
	assert.Equal(t, "order.created", ev.Type)
	assert.Equal(t, model.StatusQueued, ev.Status)
	assert.Equal(t, res.Timestamp.Add(720*time.Hour), ev.ExpiresAt)
	assert.Equal(t, 1, q.Len())
}

func TestIngestRejectsBeforeWriting(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Options{Now: clock})
	svc, st := newService(q)

	cases := []struct {
		name    string
		owner   string
		typ     string
		payload []byte
		field   string
	}{
		{"empty type", "u1", "  ", []byte(`{}`), "type"},
		{"long type", "u1", strings.Repeat("x", 17), []byte(`{}`), "type"},
		{"nil payload", "u1", "t", nil, "payload"},
		{"empty payload", "u1", "t", []byte{}, "payload"},
		{"large payload", "u1", "t", []byte(`{"k":"` + strings.Repeat("a", 64) + `"}`), "payload"},
		{"no owner", "", "t", []byte(`{}`), "owner_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Ingest(context.Background(), tc.owner, tc.typ, tc.payload)
			var verr *model.ValidationError
			require.ErrorAs(t, err, &verr)
			require.NotEmpty(t, verr.Details)
			assert.Equal(t, tc.field, verr.Details[0].Field)
		})
	}

	got, err := st.ScanStatus(context.Background(), model.StatusReceived, now.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, q.Len())
}

func TestIngestCancelledBeforeWrite(t *testing.T) {
	svc, st := newService(queue.NewMemoryQueue(queue.Options{Now: clock}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Ingest(ctx, "u1", "t", []byte(`{}`))
	assert.ErrorIs(t, err, context.Canceled)
	got, _ := st.ScanStatus(context.Background(), model.StatusReceived, now.Add(time.Hour), 10)
	assert.Empty(t, got)
}

func TestIngestSucceedsWhenEnqueueFails(t *testing.T) {
	svc, st := newService(failingQueue{})

	res, err := svc.Ingest(context.Background(), "u1", "t", []byte(`{}`))
	require.NoError(t, err)

	ev, err := st.Get(context.Background(), "u1", res.EventID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReceived, ev.Status, "left for the sweeper")
}
