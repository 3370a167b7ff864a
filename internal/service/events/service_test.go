package events

import (
	"context"
	"testing"
	"time"

	"github.com/jmehdipour/event-gateway/internal/model"
	"github.com/jmehdipour/event-gateway/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)

func setup(t *testing.T, status model.EventStatus) (*Service, *store.MemoryStore) {
	t.Helper()
	clk := func() time.Time { return now }
	st := store.NewMemoryStore(clk)
	require.NoError(t, st.Put(context.Background(), model.Event{
		ID: "e1", OwnerID: "u1", Type: "t", Payload: []byte(`{}`),
		Status: status, CreatedAt: now.Add(-time.Minute), ExpiresAt: now.Add(time.Hour),
	}))
	return NewService(st, clk, nil), st
}

func TestAcknowledge(t *testing.T) {
	for _, from := range []model.EventStatus{model.StatusReceived, model.StatusQueued, model.StatusDelivering, model.StatusFailed} {
		t.Run(from.String(), func(t *testing.T) {
			svc, _ := setup(t, from)
			ev, err := svc.Acknowledge(context.Background(), "u1", "e1")
			require.NoError(t, err)
			assert.Equal(t, model.StatusDelivered, ev.Status)
			require.NotNil(t, ev.DeliveredAt)
			assert.Equal(t, now, *ev.DeliveredAt)

			again, err := svc.Acknowledge(context.Background(), "u1", "e1")
			require.NoError(t, err)
			assert.Equal(t, ev, again)
		})
	}
}

type racingStore struct {
	*store.MemoryStore
	updates int
}

func (s *racingStore) UpdateStatus(context.Context, string, string, model.EventStatus, model.EventStatus, store.Mutator) (model.Event, error) {
	s.updates++
	return model.Event{}, store.ErrConflict
}

func TestAcknowledgeAbsorbsConflicts(t *testing.T) {
	_, mem := setup(t, model.StatusDelivering)
	st := &racingStore{MemoryStore: mem}
	svc := NewService(st, func() time.Time { return now }, nil)

	ev, err := svc.Acknowledge(context.Background(), "u1", "e1")
	require.NoError(t, err)
	assert.Equal(t, "e1", ev.ID)
	assert.Equal(t, model.StatusDelivering, ev.Status)
	assert.Equal(t, 5, st.updates)
}

func TestAcknowledgeUnknown(t *testing.T) {
	svc, _ := setup(t, model.StatusQueued)
	_, err := svc.Acknowledge(context.Background(), "u2", "e1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStatusHidesExpired(t *testing.T) {
	svc, st := setup(t, model.StatusQueued)
	require.NoError(t, st.Put(context.Background(), model.Event{
		ID: "old", OwnerID: "u1", Type: "t", Status: model.StatusQueued,
		CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}))

	ev, err := svc.Status(context.Background(), "u1", "e1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, ev.Status)

	_, err = svc.Status(context.Background(), "u1", "old")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	svc, _ := setup(t, model.StatusDelivered)

	gone, err := svc.Delete(context.Background(), "u1", "e1")
	require.NoError(t, err)
	assert.False(t, gone)

	gone, err = svc.Delete(context.Background(), "u1", "e1")
	require.NoError(t, err)
	assert.True(t, gone)

	_, err = svc.Delete(context.Background(), "u1", "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
