package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmehdipour/event-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent() model.Event {
	return model.Event{
		ID:           "01HX0000000000000000000000",
		OwnerID:      "u1",
		Type:         "order.created",
		Payload:      []byte(`{"order":42}`),
		CreatedAt:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		AttemptCount: 2,
	}
}

func TestHTTPNotifierPostsNotification(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewHTTPNotifier("primary", srv.URL, 1000, 3, 1000, nil)
	require.NoError(t, n.Notify(context.Background(), testEvent()))

	assert.Equal(t, "01HX0000000000000000000000", got["eventId"])
	assert.Equal(t, "u1", got["ownerId"])
	assert.Equal(t, float64(2), got["attempt"])
	assert.Equal(t, map[string]any{"order": float64(42)}, got["payload"])
}

func TestHTTPNotifierBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewHTTPNotifier("flaky", srv.URL, 1000, 2, 60000, nil)
	for i := 0; i < 2; i++ {
		assert.Error(t, n.Notify(context.Background(), testEvent()))
	}
	assert.False(t, n.Ready())

	assert.Error(t, n.Notify(context.Background(), testEvent()))
	assert.Equal(t, int32(2), hits.Load(), "open breaker short-circuits")
}

type fakeEndpoint struct {
	name  string
	ready bool
	err   error
	calls atomic.Int32
}

func (f *fakeEndpoint) Name() string { return f.name }
func (f *fakeEndpoint) Ready() bool  { return f.ready }
func (f *fakeEndpoint) Notify(context.Context, model.Event) error {
	f.calls.Add(1)
	return f.err
}

func TestDispatcherRoundRobin(t *testing.T) {
	a := &fakeEndpoint{name: "a", ready: true}
	b := &fakeEndpoint{name: "b", ready: true}
	down := &fakeEndpoint{name: "down", ready: false}
	d := NewDispatcher([]Endpoint{a, down, b}, 1)

	for i := 0; i < 4; i++ {
		require.NoError(t, d.Notify(context.Background(), testEvent()))
	}
	assert.Equal(t, int32(2), a.calls.Load())
	assert.Equal(t, int32(2), b.calls.Load())
	assert.Zero(t, down.calls.Load())
}

func TestDispatcherFailsOver(t *testing.T) {
	bad := &fakeEndpoint{name: "bad", ready: true, err: assert.AnError}
	good := &fakeEndpoint{name: "good", ready: true}
	d := NewDispatcher([]Endpoint{bad, good}, 2)

	require.NoError(t, d.Notify(context.Background(), testEvent()))
	assert.Equal(t, int32(1), bad.calls.Load())
	assert.Equal(t, int32(1), good.calls.Load())
}

func TestDispatcherNoHealthy(t *testing.T) {
	d := NewDispatcher([]Endpoint{&fakeEndpoint{name: "x"}}, 1)
	assert.ErrorIs(t, d.Notify(context.Background(), testEvent()), ErrNoHealthy)
}
