package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmehdipour/event-gateway/internal/kafka"
	"github.com/jmehdipour/event-gateway/internal/metrics"
	"github.com/jmehdipour/event-gateway/internal/model"
	"github.com/jmehdipour/event-gateway/internal/notifier"
	"github.com/jmehdipour/event-gateway/internal/outcome"
	"github.com/jmehdipour/event-gateway/internal/queue"
	"github.com/jmehdipour/event-gateway/internal/retry"
	"github.com/jmehdipour/event-gateway/internal/store"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queuedEvent(t *testing.T, st store.Store, q queue.Queue, id string, at time.Time) model.Event {
	t.Helper()
	ctx := context.Background()
	ev := model.Event{
		ID:        id,
		OwnerID:   "u1",
		Type:      "order.created",
		Payload:   []byte(`{"n":1}`),
		Status:    model.StatusReceived,
		CreatedAt: at,
		ExpiresAt: at.Add(720 * time.Hour),
	}
	require.NoError(t, st.Put(ctx, ev))
	if q != nil {
		require.NoError(t, q.Enqueue(ctx, ev.Ref(), 0))
	}
	ev, err := st.UpdateStatus(ctx, ev.OwnerID, ev.ID, model.StatusReceived, model.StatusQueued, nil)
	require.NoError(t, err)
	return ev
}

func newCoordinator(st store.Store, q queue.Queue, n notifier.Notifier, rec outcome.Sink) *retry.Coordinator {
	p := retry.DefaultPolicy()
	p.OpBaseDelay = time.Millisecond
	return retry.NewCoordinator(retry.Deps{Store: st, Queue: q, Notifier: n, Outcomes: rec}, p)
}

func TestPollOnceDelivers(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(nil)
	q := queue.NewMemoryQueue(queue.Options{})
	var calls atomic.Int32
	n := notifier.Func(func(context.Context, model.Event) error {
		calls.Add(1)
		return nil
	})
	now := time.Now().UTC()
	queuedEvent(t, st, q, "e1", now)
	queuedEvent(t, st, q, "e2", now)

	p := &DeliveryPool{Queue: q, Handler: newCoordinator(st, q, n, nil), BatchSize: 10}
	p.defaults()

	got, err := p.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, got)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 0, q.Len())

	for _, id := range []string{"e1", "e2"} {
		ev, err := st.Get(ctx, "u1", id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusDelivered, ev.Status)
	}

	got, err = p.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestDeliveryPoolRunUntilCancelled(t *testing.T) {
	st := store.NewMemoryStore(nil)
	q := queue.NewMemoryQueue(queue.Options{})
	var calls atomic.Int32
	n := notifier.Func(func(context.Context, model.Event) error {
		calls.Add(1)
		return nil
	})
	now := time.Now().UTC()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		queuedEvent(t, st, q, id, now)
	}
	// stuck in received, left for the sweeper
	stuck := model.Event{
		ID: "s", OwnerID: "u1", Type: "t", Payload: []byte(`{}`),
		Status: model.StatusReceived, CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, st.Put(context.Background(), stuck))

	p := &DeliveryPool{
		Queue:         q,
		Handler:       newCoordinator(st, q, n, nil),
		Sweeper:       &retry.Sweeper{Store: st, Queue: q, Grace: time.Minute},
		Reaper:        &retry.Reaper{Store: st},
		Workers:       3,
		BatchSize:     2,
		IdleDelay:     5 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
		ReapInterval:  10 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() == 6 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}

	ev, err := st.Get(context.Background(), "u1", "s")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, ev.Status)
}

func TestDeliveryPoolRequiresDeps(t *testing.T) {
	assert.Error(t, (&DeliveryPool{}).Run(context.Background()))
}

func TestReportDepth(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue(queue.Options{})
	require.NoError(t, q.Enqueue(ctx, model.EventRef{OwnerID: "u1", EventID: "a"}, 0))
	require.NoError(t, q.Enqueue(ctx, model.EventRef{OwnerID: "u1", EventID: "b"}, time.Hour))

	require.NoError(t, ReportDepth(ctx, q))
	assert.Equal(t, 2.0, gaugeValue(t, "live"))
	assert.Equal(t, 0.0, gaugeValue(t, "dead"))
}

func gaugeValue(t *testing.T, state string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.QueueDepth.WithLabelValues(state).Write(&m))
	return m.GetGauge().GetValue()
}

func TestArchiveMarksFailed(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	st := store.NewMemoryStore(func() time.Time { return at })
	rec := &outcome.Recorder{}
	a := &DeadLetterArchiver{Store: st, Outcomes: rec, Now: func() time.Time { return at }}
	queuedEvent(t, st, nil, "e1", at)

	env := model.DeadLetterEnvelope{MessageID: "m1", OwnerID: "u1", EventID: "e1", ReceiveCount: 6, DeadAt: at}
	require.NoError(t, a.Archive(ctx, env))

	ev, err := st.Get(ctx, "u1", "e1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, ev.Status)
	require.NotNil(t, ev.LastError)
	assert.Contains(t, *ev.LastError, "6 receives")

	dl, err := st.GetDeadLetter(ctx, "u1", "e1")
	require.NoError(t, err)
	assert.Equal(t, model.DeadLetterFromQueue, dl.Source)
	assert.Equal(t, model.StatusFailed, dl.Event.Status)
	assert.Equal(t, []model.OutcomeResult{model.OutcomeDeadLettered}, rec.Results("e1"))

	// replay keeps the first copy
	require.NoError(t, a.Archive(ctx, env))
	dl2, err := st.GetDeadLetter(ctx, "u1", "e1")
	require.NoError(t, err)
	assert.Equal(t, dl, dl2)
}

func TestArchiveLeavesDeliveredAndMissing(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	st := store.NewMemoryStore(func() time.Time { return at })
	a := &DeadLetterArchiver{Store: st}
	queuedEvent(t, st, nil, "e1", at)
	_, err := st.UpdateStatus(ctx, "u1", "e1", model.StatusQueued, model.StatusDelivered, nil)
	require.NoError(t, err)

	require.NoError(t, a.Archive(ctx, model.DeadLetterEnvelope{OwnerID: "u1", EventID: "e1"}))
	ev, err := st.Get(ctx, "u1", "e1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, ev.Status)
	_, err = st.GetDeadLetter(ctx, "u1", "e1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, a.Archive(ctx, model.DeadLetterEnvelope{OwnerID: "u1", EventID: "gone"}))
}

func TestQueueDeadLetterReachesArchiver(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	clk := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	st := store.NewMemoryStore(clk)
	a := &DeadLetterArchiver{Store: st, Now: clk}
	q := queue.NewMemoryQueue(queue.Options{MaxReceive: 1, Now: clk, DeadLetters: a})
	queuedEvent(t, st, q, "e1", now)

	msgs, err := q.Dequeue(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	mu.Lock()
	now = now.Add(2 * time.Second)
	mu.Unlock()

	msgs, err = q.Dequeue(ctx, 1, time.Second)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	ev, err := st.Get(ctx, "u1", "e1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, ev.Status)
	_, err = st.GetDeadLetter(ctx, "u1", "e1")
	require.NoError(t, err)
}

type noopHandler struct{}

func (noopHandler) Handle(context.Context, queue.Message) (model.OutcomeResult, error) {
	return "", nil
}

func TestRunRetriesRefusedDeadLetters(t *testing.T) {
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	mem := store.NewMemoryStore(func() time.Time { return at })
	st := &flakyStore{Store: mem, fails: 1}
	a := &DeadLetterArchiver{Store: st, Now: func() time.Time { return at }}
	q := queue.NewMemoryQueue(queue.Options{MaxReceive: 1, DeadLetters: a})
	queuedEvent(t, mem, q, "e1", at)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	p := &DeliveryPool{
		Queue:         q,
		Handler:       noopHandler{},
		Workers:       1,
		IdleDelay:     time.Millisecond,
		Visibility:    time.Millisecond,
		FlushInterval: 5 * time.Millisecond,
	}
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := mem.GetDeadLetter(context.Background(), "u1", "e1")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	ev, err := mem.Get(context.Background(), "u1", "e1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, ev.Status)
	assert.Zero(t, st.fails)
	_, dead, err := q.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, dead)
}

type fakeReader struct {
	msgs      []kafka.Message
	committed []int64
}

func (r *fakeReader) Fetch(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) Commit(_ context.Context, m kafka.Message) error {
	r.committed = append(r.committed, m.Offset)
	return nil
}

type flakyStore struct {
	store.Store
	fails int
}

func (s *flakyStore) PutDeadLetter(ctx context.Context, dl model.DeadLetter) error {
	if s.fails > 0 {
		s.fails--
		return errors.New("mysql unavailable")
	}
	return s.Store.PutDeadLetter(ctx, dl)
}

func TestProcessOneCommitsAfterArchive(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	mem := store.NewMemoryStore(func() time.Time { return at })
	queuedEvent(t, mem, nil, "e1", at)
	st := &flakyStore{Store: mem, fails: 2}
	a := &DeadLetterArchiver{Store: st, Now: func() time.Time { return at }}
	r := &fakeReader{}

	require.NoError(t, a.ProcessOne(ctx, r, kafka.Message{Offset: 1, Value: []byte("not json")}))
	assert.Equal(t, []int64{1}, r.committed)

	good, err := json.Marshal(model.DeadLetterEnvelope{OwnerID: "u1", EventID: "e1", ReceiveCount: 6})
	require.NoError(t, err)
	require.NoError(t, a.ProcessOne(ctx, r, kafka.Message{Offset: 2, Value: good}))
	assert.Equal(t, []int64{1, 2}, r.committed)
	assert.Zero(t, st.fails)

	_, err = mem.GetDeadLetter(ctx, "u1", "e1")
	require.NoError(t, err)
}

func TestArchiverRunStopsOnCancel(t *testing.T) {
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	st := store.NewMemoryStore(func() time.Time { return at })
	queuedEvent(t, st, nil, "e1", at)
	a := &DeadLetterArchiver{Store: st}

	good, err := json.Marshal(model.DeadLetterEnvelope{OwnerID: "u1", EventID: "e1"})
	require.NoError(t, err)
	r := &fakeReader{msgs: []kafka.Message{{Offset: 7, Value: good}}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, r) }()

	require.Eventually(t, func() bool {
		ev, err := st.Get(context.Background(), "u1", "e1")
		return err == nil && ev.Status == model.StatusFailed
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("archiver did not stop")
	}
	assert.Equal(t, []int64{7}, r.committed)
}
