package retry

import (
	"context"
	"errors"
	"time"

	"github.com/jmehdipour/event-gateway/internal/metrics"
	"github.com/jmehdipour/event-gateway/internal/model"
	"github.com/jmehdipour/event-gateway/internal/queue"
	"github.com/jmehdipour/event-gateway/internal/store"
	"go.uber.org/zap"
)

// Sweeper re-enqueues events stuck in received: ingestion stored them but the
// enqueue never succeeded.
type Sweeper struct {
	Store store.EventStore
	Queue queue.Queue
	Grace time.Duration
	Batch int
	Now   func() time.Time
	Log   *zap.Logger
}

func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now()
	}
	batch := s.Batch
	if batch <= 0 {
		batch = 200
	}
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}

	stuck, err := s.Store.ScanStatus(ctx, model.StatusReceived, now.Add(-s.Grace), batch)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, ev := range stuck {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := s.Queue.Enqueue(ctx, ev.Ref(), 0); err != nil {
			log.Warn("sweep enqueue failed", zap.String("event_id", ev.ID), zap.Error(err))
			continue
		}
		_, err := s.Store.UpdateStatus(ctx, ev.OwnerID, ev.ID, model.StatusReceived, model.StatusQueued, nil)
		if err != nil && !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrNotFound) {
			log.Warn("sweep status update failed", zap.String("event_id", ev.ID), zap.Error(err))
			continue
		}
		n++
	}
	metrics.SweptEvents.Add(float64(n))
	return n, nil
}

// Reaper removes events past their retention.
type Reaper struct {
	Store store.EventStore
	Batch int
	Now   func() time.Time
}

func (r *Reaper) ReapOnce(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	if r.Now != nil {
		now = r.Now()
	}
	batch := r.Batch
	if batch <= 0 {
		batch = 500
	}
	n, err := r.Store.ReclaimExpired(ctx, now, batch)
	metrics.ReclaimedEvents.Add(float64(n))
	return n, err
}
