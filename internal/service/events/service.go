package events

import (
	"context"
	"errors"
	"time"

	"github.com/jmehdipour/event-gateway/internal/model"
	"github.com/jmehdipour/event-gateway/internal/store"
	"go.uber.org/zap"
)

type Service struct {
	store store.EventStore
	now   func() time.Time
	log   *zap.Logger
}

func NewService(st store.EventStore, now func() time.Time, log *zap.Logger) *Service {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: st, now: now, log: log}
}

// Status returns the event as stored. Expired events read as not found.
func (s *Service) Status(ctx context.Context, ownerID, id string) (model.Event, error) {
	ev, err := s.store.Get(ctx, ownerID, id)
	if err != nil {
		return model.Event{}, err
	}
	if ev.Expired(s.now()) {
		return model.Event{}, store.ErrNotFound
	}
	return ev, nil
}

// Acknowledge marks the event delivered from whatever status it holds now.
// Acknowledging a delivered event is a no-op. When workers keep winning the
// race, the event is returned as it currently stands.
func (s *Service) Acknowledge(ctx context.Context, ownerID, id string) (model.Event, error) {
	for i := 0; i < 5; i++ {
		cur, err := s.Status(ctx, ownerID, id)
		if err != nil {
			return model.Event{}, err
		}
		if cur.Status == model.StatusDelivered {
			return cur, nil
		}
		now := s.now()
		upd, err := s.store.UpdateStatus(ctx, ownerID, id, cur.Status, model.StatusDelivered, func(e *model.Event) {
			e.DeliveredAt = &now
			e.NextAttemptAt = nil
		})
		if errors.Is(err, store.ErrConflict) {
			// a worker moved it first; look again
			continue
		}
		if err != nil {
			return model.Event{}, err
		}
		s.log.Info("event acknowledged", zap.String("event_id", id), zap.String("from", cur.Status.String()))
		return upd, nil
	}
	s.log.Warn("acknowledge kept losing status races", zap.String("event_id", id))
	return s.Status(ctx, ownerID, id)
}

// Delete removes the event. A repeated delete reports alreadyGone.
func (s *Service) Delete(ctx context.Context, ownerID, id string) (bool, error) {
	return s.store.Delete(ctx, ownerID, id)
}
