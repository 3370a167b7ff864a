package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmehdipour/event-gateway/internal/metrics"
	"github.com/jmehdipour/event-gateway/internal/model"
	"github.com/jmehdipour/event-gateway/internal/queue"
	"github.com/jmehdipour/event-gateway/internal/retry"
	"github.com/jmehdipour/event-gateway/internal/store"
	"github.com/jmehdipour/event-gateway/internal/util"
	"go.uber.org/zap"
)

type Config struct {
	MaxPayloadBytes int
	MaxTypeLength   int
	Retention       time.Duration
	OpAttempts      int
	OpBaseDelay     time.Duration
	// bounds the enqueue that runs after the store write
	EnqueueTimeout time.Duration
}

type Result struct {
	EventID   string
	Status    model.EventStatus
	Timestamp time.Time
}

type request struct {
	OwnerID string `validate:"required"`
	Type    string `validate:"required"`
	Payload []byte `validate:"required,min=1"`
}

type Service struct {
	store    store.EventStore
	queue    queue.Queue
	cfg      Config
	validate *validator.Validate
	now      func() time.Time
	log      *zap.Logger
}

func NewService(st store.EventStore, q queue.Queue, cfg Config, now func() time.Time, log *zap.Logger) *Service {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = 1 << 20
	}
	if cfg.MaxTypeLength <= 0 {
		cfg.MaxTypeLength = 256
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 2 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:    st,
		queue:    q,
		cfg:      cfg,
		validate: validator.New(),
		now:      now,
		log:      log,
	}
}

// Ingest validates, stores and enqueues one event. Nothing is written when
// validation fails. A failed enqueue is left to the sweeper.
func (s *Service) Ingest(ctx context.Context, ownerID, eventType string, payload []byte) (Result, error) {
	req := request{OwnerID: ownerID, Type: strings.TrimSpace(eventType), Payload: payload}
	if verr := s.check(req); verr != nil {
		return Result{}, verr
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	ev := model.Event{
		ID:        util.NewAt(now),
		OwnerID:   req.OwnerID,
		Type:      req.Type,
		Payload:   append([]byte(nil), req.Payload...),
		Status:    model.StatusReceived,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.Retention),
	}
	if err := s.store.Put(ctx, ev); err != nil {
		return Result{}, fmt.Errorf("store event: %w", err)
	}
	metrics.EventsIngested.Inc()

	// the event is durable; the caller going away must not strand it in received
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.EnqueueTimeout)
	defer cancel()
	s.enqueue(bg, ev)

	return Result{EventID: ev.ID, Status: model.StatusReceived, Timestamp: now}, nil
}

func (s *Service) enqueue(ctx context.Context, ev model.Event) {
	err := retry.Do(ctx, s.cfg.OpAttempts, s.cfg.OpBaseDelay, nil, func(ctx context.Context) error {
		return s.queue.Enqueue(ctx, ev.Ref(), 0)
	})
	if err != nil {
		metrics.EnqueueFailures.Inc()
		s.log.Warn("enqueue failed, left for sweep", zap.String("event_id", ev.ID), zap.Error(err))
		return
	}
	_, err = s.store.UpdateStatus(ctx, ev.OwnerID, ev.ID, model.StatusReceived, model.StatusQueued, nil)
	if err != nil && !errors.Is(err, store.ErrConflict) {
		s.log.Warn("mark queued failed", zap.String("event_id", ev.ID), zap.Error(err))
	}
}

func (s *Service) check(req request) *model.ValidationError {
	var details []model.FieldError
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				name := fieldName(fe.Field())
				msg := name + " is required"
				if fe.Tag() == "min" {
					msg = name + " must not be empty"
				}
				details = append(details, model.FieldError{Field: name, Message: msg})
			}
		} else {
			details = append(details, model.FieldError{Field: "request", Message: err.Error()})
		}
	}
	if err := s.validate.Var(req.Type, fmt.Sprintf("max=%d", s.cfg.MaxTypeLength)); err != nil {
		details = append(details, model.FieldError{
			Field:   "type",
			Message: fmt.Sprintf("type must be at most %d characters", s.cfg.MaxTypeLength),
		})
	}
	if err := s.validate.Var(len(req.Payload), fmt.Sprintf("lte=%d", s.cfg.MaxPayloadBytes)); err != nil {
		details = append(details, model.FieldError{
			Field:   "payload",
			Message: fmt.Sprintf("payload exceeds %d bytes", s.cfg.MaxPayloadBytes),
		})
	}
	if len(details) == 0 {
		return nil
	}
	return &model.ValidationError{Message: "invalid event", Details: details}
}

func fieldName(f string) string {
	switch f {
	case "OwnerID":
		return "owner_id"
	case "Type":
		return "type"
	case "Payload":
		return "payload"
	}
	return strings.ToLower(f)
}
