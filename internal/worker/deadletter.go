package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/event-gateway/internal/kafka"
	"github.com/jmehdipour/event-gateway/internal/model"
	"github.com/jmehdipour/event-gateway/internal/outcome"
	"github.com/jmehdipour/event-gateway/internal/store"
	"go.uber.org/zap"
)

// DeadLetterArchiver settles messages the queue gave up on: the live record is
// marked failed (unless it was delivered meanwhile) and an audit copy is kept.
// It is a queue.DeadLetterSink itself, and can also drain a Kafka topic.
type DeadLetterArchiver struct {
	Store    store.Store
	Outcomes outcome.Sink
	Now      func() time.Time
	Log      *zap.Logger
}

func (a *DeadLetterArchiver) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now().UTC()
}

func (a *DeadLetterArchiver) log() *zap.Logger {
	if a.Log == nil {
		return zap.NewNop()
	}
	return a.Log
}

// PublishDeadLetter archives synchronously. Used when no broker is configured.
func (a *DeadLetterArchiver) PublishDeadLetter(ctx context.Context, env model.DeadLetterEnvelope) error {
	return a.Archive(ctx, env)
}

// Archive is idempotent; replaying an envelope is harmless.
func (a *DeadLetterArchiver) Archive(ctx context.Context, env model.DeadLetterEnvelope) error {
	reason := fmt.Sprintf("queue receive limit exceeded after %d receives", env.ReceiveCount)

	var ev model.Event
	for i := 0; ; i++ {
		cur, err := a.Store.Get(ctx, env.OwnerID, env.EventID)
		if errors.Is(err, store.ErrNotFound) {
			a.log().Info("dead letter for missing event", zap.String("event_id", env.EventID))
			return nil
		}
		if err != nil {
			return err
		}
		if cur.Status == model.StatusDelivered {
			return nil
		}
		if cur.Status == model.StatusFailed {
			ev = cur
			break
		}

		at := a.now()
		ev, err = a.Store.UpdateStatus(ctx, cur.OwnerID, cur.ID, cur.Status, model.StatusFailed, func(e *model.Event) {
			e.FailedAt = &at
			e.NextAttemptAt = nil
			if e.LastError == nil {
				r := reason
				e.LastError = &r
			}
		})
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrConflict) || i >= 4 {
			return err
		}
	}

	dl := model.DeadLetter{
		Event:          ev,
		Reason:         reason,
		Source:         model.DeadLetterFromQueue,
		DeadLetteredAt: env.DeadAt,
	}
	if dl.DeadLetteredAt.IsZero() {
		dl.DeadLetteredAt = a.now()
	}
	if err := a.Store.PutDeadLetter(ctx, dl); err != nil {
		return err
	}

	if a.Outcomes != nil {
		a.Outcomes.Record(ctx, model.Outcome{
			EventID: ev.ID,
			OwnerID: ev.OwnerID,
			Type:    ev.Type,
			Attempt: ev.AttemptCount,
			Result:  model.OutcomeDeadLettered,
			Error:   reason,
			At:      a.now(),
		})
	}
	return nil
}

// Run consumes the dead-letter topic until ctx is cancelled. A message is
// committed only after it was archived.
func (a *DeadLetterArchiver) Run(ctx context.Context, r kafka.Reader) error {
	for {
		m, err := r.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.log().Warn("kafka fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		if err := a.ProcessOne(ctx, r, m); err != nil && ctx.Err() == nil {
			a.log().Warn("commit failed", zap.Int64("offset", m.Offset), zap.Error(err))
		}
	}
}

func (a *DeadLetterArchiver) ProcessOne(ctx context.Context, r kafka.Reader, m kafka.Message) error {
	var env model.DeadLetterEnvelope
	if err := json.Unmarshal(m.Value, &env); err != nil || env.EventID == "" || env.OwnerID == "" {
		// poison: commit and skip
		a.log().Error("bad dead-letter envelope", zap.Int64("offset", m.Offset), zap.Error(err))
		return r.Commit(ctx, m)
	}

	// later offsets must not be committed past this one, so keep trying
	backoff := 100 * time.Millisecond
	for {
		err := a.Archive(ctx, env)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return err
		}
		a.log().Warn("archive failed, retrying", zap.String("event_id", env.EventID), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
	return r.Commit(ctx, m)
}
