package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jmehdipour/event-gateway/internal/model"
	"github.com/jmehdipour/event-gateway/internal/notifier"
	"github.com/jmehdipour/event-gateway/internal/outcome"
	"github.com/jmehdipour/event-gateway/internal/queue"
	"github.com/jmehdipour/event-gateway/internal/store"
	"go.uber.org/zap"
)

const settleAttempts = 3

type Deps struct {
	Store    store.Store
	Queue    queue.Queue
	Notifier notifier.Notifier
	Outcomes outcome.Sink
	Now      func() time.Time
	Rng      *rand.Rand
	Log      *zap.Logger
}

// Coordinator turns one queue message into at most one delivery attempt.
// Correctness comes from status CAS on the store; the queue only schedules.
type Coordinator struct {
	store    store.Store
	queue    queue.Queue
	notifier notifier.Notifier
	outcomes outcome.Sink
	policy   Policy
	now      func() time.Time
	rng      *rand.Rand
	log      *zap.Logger
}

func NewCoordinator(d Deps, p Policy) *Coordinator {
	c := &Coordinator{
		store:    d.Store,
		queue:    d.Queue,
		notifier: d.Notifier,
		outcomes: d.Outcomes,
		policy:   p.withDefaults(),
		now:      d.Now,
		rng:      d.Rng,
		log:      d.Log,
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	if c.outcomes == nil {
		c.outcomes = outcome.Nop{}
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	return c
}

func (c *Coordinator) Policy() Policy { return c.policy }

// Handle processes one received message. The returned result is empty when the
// message was left alone (owned by another worker or not yet due). An error means
// a transient failure; the message reappears after its visibility timeout.
func (c *Coordinator) Handle(ctx context.Context, msg queue.Message) (model.OutcomeResult, error) {
	ref := msg.Ref
	now := c.now()

	var ev model.Event
	err := c.do(ctx, func(ctx context.Context) error {
		var err error
		ev, err = c.store.Get(ctx, ref.OwnerID, ref.EventID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		// deleted by the owner or reclaimed
		return c.drop(ctx, msg, model.Event{ID: ref.EventID, OwnerID: ref.OwnerID}, "event gone")
	}
	if err != nil {
		return "", fmt.Errorf("load %s: %w", ref.EventID, err)
	}

	if ev.Expired(now) {
		return c.drop(ctx, msg, ev, "event expired")
	}

	switch ev.Status {
	case model.StatusDelivered, model.StatusFailed:
		return c.drop(ctx, msg, ev, "already "+ev.Status.String())
	case model.StatusDelivering:
		if !c.policy.Stale(ev, now) {
			return "", nil
		}
		c.log.Warn("reclaiming stale delivery claim", zap.String("event_id", ev.ID), zap.Int("attempt", ev.AttemptCount))
	}

	if ev.NextAttemptAt != nil && ev.NextAttemptAt.After(now) {
		// a previous visibility extension was lost
		if err := c.extend(ctx, msg, ev.NextAttemptAt.Sub(now)); err != nil && !errors.Is(err, queue.ErrReceiptInvalid) {
			return "", err
		}
		return "", nil
	}

	if done, reason := c.policy.Exhausted(ev, now); done {
		return c.exhaust(ctx, msg, ev, reason)
	}

	claimed, err := c.transition(ctx, ev, model.StatusDelivering, func(e *model.Event) {
		at := now
		e.AttemptCount++
		if e.FirstAttemptAt == nil {
			e.FirstAttemptAt = &at
		}
		e.LastAttemptAt = &at
		e.NextAttemptAt = nil
	})
	if err != nil {
		return c.conflictOr(ctx, ev, err)
	}

	return c.attempt(ctx, msg, claimed)
}

func (c *Coordinator) attempt(ctx context.Context, msg queue.Message, ev model.Event) (model.OutcomeResult, error) {
	nctx, cancel := context.WithTimeout(ctx, c.policy.NotifyTimeout)
	started := time.Now()
	nerr := c.notifier.Notify(nctx, ev)
	cancel()
	latency := time.Since(started).Milliseconds()

	now := c.now()
	if nerr == nil {
		return c.settle(ctx, msg, ev, latency)
	}

	if ctx.Err() != nil {
		// shutting down: the stale-claim path picks the event up again
		return "", ctx.Err()
	}

	delay := c.policy.Delay(ev.AttemptCount)
	next := now.Add(delay)
	reason := nerr.Error()
	_, err := c.transition(ctx, ev, model.StatusQueued, func(e *model.Event) {
		e.NextAttemptAt = &next
		e.LastError = &reason
	})
	if err != nil {
		return c.conflictOr(ctx, ev, err)
	}
	if err := c.extend(ctx, msg, delay); err != nil && !errors.Is(err, queue.ErrReceiptInvalid) {
		return "", err
	}
	c.record(ctx, ev, model.OutcomeRetryScheduled, reason, latency)
	return model.OutcomeRetryScheduled, nil
}

// settle records a successful notify. When our claim was replaced meanwhile, the
// stored record is re-read and the message is only deleted once it is terminal.
func (c *Coordinator) settle(ctx context.Context, msg queue.Message, ev model.Event, latency int64) (model.OutcomeResult, error) {
	delivered := func(e *model.Event) {
		at := c.now()
		e.DeliveredAt = &at
		e.NextAttemptAt = nil
		e.LastError = nil
	}
	_, err := c.transition(ctx, ev, model.StatusDelivered, delivered)
	for i := 0; i < settleAttempts && isConflict(err); i++ {
		var cur model.Event
		err = c.do(ctx, func(ctx context.Context) error {
			var err error
			cur, err = c.store.Get(ctx, ev.OwnerID, ev.ID)
			return err
		})
		if errors.Is(err, store.ErrNotFound) {
			return c.drop(ctx, msg, ev, "event gone")
		}
		if err != nil {
			break
		}
		switch cur.Status {
		case model.StatusDelivered:
			err = nil
		case model.StatusFailed:
			// dead-lettered while the receiver was answering
			return c.drop(ctx, msg, cur, "already failed")
		default:
			// a newer claim or a retry owns the record; the receiver already has the event
			_, err = c.transition(ctx, cur, model.StatusDelivered, delivered)
		}
	}
	if err != nil {
		return "", fmt.Errorf("mark delivered %s: %w", ev.ID, err)
	}
	c.ack(ctx, msg)
	c.record(ctx, ev, model.OutcomeDelivered, "", latency)
	return model.OutcomeDelivered, nil
}

func isConflict(err error) bool {
	return errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrInvalidTransition)
}

func (c *Coordinator) exhaust(ctx context.Context, msg queue.Message, ev model.Event, reason string) (model.OutcomeResult, error) {
	now := c.now()
	failed, err := c.transition(ctx, ev, model.StatusFailed, func(e *model.Event) {
		at := now
		e.FailedAt = &at
		e.NextAttemptAt = nil
		if e.LastError == nil {
			r := reason
			e.LastError = &r
		}
	})
	if err != nil {
		return c.conflictOr(ctx, ev, err)
	}

	dl := model.DeadLetter{
		Event:          failed,
		Reason:         reason,
		Source:         model.DeadLetterFromCoordinator,
		DeadLetteredAt: now,
	}
	if err := c.do(ctx, func(ctx context.Context) error { return c.store.PutDeadLetter(ctx, dl) }); err != nil {
		// the event is failed; a missing audit copy is logged, not retried forever
		c.log.Error("dead-letter write failed", zap.String("event_id", ev.ID), zap.Error(err))
	}
	c.ack(ctx, msg)
	c.record(ctx, failed, model.OutcomeExhausted, fmt.Errorf("%w: %s", ErrExhausted, reason).Error(), 0)
	return model.OutcomeExhausted, nil
}

// transition is a CAS from the observed status and attempt count, so a claim that
// was reclaimed by another worker cannot be overwritten. Transient failures are
// retried after re-reading, so a write that landed but reported an error is not
// repeated.
func (c *Coordinator) transition(ctx context.Context, ev model.Event, next model.EventStatus, mutate store.Mutator) (model.Event, error) {
	var out model.Event
	first := true
	err := c.do(ctx, func(ctx context.Context) error {
		if !first {
			cur, err := c.store.Get(ctx, ev.OwnerID, ev.ID)
			if err != nil {
				return err
			}
			if cur.Status != ev.Status || cur.AttemptCount != ev.AttemptCount {
				return store.ErrConflict
			}
		}
		first = false
		upd, err := c.store.UpdateClaim(ctx, ev.OwnerID, ev.ID, ev.Status, ev.AttemptCount, next, mutate)
		if err != nil {
			return err
		}
		out = upd
		return nil
	})
	return out, err
}

func (c *Coordinator) conflictOr(ctx context.Context, ev model.Event, err error) (model.OutcomeResult, error) {
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidTransition) {
		c.log.Debug("lost status race", zap.String("event_id", ev.ID), zap.Error(err))
		c.record(ctx, ev, model.OutcomeDiscarded, err.Error(), 0)
		return model.OutcomeDiscarded, nil
	}
	return "", err
}

func (c *Coordinator) drop(ctx context.Context, msg queue.Message, ev model.Event, why string) (model.OutcomeResult, error) {
	c.ack(ctx, msg)
	c.record(ctx, ev, model.OutcomeDiscarded, why, 0)
	return model.OutcomeDiscarded, nil
}

func (c *Coordinator) ack(ctx context.Context, msg queue.Message) {
	err := c.do(ctx, func(ctx context.Context) error { return c.queue.Delete(ctx, msg.ReceiptHandle) })
	if err != nil && !errors.Is(err, queue.ErrReceiptInvalid) {
		c.log.Warn("queue delete failed", zap.String("message_id", msg.MessageID), zap.Error(err))
	}
}

func (c *Coordinator) extend(ctx context.Context, msg queue.Message, d time.Duration) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.queue.ExtendVisibility(ctx, msg.ReceiptHandle, d)
	})
}

func (c *Coordinator) do(ctx context.Context, fn func(context.Context) error) error {
	return Do(ctx, c.policy.OpAttempts, c.policy.OpBaseDelay, c.rng, fn)
}

func (c *Coordinator) record(ctx context.Context, ev model.Event, result model.OutcomeResult, errText string, latencyMs int64) {
	c.outcomes.Record(ctx, model.Outcome{
		EventID:   ev.ID,
		OwnerID:   ev.OwnerID,
		Type:      ev.Type,
		Attempt:   ev.AttemptCount,
		Result:    result,
		Error:     errText,
		LatencyMs: latencyMs,
		At:        c.now(),
	})
}
