package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmehdipour/event-gateway/internal/model"
	"github.com/jmehdipour/event-gateway/internal/util"
)

type memEntry struct {
	msg   Message
	token string
}

// MemoryQueue is an in-process Queue for embedded mode and tests.
type MemoryQueue struct {
	mu       sync.Mutex
	opts     Options
	messages map[string]*memEntry
	// dead letters not yet accepted by the sink
	dead    []model.DeadLetterEnvelope
	flushMu sync.Mutex
}

var (
	_ Queue             = (*MemoryQueue)(nil)
	_ DeadLetterFlusher = (*MemoryQueue)(nil)
)

func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		opts:     opts.withDefaults(),
		messages: make(map[string]*memEntry),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, ref model.EventRef, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now()
	id := util.NewAt(now)
	q.messages[id] = &memEntry{msg: Message{
		MessageID:    id,
		Ref:          ref,
		EnqueuedAt:   now,
		VisibleAfter: now.Add(delay),
	}}
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, max int, visibility time.Duration) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max <= 0 {
		return nil, nil
	}

	q.mu.Lock()
	now := q.opts.Now()
	visible := make([]*memEntry, 0)
	for _, e := range q.messages {
		if !e.msg.VisibleAfter.After(now) {
			visible = append(visible, e)
		}
	}
	sort.Slice(visible, func(i, j int) bool {
		a, b := visible[i].msg, visible[j].msg
		if !a.VisibleAfter.Equal(b.VisibleAfter) {
			return a.VisibleAfter.Before(b.VisibleAfter)
		}
		return a.MessageID < b.MessageID
	})

	var (
		out  []Message
		dead []model.DeadLetterEnvelope
	)
	for _, e := range visible {
		if len(out) >= max {
			break
		}
		e.msg.ReceiveCount++
		if e.msg.ReceiveCount > q.opts.MaxReceive {
			delete(q.messages, e.msg.MessageID)
			env := model.DeadLetterEnvelope{
				MessageID:    e.msg.MessageID,
				OwnerID:      e.msg.Ref.OwnerID,
				EventID:      e.msg.Ref.EventID,
				ReceiveCount: e.msg.ReceiveCount,
				EnqueuedAt:   e.msg.EnqueuedAt,
				DeadAt:       now,
			}
			q.dead = append(q.dead, env)
			dead = append(dead, env)
			continue
		}
		e.token = uuid.NewString()
		e.msg.VisibleAfter = now.Add(visibility)
		e.msg.ReceiptHandle = receipt(e.msg.MessageID, e.token)
		out = append(out, e.msg)
	}
	q.mu.Unlock()

	deadLettered(ctx, q.opts, q, dead)
	return out, nil
}

func (q *MemoryQueue) FlushDeadLetters(ctx context.Context) (int, error) {
	if q.opts.DeadLetters == nil {
		return 0, nil
	}
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		q.mu.Lock()
		if len(q.dead) == 0 {
			q.mu.Unlock()
			return n, nil
		}
		// only a flush removes entries, so the head stays put while we publish
		env := q.dead[0]
		q.mu.Unlock()

		if err := q.opts.DeadLetters.PublishDeadLetter(ctx, env); err != nil {
			return n, fmt.Errorf("publish dead-letter %s: %w", env.EventID, err)
		}
		q.mu.Lock()
		q.dead = q.dead[1:]
		q.mu.Unlock()
		n++
	}
}

func (q *MemoryQueue) Delete(ctx context.Context, r string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.lookup(r)
	if err != nil {
		return err
	}
	delete(q.messages, e.msg.MessageID)
	return nil
}

func (q *MemoryQueue) ExtendVisibility(ctx context.Context, r string, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.lookup(r)
	if err != nil {
		return err
	}
	e.msg.VisibleAfter = q.opts.Now().Add(delay)
	return nil
}

// Len is the number of messages still owned by the queue, visible or not.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

func (q *MemoryQueue) Depth(context.Context) (live, dead int64, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.messages)), int64(len(q.dead)), nil
}

func (q *MemoryQueue) lookup(r string) (*memEntry, error) {
	id, token, err := parseReceipt(r)
	if err != nil {
		return nil, err
	}
	e, ok := q.messages[id]
	if !ok || e.token != token {
		return nil, ErrReceiptInvalid
	}
	return e, nil
}
