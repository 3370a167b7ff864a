package store

import (
	"context"
	"errors"
	"time"

	"github.com/jmehdipour/event-gateway/internal/model"
)

var (
	ErrNotFound          = errors.New("event not found")
	ErrAlreadyExists     = errors.New("event already exists")
	ErrConflict          = errors.New("event status changed concurrently")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// AnyAttempt disables the attempt guard of a CAS.
const AnyAttempt = -1

// Key is a position inside an owner partition: events are ordered by
// (CreatedAt, ID) on every access path.
type Key struct {
	CreatedAt time.Time
	ID        string
}

// KeyOf returns the ordering key of an event.
func KeyOf(e model.Event) Key {
	return Key{CreatedAt: e.CreatedAt, ID: e.ID}
}

// Less orders keys by time, then id.
func (k Key) Less(o Key) bool {
	if !k.CreatedAt.Equal(o.CreatedAt) {
		return k.CreatedAt.Before(o.CreatedAt)
	}
	return k.ID < o.ID
}

// Mutator edits the event inside a status update. It must not touch Status,
// OwnerID, ID or CreatedAt.
type Mutator func(*model.Event)

// EventStore is the durable home of events. Every method is partitioned by owner
// except the maintenance scans used by the sweeper and the reaper.
type EventStore interface {
	Put(ctx context.Context, ev model.Event) error
	Get(ctx context.Context, ownerID, id string) (model.Event, error)
	// UpdateStatus is a compare-and-swap on the status column. It is the only way a
	// status changes.
	UpdateStatus(ctx context.Context, ownerID, id string, expected, next model.EventStatus, mutate Mutator) (model.Event, error)
	// UpdateClaim also requires the stored attempt count to equal attempt, so a
	// superseded delivery claim cannot overwrite the claim that replaced it.
	UpdateClaim(ctx context.Context, ownerID, id string, expected model.EventStatus, attempt int, next model.EventStatus, mutate Mutator) (model.Event, error)
	QueryByType(ctx context.Context, ownerID, eventType string, after *Key, limit int) ([]model.Event, *Key, error)
	QueryByStatus(ctx context.Context, ownerID string, status model.EventStatus, after *Key, limit int) ([]model.Event, *Key, error)
	// Delete is idempotent: removing an already removed event reports alreadyGone.
	Delete(ctx context.Context, ownerID, id string) (alreadyGone bool, err error)

	ScanStatus(ctx context.Context, status model.EventStatus, createdBefore time.Time, limit int) ([]model.Event, error)
	ReclaimExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// DeadLetterStore keeps audit copies of exhausted events.
type DeadLetterStore interface {
	PutDeadLetter(ctx context.Context, dl model.DeadLetter) error
	GetDeadLetter(ctx context.Context, ownerID, eventID string) (model.DeadLetter, error)
}

// Store is what the pipeline wires: events plus their dead letters.
type Store interface {
	EventStore
	DeadLetterStore
}

// applyUpdate validates a CAS against the current row and returns the new row.
func applyUpdate(cur model.Event, expected model.EventStatus, attempt int, next model.EventStatus, mutate Mutator) (model.Event, error) {
	if cur.Status != expected {
		return model.Event{}, ErrConflict
	}
	if attempt != AnyAttempt && cur.AttemptCount != attempt {
		return model.Event{}, ErrConflict
	}
	if !model.CanTransition(expected, next) {
		return model.Event{}, ErrInvalidTransition
	}
	upd := cur.Clone()
	if mutate != nil {
		mutate(&upd)
	}
	// identity and ordering are immutable
	upd.ID, upd.OwnerID, upd.CreatedAt, upd.ExpiresAt = cur.ID, cur.OwnerID, cur.CreatedAt, cur.ExpiresAt
	if upd.AttemptCount < cur.AttemptCount {
		upd.AttemptCount = cur.AttemptCount
	}
	upd.Status = next
	return upd, nil
}

func nextKey(events []model.Event, limit int) *Key {
	if limit <= 0 || len(events) < limit {
		return nil
	}
	k := KeyOf(events[len(events)-1])
	return &k
}
