package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jmehdipour/event-gateway/internal/queue"
	"github.com/jmehdipour/event-gateway/internal/store"
)

// ErrExhausted marks outcomes of events that ran out of attempts.
var ErrExhausted = errors.New("delivery attempts exhausted")

// Permanent reports errors that a retry cannot fix.
func Permanent(err error) bool {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrAlreadyExists),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, queue.ErrReceiptInvalid),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// Do runs fn up to attempts times with exponential backoff and full jitter.
// A nil rng uses the shared math/rand source.
func Do(ctx context.Context, attempts int, base time.Duration, rng *rand.Rand, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil || Permanent(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(base<<i, rng)):
		}
	}
	return err
}

func jitter(d time.Duration, rng *rand.Rand) time.Duration {
	if d <= 0 {
		return 0
	}
	if rng == nil {
		return time.Duration(rand.Int63n(int64(d) + 1))
	}
	return time.Duration(rng.Int63n(int64(d) + 1))
}
