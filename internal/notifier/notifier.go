package notifier

import (
	"context"
	"errors"

	"github.com/jmehdipour/event-gateway/internal/model"
)

var ErrNoHealthy = errors.New("no healthy endpoints")

// Notifier delivers one event downstream. A nil error means the receiver accepted it.
type Notifier interface {
	Notify(ctx context.Context, ev model.Event) error
}

// Func adapts a plain function to Notifier.
type Func func(ctx context.Context, ev model.Event) error

func (f Func) Notify(ctx context.Context, ev model.Event) error { return f(ctx, ev) }

// Endpoint is one downstream receiver guarded by its own breaker.
type Endpoint interface {
	Notifier
	Name() string
	Ready() bool
}
