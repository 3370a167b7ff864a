package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jmehdipour/event-gateway/internal/model"
	"github.com/sony/gobreaker"
)

// Dispatcher round-robins notifications over ready endpoints.
type Dispatcher struct {
	endpoints   []Endpoint
	counter     atomic.Uint64
	maxAttempts int
}

var _ Notifier = (*Dispatcher)(nil)

func NewDispatcher(endpoints []Endpoint, maxAttempts int) *Dispatcher {
	if maxAttempts < 1 {
		maxAttempts = len(endpoints)
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Dispatcher{endpoints: endpoints, maxAttempts: maxAttempts}
}

func (d *Dispatcher) selectEndpoint() (Endpoint, error) {
	healthy := make([]Endpoint, 0, len(d.endpoints))
	for _, e := range d.endpoints {
		if e.Ready() {
			healthy = append(healthy, e)
		}
	}
	if len(healthy) == 0 {
		return nil, ErrNoHealthy
	}
	x := d.counter.Add(1)
	return healthy[int((x-1)%uint64(len(healthy)))], nil
}

// Notify tries up to maxAttempts endpoints; the first acceptance wins.
func (d *Dispatcher) Notify(ctx context.Context, ev model.Event) error {
	var last error
	for i := 0; i < d.maxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		e, err := d.selectEndpoint()
		if err != nil {
			return err
		}
		err = e.Notify(ctx, ev)
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			last = fmt.Errorf("endpoint %s: %w", e.Name(), err)
			continue
		}
		last = err
	}
	if last == nil {
		last = errors.New("notify failed")
	}
	return last
}
