package worker

import (
	"context"
	"errors"
	"time"

	"github.com/jmehdipour/event-gateway/internal/metrics"
	"github.com/jmehdipour/event-gateway/internal/model"
	"github.com/jmehdipour/event-gateway/internal/queue"
	"github.com/jmehdipour/event-gateway/internal/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler decides what to do with one received message.
type Handler interface {
	Handle(ctx context.Context, msg queue.Message) (model.OutcomeResult, error)
}

// DeliveryPool:
// - polls the queue from N goroutines,
// - hands every message to the coordinator,
// - runs the sweeper and reaper on their own tickers,
// - retries dead letters the sink refused, when the queue keeps them,
// - samples the queue depth when the queue can report it.
type DeliveryPool struct {
	// Dependencies
	Queue   queue.Queue
	Handler Handler
	Sweeper *retry.Sweeper // optional
	Reaper  *retry.Reaper  // optional
	Log     *zap.Logger

	// Behavior
	Workers       int
	BatchSize     int
	IdleDelay     time.Duration
	Visibility    time.Duration
	SweepInterval time.Duration
	ReapInterval  time.Duration
	DepthInterval time.Duration
	FlushInterval time.Duration
}

func (p *DeliveryPool) defaults() {
	if p.Workers <= 0 {
		p.Workers = 16
	}
	if p.BatchSize <= 0 {
		p.BatchSize = 10
	}
	if p.IdleDelay <= 0 {
		p.IdleDelay = 500 * time.Millisecond
	}
	if p.Visibility <= 0 {
		p.Visibility = 30 * time.Second
	}
	if p.SweepInterval <= 0 {
		p.SweepInterval = 30 * time.Second
	}
	if p.ReapInterval <= 0 {
		p.ReapInterval = 5 * time.Minute
	}
	if p.DepthInterval <= 0 {
		p.DepthInterval = 15 * time.Second
	}
	if p.FlushInterval <= 0 {
		p.FlushInterval = 30 * time.Second
	}
	if p.Log == nil {
		p.Log = zap.NewNop()
	}
}

// Run blocks until ctx is cancelled. In-flight messages finish before it returns.
func (p *DeliveryPool) Run(ctx context.Context) error {
	if p.Queue == nil || p.Handler == nil {
		return errors.New("delivery: queue and handler are required")
	}
	p.defaults()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.Workers; i++ {
		id := i
		g.Go(func() error {
			p.RunWorker(gctx, id)
			return nil
		})
	}
	if p.Sweeper != nil {
		g.Go(func() error {
			p.every(gctx, p.SweepInterval, "sweep", p.Sweeper.SweepOnce)
			return nil
		})
	}
	if p.Reaper != nil {
		g.Go(func() error {
			p.every(gctx, p.ReapInterval, "reap", p.Reaper.ReapOnce)
			return nil
		})
	}

	if f, ok := p.Queue.(queue.DeadLetterFlusher); ok {
		g.Go(func() error {
			p.every(gctx, p.FlushInterval, "dead-letter flush", f.FlushDeadLetters)
			return nil
		})
	}
	if d, ok := p.Queue.(queue.Depther); ok {
		g.Go(func() error {
			p.every(gctx, p.DepthInterval, "depth", func(ctx context.Context) (int, error) {
				return 0, ReportDepth(ctx, d)
			})
			return nil
		})
	}

	p.Log.Info("delivery pool started",
		zap.Int("workers", p.Workers),
		zap.Int("batch_size", p.BatchSize),
		zap.Duration("visibility", p.Visibility))
	return g.Wait()
}

// RunWorker polls until ctx is done, sleeping IdleDelay when the queue is empty.
func (p *DeliveryPool) RunWorker(ctx context.Context, id int) {
	for ctx.Err() == nil {
		n, err := p.PollOnce(ctx)
		if err != nil && ctx.Err() == nil {
			p.Log.Warn("dequeue failed", zap.Int("worker", id), zap.Error(err))
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.IdleDelay):
		}
	}
}

// PollOnce receives one batch and handles it. It returns how many messages
// were received.
func (p *DeliveryPool) PollOnce(ctx context.Context) (int, error) {
	msgs, err := p.Queue.Dequeue(ctx, p.BatchSize, p.Visibility)
	if err != nil {
		return 0, err
	}
	for _, m := range msgs {
		// a message already received stays hidden until its visibility lapses,
		// so shutdown does not need to finish the batch
		if ctx.Err() != nil {
			break
		}
		res, err := p.Handler.Handle(ctx, m)
		if err != nil {
			if ctx.Err() == nil {
				p.Log.Warn("handle failed",
					zap.String("event_id", m.Ref.EventID),
					zap.Int("receive_count", m.ReceiveCount),
					zap.Error(err))
			}
			continue
		}
		if res != "" {
			p.Log.Debug("handled",
				zap.String("event_id", m.Ref.EventID),
				zap.String("result", res.String()))
		}
	}
	return len(msgs), nil
}

func (p *DeliveryPool) every(ctx context.Context, d time.Duration, name string, fn func(context.Context) (int, error)) {
	tick := time.NewTicker(d)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			n, err := fn(ctx)
			if err != nil && ctx.Err() == nil {
				p.Log.Warn(name+" failed", zap.Error(err))
				continue
			}
			if n > 0 {
				p.Log.Info(name, zap.Int("count", n))
			}
		}
	}
}

// ReportDepth copies the queue size into the depth gauge.
func ReportDepth(ctx context.Context, d queue.Depther) error {
	live, dead, err := d.Depth(ctx)
	if err != nil {
		return err
	}
	metrics.QueueDepth.WithLabelValues("live").Set(float64(live))
	metrics.QueueDepth.WithLabelValues("dead").Set(float64(dead))
	return nil
}
