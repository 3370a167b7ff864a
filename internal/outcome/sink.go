package outcome

import (
	"context"
	"sync"

	"github.com/jmehdipour/event-gateway/internal/metrics"
	"github.com/jmehdipour/event-gateway/internal/model"
	"go.uber.org/zap"
)

// Sink receives delivery decisions. Record never blocks the delivery path on
// its own failures.
type Sink interface {
	Record(ctx context.Context, o model.Outcome)
}

type Nop struct{}

func (Nop) Record(context.Context, model.Outcome) {}

type Multi []Sink

func (m Multi) Record(ctx context.Context, o model.Outcome) {
	for _, s := range m {
		s.Record(ctx, o)
	}
}

type LogSink struct {
	Log *zap.Logger
}

func (s LogSink) Record(_ context.Context, o model.Outcome) {
	fields := []zap.Field{
		zap.String("event_id", o.EventID),
		zap.String("owner_id", o.OwnerID),
		zap.String("result", o.Result.String()),
		zap.Int("attempt", o.Attempt),
		zap.Int64("latency_ms", o.LatencyMs),
	}
	if o.Error != "" {
		fields = append(fields, zap.String("error", o.Error))
	}
	switch o.Result {
	case model.OutcomeExhausted, model.OutcomeDeadLettered:
		s.Log.Warn("delivery outcome", fields...)
	default:
		s.Log.Info("delivery outcome", fields...)
	}
}

type MetricsSink struct{}

func (MetricsSink) Record(_ context.Context, o model.Outcome) {
	metrics.DeliveryOutcomes.WithLabelValues(o.Result.String()).Inc()
	if o.LatencyMs > 0 {
		metrics.NotifyLatency.WithLabelValues(o.Result.String()).Observe(float64(o.LatencyMs) / 1000)
	}
}

// Recorder keeps outcomes in memory so they can be read back.
type Recorder struct {
	mu       sync.Mutex
	outcomes []model.Outcome
}

func (r *Recorder) Record(_ context.Context, o model.Outcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
}

func (r *Recorder) All() []model.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Outcome(nil), r.outcomes...)
}

// Results lists recorded results for one event, oldest first.
func (r *Recorder) Results(eventID string) []model.OutcomeResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.OutcomeResult
	for _, o := range r.outcomes {
		if o.EventID == eventID {
			out = append(out, o.Result)
		}
	}
	return out
}
