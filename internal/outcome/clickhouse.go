package outcome

import (
	"context"
	"time"

	"github.com/jmehdipour/event-gateway/internal/metrics"
	"github.com/jmehdipour/event-gateway/internal/model"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// ClickHouseSink buffers outcomes and writes them to evgw.delivery_outcomes in
// size- or time-bounded batches. Record drops outcomes when the buffer is full.
type ClickHouseSink struct {
	ch        *sqlx.DB
	in        chan model.Outcome
	batchSize int
	batchWait time.Duration
	log       *zap.Logger
}

func NewClickHouseSink(ch *sqlx.DB, batchSize int, batchWait time.Duration, log *zap.Logger) *ClickHouseSink {
	if batchSize <= 0 {
		batchSize = 200
	}
	if batchWait <= 0 {
		batchWait = 300 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ClickHouseSink{
		ch:        ch,
		in:        make(chan model.Outcome, batchSize*4),
		batchSize: batchSize,
		batchWait: batchWait,
		log:       log,
	}
}

func (s *ClickHouseSink) Record(_ context.Context, o model.Outcome) {
	select {
	case s.in <- o:
	default:
		s.log.Warn("outcome buffer full, dropping", zap.String("event_id", o.EventID))
	}
}

// Run flushes batches until ctx is cancelled, then drains what is buffered.
func (s *ClickHouseSink) Run(ctx context.Context) error {
	tick := time.NewTicker(s.batchWait)
	defer tick.Stop()

	batch := make([]model.Outcome, 0, s.batchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := s.write(ctx, batch); err != nil {
			metrics.OutcomeFlushes.WithLabelValues("error").Inc()
			s.log.Error("outcome flush failed", zap.Int("rows", len(batch)), zap.Error(err))
		} else {
			metrics.OutcomeFlushes.WithLabelValues("ok").Inc()
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case o := <-s.in:
					batch = append(batch, o)
				default:
					drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					flush(drainCtx)
					cancel()
					return nil
				}
			}
		case o := <-s.in:
			batch = append(batch, o)
			if len(batch) >= s.batchSize {
				flush(ctx)
			}
		case <-tick.C:
			flush(ctx)
		}
	}
}

func (s *ClickHouseSink) write(ctx context.Context, rows []model.Outcome) error {
	tx, err := s.ch.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO evgw.delivery_outcomes
		    (event_id, owner_id, type, attempt, result, error, latency_ms, at)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, o := range rows {
		if _, err := stmt.ExecContext(ctx,
			o.EventID, o.OwnerID, o.Type, uint32(o.Attempt), o.Result.String(), o.Error, uint32(o.LatencyMs), o.At,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}
