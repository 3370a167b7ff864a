package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmehdipour/event-gateway/internal/auth"
	"github.com/jmehdipour/event-gateway/internal/config"
	"github.com/jmehdipour/event-gateway/internal/db"
	"github.com/jmehdipour/event-gateway/internal/kafka"
	"github.com/jmehdipour/event-gateway/internal/model"
	"github.com/jmehdipour/event-gateway/internal/notifier"
	"github.com/jmehdipour/event-gateway/internal/outcome"
	"github.com/jmehdipour/event-gateway/internal/queue"
	"github.com/jmehdipour/event-gateway/internal/repository"
	"github.com/jmehdipour/event-gateway/internal/retry"
	"github.com/jmehdipour/event-gateway/internal/store"
	"github.com/jmehdipour/event-gateway/internal/worker"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// App holds the backends every command wires from the same config.
type App struct {
	Cfg config.Config
	Log *zap.Logger

	MySQL      *sqlx.DB      // nil with the memory store
	ClickHouse *sqlx.DB      // nil when outcomes.clickhouse is off
	Redis      *redis.Client // nil with the memory queue

	Store    store.Store
	Queue    queue.Queue
	Outcomes outcome.Sink
	Archiver *worker.DeadLetterArchiver

	chSink  *outcome.ClickHouseSink
	closers []func() error
}

func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	a := &App{Cfg: cfg, Log: log}
	if err := a.open(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) open(ctx context.Context) error {
	cfg := a.Cfg

	switch cfg.Store.Driver {
	case config.DriverMySQL:
		conn, err := db.OpenMySQL(ctx, cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		a.MySQL = conn
		a.closers = append(a.closers, conn.Close)
		a.Store = store.NewMySQLStore(conn, nil)
	default:
		a.Store = store.NewMemoryStore(nil)
	}

	sinks := outcome.Multi{outcome.LogSink{Log: a.Log.Named("outcome")}, outcome.MetricsSink{}}
	if cfg.Outcomes.ClickHouse {
		ch, err := db.OpenClickHouse(ctx, cfg.ClickHouse)
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		a.ClickHouse = ch
		a.closers = append(a.closers, ch.Close)
		a.chSink = outcome.NewClickHouseSink(ch, cfg.Outcomes.BatchSize, cfg.Outcomes.BatchWait, a.Log.Named("clickhouse"))
		sinks = append(sinks, a.chSink)
	}
	a.Outcomes = sinks
	a.Archiver = &worker.DeadLetterArchiver{Store: a.Store, Outcomes: a.Outcomes, Log: a.Log.Named("deadletter")}

	var dead queue.DeadLetterSink = a.Archiver
	if cfg.Kafka.Enabled {
		w := kafka.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.DeadLetterTopic)
		a.closers = append(a.closers, w.Close)
		dead = kafka.NewDeadLetterPublisher(w)
	}
	qopts := queue.Options{MaxReceive: cfg.Queue.MaxReceive, DeadLetters: dead, Logger: a.Log.Named("queue")}

	switch cfg.Queue.Driver {
	case config.DriverRedis:
		rdb, err := db.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		a.Redis = rdb
		a.closers = append(a.closers, rdb.Close)
		a.Queue = queue.NewRedisQueue(rdb, cfg.Queue.KeyPrefix, qopts)
	default:
		a.Queue = queue.NewMemoryQueue(qopts)
	}
	return nil
}

// RunOutcomes flushes the ClickHouse outcome batches until ctx is done.
func (a *App) RunOutcomes(ctx context.Context) error {
	if a.chSink == nil {
		<-ctx.Done()
		return nil
	}
	return a.chSink.Run(ctx)
}

func (a *App) Policy() retry.Policy {
	d := a.Cfg.Delivery
	return retry.Policy{
		MaxAttempts:       d.MaxAttempts,
		Schedule:          d.Schedule,
		Window:            d.Window,
		VisibilityTimeout: d.VisibilityTimeout,
		NotifyTimeout:     d.NotifyTimeout,
		OpAttempts:        d.OpAttempts,
		OpBaseDelay:       d.OpBaseDelay,
	}
}

func (a *App) Notifier() (notifier.Notifier, error) {
	var eps []notifier.Endpoint
	for _, ec := range a.Cfg.Notifier.Endpoints {
		if !ec.Enabled || strings.TrimSpace(ec.URL) == "" {
			continue
		}
		eps = append(eps, notifier.NewHTTPNotifier(
			ec.Name,
			ec.URL,
			ec.TimeoutMs,
			ec.Breaker.FailThreshold,
			ec.Breaker.OpenForMs,
			a.Log.Named("notifier"),
		))
	}
	if len(eps) == 0 {
		return nil, errors.New("no notifier endpoints enabled in config")
	}
	return notifier.NewDispatcher(eps, len(eps)), nil
}

// DeliveryPool wires coordinator workers, sweeper and reaper.
func (a *App) DeliveryPool() (*worker.DeliveryPool, error) {
	n, err := a.Notifier()
	if err != nil {
		return nil, err
	}
	p := a.Policy()
	d := a.Cfg.Delivery
	coord := retry.NewCoordinator(retry.Deps{
		Store:    a.Store,
		Queue:    a.Queue,
		Notifier: n,
		Outcomes: a.Outcomes,
		Log:      a.Log.Named("coordinator"),
	}, p)

	return &worker.DeliveryPool{
		Queue:         a.Queue,
		Handler:       coord,
		Sweeper:       &retry.Sweeper{Store: a.Store, Queue: a.Queue, Grace: d.SweepGrace, Batch: d.SweepBatch, Log: a.Log.Named("sweeper")},
		Reaper:        &retry.Reaper{Store: a.Store, Batch: d.ReapBatch},
		Log:           a.Log.Named("delivery"),
		Workers:       d.WorkerCount,
		BatchSize:     d.BatchSize,
		IdleDelay:     d.IdleDelay,
		Visibility:    coord.Policy().VisibilityTimeout,
		SweepInterval: d.SweepInterval,
		ReapInterval:  d.ReapInterval,
	}, nil
}

// Authorizer uses the api_keys table with MySQL and the demo keys otherwise.
func (a *App) Authorizer() auth.Authorizer {
	var keys repository.APIKeysRepository
	if a.MySQL != nil {
		keys = repository.NewAPIKeysRepository(a.MySQL)
	} else {
		keys = auth.NewStaticKeys(DemoKeys(time.Now().UTC()))
	}

	var limiter auth.Limiter
	if a.Redis != nil {
		limiter = auth.NewRedisLimiter(a.Redis, "rl:key:", a.Cfg.RateLimit.Window, nil)
	} else {
		limiter = auth.NewMemoryLimiter(a.Cfg.RateLimit.Window, nil)
	}

	return auth.NewKeyAuthorizer(keys, limiter, auth.Options{
		CacheSize:  a.Cfg.Auth.CacheSize,
		CacheTTL:   a.Cfg.Auth.CacheTTL,
		DefaultRPS: a.Cfg.RateLimit.RPS,
		Log:        a.Log.Named("auth"),
	})
}

// Ready pings every configured backend.
func (a *App) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var errs []error
	if a.MySQL != nil {
		if err := a.MySQL.PingContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mysql: %w", err))
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close releases backends in reverse open order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Log.Warn("close backend", zap.Error(err))
		}
	}
	a.closers = nil
}

// DemoKeys are the development credentials, keyed by raw key.
func DemoKeys(now time.Time) map[string]model.APIKey {
	rps := func(v int) *int { return &v }
	keys := map[string]model.APIKey{
		"11111111111111111111111111111111": {ID: 1, OwnerID: "acme", Name: "Acme Corp", Status: model.APIKeyActive, RateLimitRPS: rps(20)},
		"22222222222222222222222222222222": {ID: 2, OwnerID: "foobar", Name: "Foobar LLC", Status: model.APIKeyActive, RateLimitRPS: rps(50)},
		"33333333333333333333333333333333": {ID: 3, OwnerID: "beta", Name: "Beta Testers", Status: model.APIKeyActive, RateLimitRPS: rps(5)},
		"44444444444444444444444444444444": {ID: 4, OwnerID: "revoked", Name: "Revoked Inc", Status: model.APIKeyRevoked},
	}
	for raw, k := range keys {
		k.KeyHash = auth.HashKey(raw)
		k.CreatedAt = now
		k.UpdatedAt = now
		keys[raw] = k
	}
	return keys
}
