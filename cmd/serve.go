package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/event-gateway/internal/app"
	httpSrv "github.com/jmehdipour/event-gateway/internal/http"
	"github.com/jmehdipour/event-gateway/internal/logger"
	"github.com/jmehdipour/event-gateway/internal/repository"
	"github.com/jmehdipour/event-gateway/internal/service/events"
	"github.com/jmehdipour/event-gateway/internal/service/inbox"
	"github.com/jmehdipour/event-gateway/internal/service/ingest"
	"github.com/jmehdipour/event-gateway/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run HTTP API (and delivery workers when delivery.embedded is set)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := logger.Log

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		deps := httpSrv.Deps{
			Ingest: ingest.NewService(a.Store, a.Queue, ingest.Config{
				MaxPayloadBytes: cfg.Ingest.MaxPayloadBytes,
				MaxTypeLength:   cfg.Ingest.MaxTypeLength,
				Retention:       cfg.Store.Retention,
				OpAttempts:      cfg.Delivery.OpAttempts,
				OpBaseDelay:     cfg.Delivery.OpBaseDelay,
			}, nil, log.Named("ingest")),
			Inbox:      inbox.NewService(a.Store, inbox.NewCursorCodec(cfg.Inbox.CursorSecret), cfg.Inbox.DefaultLimit, cfg.Inbox.MaxLimit),
			Events:     events.NewService(a.Store, nil, log.Named("events")),
			Authorizer: a.Authorizer(),
			Ready:      a.Ready,
			Log:        log.Named("http"),
		}
		if a.ClickHouse != nil {
			deps.Reports = repository.NewCHOutcomesRepository(a.ClickHouse)
		}
		server := httpSrv.NewServer(cfg.HTTP, deps)

		var pool *worker.DeliveryPool
		if cfg.Delivery.Embedded {
			if pool, err = a.DeliveryPool(); err != nil {
				return err
			}
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := server.Start(cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			log.Info("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg.HTTP.ShutdownTimeout))
			defer cancel()
			return server.Shutdown(sctx)
		})
		g.Go(func() error { return a.RunOutcomes(gctx) })

		if pool != nil {
			g.Go(func() error { return pool.Run(gctx) })
		}

		log.Info("serve started",
			zap.String("addr", cfg.HTTP.Addr),
			zap.String("store", cfg.Store.Driver),
			zap.String("queue", cfg.Queue.Driver),
			zap.Bool("embedded_delivery", cfg.Delivery.Embedded))
		return g.Wait()
	},
}

func shutdownTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 5 * time.Second
	}
	return d
}
