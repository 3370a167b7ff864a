package worker

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/event-gateway/internal/app"
	"github.com/jmehdipour/event-gateway/internal/logger"
	"github.com/jmehdipour/event-gateway/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Run delivery workers with the received sweep and expiry reaper",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		metrics.MustRegister(prometheus.DefaultRegisterer)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg, logger.Log)
		if err != nil {
			return err
		}
		defer a.Close()

		pool, err := a.DeliveryPool()
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return pool.Run(gctx) })
		g.Go(func() error { return a.RunOutcomes(gctx) })
		return g.Wait()
	},
}
