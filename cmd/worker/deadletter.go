package worker

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/event-gateway/internal/app"
	"github.com/jmehdipour/event-gateway/internal/kafka"
	"github.com/jmehdipour/event-gateway/internal/logger"
	"github.com/jmehdipour/event-gateway/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var deadLetterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "Archive queue dead letters from Kafka",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if !cfg.Kafka.Enabled {
			return errors.New("kafka.enabled is false: dead letters are archived in-process")
		}
		metrics.MustRegister(prometheus.DefaultRegisterer)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg, logger.Log)
		if err != nil {
			return err
		}
		defer a.Close()

		groupID := cfg.Kafka.GroupID
		if groupID == "" {
			groupID = "evgw-deadletter"
		}
		consumer := kafka.NewConsumer(kafka.Config{
			Brokers:        cfg.Kafka.Brokers,
			Topic:          cfg.Kafka.DeadLetterTopic,
			GroupID:        groupID,
			MinBytes:       cfg.Kafka.MinBytes,
			MaxBytes:       cfg.Kafka.MaxBytes,
			CommitInterval: time.Duration(cfg.Kafka.CommitInterval) * time.Millisecond,
		})
		defer consumer.Close()

		logger.Log.Info("dead-letter archiver started",
			zap.String("topic", cfg.Kafka.DeadLetterTopic),
			zap.String("group", groupID))

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return a.Archiver.Run(gctx, consumer) })
		g.Go(func() error { return a.RunOutcomes(gctx) })
		return g.Wait()
	},
}
