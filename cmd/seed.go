package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/event-gateway/internal/app"
	"github.com/jmehdipour/event-gateway/internal/db"
	"github.com/jmehdipour/event-gateway/internal/logger"
	"github.com/jmehdipour/event-gateway/internal/repository"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Upsert the demo API keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		sqlDB, err := db.OpenMySQL(ctx, cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		keys := repository.NewAPIKeysRepository(sqlDB)
		for raw, k := range app.DemoKeys(time.Now().UTC()) {
			if err := keys.Upsert(ctx, k); err != nil {
				return fmt.Errorf("upsert key %q: %w", k.Name, err)
			}
			// dev credentials only
			logger.Log.Info("seeded api key",
				zap.String("owner_id", k.OwnerID),
				zap.String("status", k.Status),
				zap.String("key", raw))
		}
		return nil
	},
}
