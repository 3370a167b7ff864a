package cmd

import (
	"context"
	"fmt"

	"github.com/jmehdipour/event-gateway/internal/db"
	"github.com/jmehdipour/event-gateway/internal/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply embedded MySQL and ClickHouse migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		mysqlDB, err := db.OpenMySQL(ctx, cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer mysqlDB.Close()

		n, err := db.Migrate(ctx, mysqlDB, db.MySQLMigrations)
		if err != nil {
			return fmt.Errorf("mysql migrate: %w", err)
		}
		logger.Log.Info("mysql migrated", zap.Int("statements", n))

		if !cfg.Outcomes.ClickHouse {
			return nil
		}
		chDB, err := db.OpenClickHouse(ctx, cfg.ClickHouse)
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		defer chDB.Close()

		n, err = db.Migrate(ctx, chDB, db.ClickHouseMigrations)
		if err != nil {
			return fmt.Errorf("clickhouse migrate: %w", err)
		}
		logger.Log.Info("clickhouse migrated", zap.Int("statements", n))
		return nil
	},
}
