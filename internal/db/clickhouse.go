package db

import (
	"context"
	"errors"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmehdipour/event-gateway/internal/config"
	"github.com/jmoiron/sqlx"
)

// OpenClickHouse opens the outcome analytics database through the
// clickhouse-go database/sql driver, e.g.
// clickhouse://default:@localhost:9000/evgw?dial_timeout=5s&compress=true
func OpenClickHouse(ctx context.Context, c config.DatabaseConfig) (*sqlx.DB, error) {
	if c.DSN == "" {
		return nil, errors.New("empty ClickHouse DSN")
	}
	return open(ctx, "clickhouse", c, 3*time.Second)
}
