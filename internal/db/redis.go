package db

import (
	"context"
	"time"

	"github.com/jmehdipour/event-gateway/internal/config"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects the queue / rate limiter client and pings it.
func NewRedisClient(ctx context.Context, c config.RedisConfig) (*redis.Client, error) {
	dial := c.DialTimeout
	if dial <= 0 {
		dial = 5 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        c.Addr,
		Password:    c.Password,
		DB:          c.DB,
		DialTimeout: dial,
	})
	pctx, cancel := context.WithTimeout(ctx, dial)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}
