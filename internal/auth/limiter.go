package auth

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type LimitResult struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter counts requests per key in fixed windows.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int) (LimitResult, error)
}

func windowResult(count int64, limit int, now time.Time, window time.Duration) LimitResult {
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	res := LimitResult{Allowed: count <= int64(limit), Remaining: remaining}
	if !res.Allowed {
		res.RetryAfter = window - time.Duration(now.UnixNano()%int64(window))
	}
	return res
}

// RedisLimiter is shared by every API replica.
type RedisLimiter struct {
	rdb    *redis.Client
	prefix string
	window time.Duration
	now    func() time.Time
}

func NewRedisLimiter(rdb *redis.Client, prefix string, window time.Duration, now func() time.Time) *RedisLimiter {
	if window <= 0 {
		window = time.Second
	}
	if prefix == "" {
		prefix = "rl:key:"
	}
	if now == nil {
		now = time.Now
	}
	return &RedisLimiter{rdb: rdb, prefix: prefix, window: window, now: now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) (LimitResult, error) {
	now := l.now()
	// fixed-window key: rl:key:{id}:{window_index}
	bucket := now.UnixNano() / int64(l.window)
	k := l.prefix + key + ":" + strconv.FormatInt(bucket, 10)

	// INCR and set expiry 2*window
	pipe := l.rdb.Pipeline()
	cnt := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, l.window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return LimitResult{}, err
	}
	return windowResult(cnt.Val(), limit, now, l.window), nil
}

// MemoryLimiter is a single-process limiter.
type MemoryLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	buckets map[string]memBucket
}

type memBucket struct {
	index int64
	count int64
}

func NewMemoryLimiter(window time.Duration, now func() time.Time) *MemoryLimiter {
	if window <= 0 {
		window = time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{window: window, now: now, buckets: make(map[string]memBucket)}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int) (LimitResult, error) {
	now := l.now()
	idx := now.UnixNano() / int64(l.window)

	l.mu.Lock()
	b := l.buckets[key]
	if b.index != idx {
		b = memBucket{index: idx}
	}
	b.count++
	l.buckets[key] = b
	l.mu.Unlock()

	return windowResult(b.count, limit, now, l.window), nil
}
