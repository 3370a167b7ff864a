package auth

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmehdipour/event-gateway/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

type countingKeys struct {
	*StaticKeys
	calls int
	err   error
}

func (c *countingKeys) GetByHash(ctx context.Context, h string) (*model.APIKey, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.StaticKeys.GetByHash(ctx, h)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, int) (LimitResult, error) {
	return LimitResult{}, errors.New("redis down")
}

func intp(v int) *int { return &v }

func testKeys() *StaticKeys {
	past := t0.Add(-time.Hour)
	return NewStaticKeys(map[string]model.APIKey{
		"good":    {ID: 1, OwnerID: "u1", Status: model.APIKeyActive},
		"tight":   {ID: 2, OwnerID: "u2", Status: model.APIKeyActive, RateLimitRPS: intp(2)},
		"revoked": {ID: 3, OwnerID: "u3", Status: model.APIKeyRevoked},
		"expired": {ID: 4, OwnerID: "u4", Status: model.APIKeyActive, ExpiresAt: &past},
	})
}

func TestAuthorizeResolvesOwner(t *testing.T) {
	a := NewKeyAuthorizer(testKeys(), nil, Options{Now: func() time.Time { return t0 }})

	d, err := a.Authorize(context.Background(), " good ")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "u1", d.OwnerID)
	assert.Equal(t, int64(1), d.KeyID)

	for _, cred := range []string{"", "nope", "revoked", "expired"} {
		_, err := a.Authorize(context.Background(), cred)
		assert.ErrorIs(t, err, ErrUnauthorized, cred)
	}
}

func TestAuthorizeCachesLookups(t *testing.T) {
	keys := &countingKeys{StaticKeys: testKeys()}
	a := NewKeyAuthorizer(keys, nil, Options{CacheTTL: time.Minute})

	for i := 0; i < 3; i++ {
		_, err := a.Authorize(context.Background(), "good")
		require.NoError(t, err)
		_, err = a.Authorize(context.Background(), "unknown")
		require.ErrorIs(t, err, ErrUnauthorized)
	}
	assert.Equal(t, 2, keys.calls)

	a.Invalidate(HashKey("good"))
	_, err := a.Authorize(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, 3, keys.calls)
}

func TestAuthorizeRepositoryError(t *testing.T) {
	keys := &countingKeys{StaticKeys: testKeys(), err: errors.New("db gone")}
	a := NewKeyAuthorizer(keys, nil, Options{})

	_, err := a.Authorize(context.Background(), "good")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnauthorized)
}

func TestAuthorizeRateLimit(t *testing.T) {
	now := t0.Add(250 * time.Millisecond)
	clock := func() time.Time { return now }
	a := NewKeyAuthorizer(testKeys(), NewMemoryLimiter(time.Second, clock), Options{DefaultRPS: 100, Now: clock})

	for i := 0; i < 2; i++ {
		d, err := a.Authorize(context.Background(), "tight")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 2, d.Limit)
	}
	d, err := a.Authorize(context.Background(), "tight")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "u2", d.OwnerID)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 750*time.Millisecond, d.RetryAfter)

	// default limit applies to keys without their own
	d, err = a.Authorize(context.Background(), "good")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 100, d.Limit)
	assert.Equal(t, 99, d.Remaining)

	// next window
	now = now.Add(time.Second)
	d, err = a.Authorize(context.Background(), "tight")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestAuthorizeFailsOpen(t *testing.T) {
	a := NewKeyAuthorizer(testKeys(), failingLimiter{}, Options{DefaultRPS: 1})

	for i := 0; i < 3; i++ {
		d, err := a.Authorize(context.Background(), "good")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	now := t0
	l := NewRedisLimiter(rdb, "", time.Second, func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, "7", 3)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2-i, res.Remaining)
	}
	res, err := l.Allow(ctx, "7", 3)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, time.Second, res.RetryAfter)

	// other keys have their own counters
	res, err = l.Allow(ctx, "8", 3)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	key := "rl:key:7:" + strconv.FormatInt(t0.Unix(), 10)
	assert.True(t, mr.Exists(key))
	assert.Equal(t, 2*time.Second, mr.TTL(key))

	now = now.Add(time.Second)
	res, err = l.Allow(ctx, "7", 3)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRedisLimiterUnavailable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()

	_, err := NewRedisLimiter(rdb, "", time.Second, nil).Allow(context.Background(), "1", 1)
	assert.Error(t, err)
}
