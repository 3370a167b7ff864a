package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jmehdipour/event-gateway/internal/metrics"
	"github.com/jmehdipour/event-gateway/internal/model"
	"github.com/jmehdipour/event-gateway/internal/repository"
	"go.uber.org/zap"
)

var ErrUnauthorized = errors.New("unauthorized")

// Decision is the outcome of authorizing one request. OwnerID is set even
// when the request was rate limited.
type Decision struct {
	OwnerID    string
	KeyID      int64
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type Authorizer interface {
	// Authorize resolves a raw credential. ErrUnauthorized means the
	// credential is unknown, revoked or expired.
	Authorize(ctx context.Context, credential string) (Decision, error)
}

// HashKey is the form api keys are stored in.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// cachedKey also remembers misses so unknown credentials do not hit MySQL
// on every request.
type cachedKey struct {
	key   model.APIKey
	found bool
}

type KeyAuthorizer struct {
	keys       repository.APIKeysRepository
	cache      *expirable.LRU[string, cachedKey]
	limiter    Limiter
	defaultRPS int
	now        func() time.Time
	log        *zap.Logger
}

type Options struct {
	CacheSize  int
	CacheTTL   time.Duration
	DefaultRPS int
	Now        func() time.Time
	Log        *zap.Logger
}

func NewKeyAuthorizer(keys repository.APIKeysRepository, limiter Limiter, opts Options) *KeyAuthorizer {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 10000
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &KeyAuthorizer{
		keys:       keys,
		cache:      expirable.NewLRU[string, cachedKey](opts.CacheSize, nil, opts.CacheTTL),
		limiter:    limiter,
		defaultRPS: opts.DefaultRPS,
		now:        opts.Now,
		log:        opts.Log,
	}
}

func (a *KeyAuthorizer) Authorize(ctx context.Context, credential string) (Decision, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		metrics.AuthDecisions.WithLabelValues("unauthorized").Inc()
		return Decision{}, ErrUnauthorized
	}

	k, err := a.lookup(ctx, HashKey(credential))
	if err != nil {
		return Decision{}, err
	}
	if k == nil || !k.Usable(a.now()) {
		metrics.AuthDecisions.WithLabelValues("unauthorized").Inc()
		return Decision{}, ErrUnauthorized
	}

	d := Decision{OwnerID: k.OwnerID, KeyID: k.ID, Allowed: true}
	d.Limit = a.defaultRPS
	if k.RateLimitRPS != nil && *k.RateLimitRPS > 0 {
		d.Limit = *k.RateLimitRPS
	}
	if a.limiter == nil || d.Limit <= 0 {
		metrics.AuthDecisions.WithLabelValues("allowed").Inc()
		return d, nil
	}

	res, err := a.limiter.Allow(ctx, strconv.FormatInt(k.ID, 10), d.Limit)
	if err != nil {
		// limiter backend down: let traffic through
		a.log.Warn("rate limiter unavailable", zap.Int64("key_id", k.ID), zap.Error(err))
		metrics.AuthDecisions.WithLabelValues("error").Inc()
		return d, nil
	}
	d.Allowed = res.Allowed
	d.Remaining = res.Remaining
	d.RetryAfter = res.RetryAfter
	if !d.Allowed {
		metrics.AuthDecisions.WithLabelValues("rate_limited").Inc()
	} else {
		metrics.AuthDecisions.WithLabelValues("allowed").Inc()
	}
	return d, nil
}

func (a *KeyAuthorizer) lookup(ctx context.Context, hash string) (*model.APIKey, error) {
	if c, ok := a.cache.Get(hash); ok {
		if !c.found {
			return nil, nil
		}
		k := c.key
		return &k, nil
	}
	k, err := a.keys.GetByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if k == nil {
		a.cache.Add(hash, cachedKey{})
		return nil, nil
	}
	a.cache.Add(hash, cachedKey{key: *k, found: true})
	return k, nil
}

// Invalidate drops a cached credential, e.g. after revocation.
func (a *KeyAuthorizer) Invalidate(keyHash string) {
	a.cache.Remove(keyHash)
}

// StaticKeys is an in-process key table for the memory driver and tests.
type StaticKeys struct {
	mu   sync.RWMutex
	keys map[string]model.APIKey
}

// NewStaticKeys indexes keys by the hash of their raw credential.
func NewStaticKeys(raw map[string]model.APIKey) *StaticKeys {
	s := &StaticKeys{keys: make(map[string]model.APIKey, len(raw))}
	for cred, k := range raw {
		k.KeyHash = HashKey(cred)
		s.keys[k.KeyHash] = k
	}
	return s
}

func (s *StaticKeys) GetByHash(_ context.Context, keyHash string) (*model.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[keyHash]
	if !ok {
		return nil, nil
	}
	return &k, nil
}

func (s *StaticKeys) Upsert(_ context.Context, k model.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[k.KeyHash] = k
	return nil
}

var _ repository.APIKeysRepository = (*StaticKeys)(nil)
