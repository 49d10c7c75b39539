package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/commerce/internal/config"
	"github.com/smallbiznis/commerce/internal/observability/metrics"
	"github.com/smallbiznis/commerce/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	keyPrefix        = "idempotency:"
	defaultTTL       = 24 * time.Hour
	defaultLocalSize = 10000
	cacheTimeout     = 500 * time.Millisecond
)

var (
	ErrInvalidKey = errors.New("invalid_idempotency_key")
	// ErrKeyReused means the key already resolved to a result for different
	// arguments. Callers compare the resolved value with their request.
	ErrKeyReused = errors.New("idempotency_key_reused")
)

var Module = fx.Module("idempotency",
	fx.Provide(NewCoordinator),
)

// Source tells the caller where a resolved result came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceDurable  Source = "durable"
	SourceComputed Source = "computed"
)

// Ops are the two ways a result can be produced. Lookup reads committed state
// and returns nil when nothing exists for the key yet.
type Ops[T any] struct {
	Lookup  func(ctx context.Context) (*T, error)
	Compute func(ctx context.Context) (*T, error)
}

type Outcome[T any] struct {
	Value  *T
	Source Source
}

type Params struct {
	fx.In

	Config  config.Config
	Policy  *config.PolicyHolder `optional:"true"`
	Redis   *redis.Client        `optional:"true"`
	Log     *zap.Logger
	Metrics *metrics.Metrics `optional:"true"`
}

// Coordinator maps idempotency keys to results. The caches are advisory:
// every miss falls through to Lookup so expiry or an unreachable redis never
// produces a second effect.
type Coordinator struct {
	redis   *redis.Client
	local   *expirable.LRU[string, []byte]
	group   singleflight.Group
	policy  *config.PolicyHolder
	ttl     time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewCoordinator(p Params) *Coordinator {
	ttl := p.Config.Idempotency.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	size := p.Config.Idempotency.LocalSize
	if size <= 0 {
		size = defaultLocalSize
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}

	return &Coordinator{
		redis:   p.Redis,
		local:   expirable.NewLRU[string, []byte](size, nil, ttl),
		policy:  p.Policy,
		ttl:     ttl,
		log:     log.Named("idempotency.coordinator"),
		metrics: p.Metrics,
	}
}

// Resolve returns the result bound to key, computing it at most once.
// Concurrent callers in this process share one resolution; callers in other
// processes race on the durable store and fall back to Lookup on conflict.
func Resolve[T any](ctx context.Context, c *Coordinator, key string, ops Ops[T]) (Outcome[T], error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Outcome[T]{}, ErrInvalidKey
	}
	if ops.Compute == nil {
		return Outcome[T]{}, errors.New("idempotency compute is required")
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		return resolve(context.WithoutCancel(ctx), c, key, ops)
	})
	if err != nil {
		return Outcome[T]{}, err
	}
	out, ok := v.(Outcome[T])
	if !ok {
		return Outcome[T]{}, fmt.Errorf("idempotency key %q resolved to %T", key, v)
	}
	return out, nil
}

func resolve[T any](ctx context.Context, c *Coordinator, key string, ops Ops[T]) (Outcome[T], error) {
	if raw, ok := c.load(ctx, key); ok {
		var value T
		err := json.Unmarshal(raw, &value)
		if err == nil {
			return finish(ctx, c, &value, SourceCache), nil
		}
		c.log.Warn("discarding undecodable cached result", zap.String("key", key), zap.Error(err))
	}

	found, err := lookup(ctx, ops)
	if err != nil {
		return Outcome[T]{}, err
	}
	if found != nil {
		return finish(ctx, c, storeValue(ctx, c, key, found), SourceDurable), nil
	}

	computed, err := ops.Compute(ctx)
	if err != nil {
		if !IsConflict(err) {
			return Outcome[T]{}, err
		}
		// Another writer committed first; its row is the answer.
		winner, lookupErr := lookup(ctx, ops)
		if lookupErr != nil {
			return Outcome[T]{}, lookupErr
		}
		if winner == nil {
			return Outcome[T]{}, err
		}
		c.log.Info("idempotent conflict resolved from durable state", zap.String("key", key))
		return finish(ctx, c, storeValue(ctx, c, key, winner), SourceDurable), nil
	}
	if computed == nil {
		return Outcome[T]{}, fmt.Errorf("idempotency compute for %q returned no result", key)
	}

	stored := storeValue(ctx, c, key, computed)
	if stored != computed {
		return finish(ctx, c, stored, SourceCache), nil
	}
	return finish(ctx, c, computed, SourceComputed), nil
}

// IsConflict reports whether err means the effect was already committed by
// someone else.
func IsConflict(err error) bool {
	return db.IsDuplicateKeyErr(err) || errors.Is(err, db.ErrRetryable)
}

func lookup[T any](ctx context.Context, ops Ops[T]) (*T, error) {
	if ops.Lookup == nil {
		return nil, nil
	}
	return ops.Lookup(ctx)
}

func finish[T any](ctx context.Context, c *Coordinator, value *T, source Source) Outcome[T] {
	c.metrics.RecordIdempotencyResolution(ctx, string(source))
	return Outcome[T]{Value: value, Source: source}
}

// storeValue caches value and returns whichever result won the key. When
// another writer stored first its value is returned instead.
func storeValue[T any](ctx context.Context, c *Coordinator, key string, value *T) *T {
	raw, err := json.Marshal(value)
	if err != nil {
		c.log.Warn("result not cacheable", zap.String("key", key), zap.Error(err))
		return value
	}

	winner := c.store(ctx, key, raw)
	if string(winner) == string(raw) {
		return value
	}
	var existing T
	if err := json.Unmarshal(winner, &existing); err != nil {
		c.log.Warn("discarding undecodable cached result", zap.String("key", key), zap.Error(err))
		c.local.Add(key, raw)
		return value
	}
	return &existing
}

func (c *Coordinator) load(ctx context.Context, key string) ([]byte, bool) {
	if raw, ok := c.local.Get(key); ok {
		return raw, true
	}
	if c.redis == nil {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(ctx, cacheTimeout)
	defer cancel()

	raw, err := c.redis.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("idempotency cache unavailable; using durable lookup", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	c.local.Add(key, raw)
	return raw, true
}

// store writes raw with SETNX and returns the value that owns the key.
func (c *Coordinator) store(ctx context.Context, key string, raw []byte) []byte {
	winner := raw
	if c.redis != nil {
		ctx, cancel := context.WithTimeout(ctx, cacheTimeout)
		defer cancel()

		set, err := c.redis.SetNX(ctx, keyPrefix+key, raw, c.currentTTL()).Result()
		switch {
		case err != nil:
			c.log.Warn("failed to cache idempotent result", zap.String("key", key), zap.Error(err))
		case !set:
			existing, err := c.redis.Get(ctx, keyPrefix+key).Bytes()
			if err == nil {
				winner = existing
			}
		}
	}
	c.local.Add(key, winner)
	return winner
}

func (c *Coordinator) currentTTL() time.Duration {
	if c.policy != nil {
		if ttl := c.policy.Get().IdempotencyTTL; ttl > 0 {
			return ttl
		}
	}
	return c.ttl
}
