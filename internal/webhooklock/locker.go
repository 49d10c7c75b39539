package webhooklock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/commerce/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	keyPrefix      = "webhook_lock:"
	defaultTTL     = 60 * time.Second
	releaseTimeout = 2 * time.Second
)

var ErrInvalidEventID = errors.New("invalid_event_id")

var Module = fx.Module("webhooklock",
	fx.Provide(NewLocker),
)

type Params struct {
	fx.In

	Config config.Config
	Policy *config.PolicyHolder `optional:"true"`
	Redis  *redis.Client        `optional:"true"`
	Log    *zap.Logger
}

// Locker admits at most one worker per external event id. Holders that crash
// lose the lock when the TTL lapses.
type Locker struct {
	client *redislock.Client
	policy *config.PolicyHolder
	ttl    time.Duration
	log    *zap.Logger
}

func NewLocker(p Params) *Locker {
	ttl := p.Config.WebhookLock.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}

	l := &Locker{policy: p.Policy, ttl: ttl, log: log.Named("webhooklock")}
	if p.Redis != nil {
		l.client = redislock.New(p.Redis)
	}
	return l
}

// TTL is the lock lifetime currently in force.
func (l *Locker) TTL() time.Duration {
	if l.policy != nil {
		if ttl := l.policy.Get().WebhookLockTTL; ttl > 0 {
			return ttl
		}
	}
	return l.ttl
}

// WithLock runs fn only when the lock for eventID is obtained and reports
// whether it ran. A zero ttl uses the configured default. When redis cannot
// be reached fn runs unlocked; the operations behind it are idempotent.
func (l *Locker) WithLock(ctx context.Context, eventID string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return false, ErrInvalidEventID
	}
	if ttl <= 0 {
		ttl = l.TTL()
	}
	log := l.log.With(zap.String("event_id", eventID))

	if l.client == nil {
		log.Debug("webhook lock disabled; running unlocked")
		return true, fn(ctx)
	}

	lock, err := l.client.Obtain(ctx, keyPrefix+eventID, ttl, nil)
	switch {
	case errors.Is(err, redislock.ErrNotObtained):
		log.Info("duplicate event; lock held by another worker")
		return false, nil
	case err != nil:
		log.Warn("webhook lock unavailable; running unlocked", zap.Error(err))
		return true, fn(ctx)
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			log.Warn("failed to release webhook lock", zap.Error(err))
		}
	}()

	return true, fn(ctx)
}
