package ratelimit

import (
	"context"
	"strings"

	"github.com/smallbiznis/commerce/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyWebhookProvider = "ratelimit:webhook:"

type Params struct {
	fx.In

	Config config.Config
	Redis  *redis.Client `optional:"true"`
	Log    *zap.Logger
}

// WebhookLimiter caps webhook deliveries per provider so a provider retry
// storm cannot starve the grant and refund paths of database connections.
type WebhookLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
	log    *zap.Logger
}

// NewWebhookLimiter returns nil when limiting is disabled or redis is absent.
func NewWebhookLimiter(p Params) *WebhookLimiter {
	cfg := p.Config.RateLimit
	log := p.Log.Named("ratelimit")
	if !cfg.Enabled {
		return nil
	}
	if p.Redis == nil || cfg.WebhookRate <= 0 || cfg.WebhookBurst <= 0 {
		log.Warn("webhook rate limit enabled without redis or limits; disabled")
		return nil
	}
	return &WebhookLimiter{
		bucket: NewTokenBucket(p.Redis),
		rate:   cfg.WebhookRate,
		burst:  cfg.WebhookBurst,
		log:    log,
	}
}

// Allow reports whether provider may deliver another webhook. Redis
// failures let the delivery through.
func (l *WebhookLimiter) Allow(ctx context.Context, provider string) *Result {
	if l == nil {
		return &Result{Allowed: true}
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	res, err := l.bucket.Allow(ctx, keyWebhookProvider+provider, l.rate, l.burst)
	if err != nil {
		l.log.Warn("rate limiter unavailable; allowing webhook",
			zap.String("provider", provider),
			zap.Error(err),
		)
		return &Result{Allowed: true, Limit: l.burst}
	}
	return res
}
