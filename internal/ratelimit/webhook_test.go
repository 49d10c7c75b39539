package ratelimit

import (
	"context"
	"testing"

	"github.com/smallbiznis/commerce/internal/config"
	"github.com/smallbiznis/commerce/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWebhookLimiterDisabled(t *testing.T) {
	client, _ := testutil.NewRedis(t)

	l := NewWebhookLimiter(Params{Config: config.Config{}, Redis: client, Log: zap.NewNop()})
	assert.Nil(t, l)
	assert.True(t, l.Allow(context.Background(), "steam").Allowed)

	l = NewWebhookLimiter(Params{
		Config: config.Config{RateLimit: config.RateLimitConfig{Enabled: true, WebhookRate: 1, WebhookBurst: 1}},
		Log:    zap.NewNop(),
	})
	assert.Nil(t, l)
}

func TestWebhookLimiterExhaustsBurstPerProvider(t *testing.T) {
	client, _ := testutil.NewRedis(t)
	l := NewWebhookLimiter(Params{
		Config: config.Config{RateLimit: config.RateLimitConfig{Enabled: true, WebhookRate: 0.01, WebhookBurst: 2}},
		Redis:  client,
		Log:    zap.NewNop(),
	})
	require.NotNil(t, l)
	ctx := context.Background()

	assert.True(t, l.Allow(ctx, "steam").Allowed)
	assert.True(t, l.Allow(ctx, "steam").Allowed)
	denied := l.Allow(ctx, "steam")
	assert.False(t, denied.Allowed)
	assert.Positive(t, denied.RetryAfter)

	assert.True(t, l.Allow(ctx, "Stripe").Allowed)
}

func TestWebhookLimiterFailsOpen(t *testing.T) {
	client, srv := testutil.NewRedis(t)
	l := NewWebhookLimiter(Params{
		Config: config.Config{RateLimit: config.RateLimitConfig{Enabled: true, WebhookRate: 1, WebhookBurst: 1}},
		Redis:  client,
		Log:    zap.NewNop(),
	})
	srv.Close()

	assert.True(t, l.Allow(context.Background(), "steam").Allowed)
}
