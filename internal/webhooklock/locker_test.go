package webhooklock

import (
	"context"
	"errors"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/commerce/internal/config"
	"github.com/smallbiznis/commerce/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newLocker(client *redis.Client) *Locker {
	return NewLocker(Params{
		Config: config.Config{WebhookLock: config.WebhookLockConfig{TTL: time.Minute}},
		Redis:  client,
		Log:    zap.NewNop(),
	})
}

func TestWithLockRunsAndReleases(t *testing.T) {
	client, srv := testutil.NewRedis(t)
	l := newLocker(client)

	var sawKey bool
	ran, err := l.WithLock(context.Background(), "evt-1", 0, func(context.Context) error {
		sawKey = srv.Exists("webhook_lock:evt-1")
		assert.Equal(t, time.Minute, srv.TTL("webhook_lock:evt-1"))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.True(t, sawKey)
	assert.False(t, srv.Exists("webhook_lock:evt-1"))
}

func TestWithLockSkipsWhenHeld(t *testing.T) {
	client, _ := testutil.NewRedis(t)
	l := newLocker(client)
	ctx := context.Background()

	var inner bool
	ran, err := l.WithLock(ctx, "evt-1", 0, func(ctx context.Context) error {
		nested, err := l.WithLock(ctx, "evt-1", 0, func(context.Context) error {
			inner = true
			return nil
		})
		assert.False(t, nested)
		return err
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, inner)
}

func TestWithLockReleasesOnError(t *testing.T) {
	client, srv := testutil.NewRedis(t)
	l := newLocker(client)
	boom := errors.New("boom")

	ran, err := l.WithLock(context.Background(), "evt-2", time.Second, func(context.Context) error {
		return boom
	})
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)
	assert.False(t, srv.Exists("webhook_lock:evt-2"))
}

func TestWithLockExpiresAfterCrash(t *testing.T) {
	client, srv := testutil.NewRedis(t)
	l := newLocker(client)
	require.NoError(t, srv.Set("webhook_lock:evt-3", "stale-token"))
	srv.SetTTL("webhook_lock:evt-3", 30*time.Second)

	ran, err := l.WithLock(context.Background(), "evt-3", 0, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.False(t, ran)

	srv.FastForward(31 * time.Second)
	ran, err = l.WithLock(context.Background(), "evt-3", 0, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestWithLockDegradesWithoutRedis(t *testing.T) {
	client, srv := testutil.NewRedis(t)
	srv.Close()

	for _, l := range []*Locker{newLocker(nil), newLocker(client)} {
		calls := 0
		ran, err := l.WithLock(context.Background(), "evt-4", 0, func(context.Context) error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.True(t, ran)
		assert.Equal(t, 1, calls)
	}
}

func TestWithLockRejectsEmptyEventID(t *testing.T) {
	_, err := newLocker(nil).WithLock(context.Background(), " ", 0, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidEventID)
}

func TestTTLFollowsPolicy(t *testing.T) {
	l := NewLocker(Params{
		Policy: config.StaticPolicy(config.Policy{WebhookLockTTL: 5 * time.Second}),
		Log:    zap.NewNop(),
	})
	assert.Equal(t, 5*time.Second, l.TTL())
}
