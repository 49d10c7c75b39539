package cache

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/commerce/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("cache",
	fx.Provide(NewRedis),
	fx.Provide(NewCatalogCache),
)

// NewRedis builds the shared redis client. A missing address yields a nil
// client; callers treat that as "cache unavailable" and fall back to the
// database.
func NewRedis(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	log = log.Named("cache.redis")
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		log.Warn("redis address not configured; running without shared cache")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				log.Warn("redis unreachable at startup; continuing degraded", zap.String("addr", addr), zap.Error(err))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})

	return client
}
