package bootstrap

import (
	"context"

	"github.com/Brownie44l1/action-api/internal/cache"
	"github.com/Brownie44l1/action-api/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.uber.org/fx"
)

// ProvideCache returns a Redis-backed prediction cache, or a no-op one when
// no Redis address is configured.
func ProvideCache(lc fx.Lifecycle, cfg *config.Config, logger zerolog.Logger) cache.Store {
	if cfg.Cache.RedisAddr == "" {
		logger.Info().Msg("prediction cache disabled")
		return cache.Noop{}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Cache.RedisAddr,
		Password: cfg.Cache.RedisPassword,
		DB:       cfg.Cache.RedisDB,
	})
	store := cache.NewRedisStore(client, cfg.Cache.TTL)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := store.Ping(ctx); err != nil {
				logger.Warn().Err(err).Str("addr", cfg.Cache.RedisAddr).Msg("redis unreachable, predictions will not be cached")
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return store
}

var CacheModule = fx.Options(
	fx.Provide(ProvideCache),
)
