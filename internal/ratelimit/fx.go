package ratelimit

import (
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/smallbiznis/trailmarket/internal/config"
)

var Module = fx.Module("rate.limit",
	fx.Provide(
		provideRedisClient,
		NewTokenBucket,
		NewLocker,
		NewCheckoutLimiter,
	),
)

func provideRedisClient(cfg *config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
}
