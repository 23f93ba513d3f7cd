package cmd

import (
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/cadenzahq/cadenza/pkg/dispatch"
	"github.com/cadenzahq/cadenza/pkg/models"
)

// NewDispatchRegistry wires a dispatcher per messaging channel. Until real
// provider integrations land, every channel is served by the log dispatcher.
func NewDispatchRegistry(logger *slog.Logger) *dispatch.Registry {
	registry := dispatch.NewRegistry(logger)

	registry.Register(dispatch.NewLogDispatcher(logger, models.ChannelEmail))
	registry.Register(dispatch.NewLogDispatcher(logger, models.ChannelSMS))
	registry.Register(dispatch.NewLogDispatcher(logger, models.ChannelWhatsApp))

	return registry
}

// NewRedisClient creates a Redis client for variant assignment caching.
// An empty URL disables the cache.
func NewRedisClient(redisURL string) *redis.Client {
	if redisURL == "" {
		return nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		panic(fmt.Errorf("failed to parse REDIS_URL: %w", err))
	}

	return redis.NewClient(opts)
}
