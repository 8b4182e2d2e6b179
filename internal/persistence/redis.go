package persistence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-lifecycle/internal/config"
)

// Redis holds the optional client behind the chat gate cache.
type Redis struct {
	client *redis.Client
}

// NewRedis builds the gate cache client. The cache is best effort: a disabled
// or unreachable Redis never fails startup.
func NewRedis(cfg config.RedisConfig, logger *zap.Logger) *Redis {
	logger = logger.With(zap.String("component", "redis"))
	if !cfg.Enabled || cfg.Addr == "" {
		logger.Info("chat gate cache disabled")
		return &Redis{}
	}
	client := redis.NewClient(redisOptions(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("chat gate cache unreachable; lookups fall through to the store",
			zap.String("addr", cfg.Addr), zap.Error(err))
	} else {
		logger.Info("chat gate cache connected", zap.String("addr", cfg.Addr), zap.Duration("ttl", cfg.CacheTTL))
	}
	return &Redis{client: client}
}

// redisOptions keeps cache round trips short so the gate degrades to the store quickly.
func redisOptions(cfg config.RedisConfig) *redis.Options {
	return &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	}
}

func (r *Redis) Close() {
	if c := r.Handle(); c != nil {
		_ = c.Close()
	}
}

// Handle returns the client, nil when the cache is disabled.
func (r *Redis) Handle() *redis.Client {
	if r == nil {
		return nil
	}
	return r.client
}

// Ping backs the readiness probe.
func (r *Redis) Ping(ctx context.Context) error {
	c := r.Handle()
	if c == nil {
		return ErrNotConfigured
	}
	return c.Ping(ctx).Err()
}
