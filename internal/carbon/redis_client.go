package carbon

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisConfig configures the optional Redis mirror tier (spec.md §4.3's
// "optional mirror for cross-instance sharing"). Adapted from the
// teacher's caches/redis.Config, trimmed to the connection shapes this
// mirror actually needs — no cluster/sentinel support, since the mirror is
// a best-effort convenience, not a coordination primitive.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	Namespace    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// DefaultRedisConfig returns sensible connection defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Namespace:    "carbonproxy",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	}
}

// NewRedisClient dials Redis and verifies connectivity with a bounded
// ping, returning a client ready to back a RedisMirror.
func NewRedisClient(cfg RedisConfig) (goredis.UniversalClient, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("carbon: redis ping failed: %w", err)
	}
	return client, nil
}
