package cooldown

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRedisPrefix is the key prefix for cooldown flags in Redis.
	DefaultRedisPrefix = "genforge:cooldown:"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379" or "redis://:password@host:6379/0")
	URL string

	// Prefix is the key prefix for cooldown flags (defaults to "genforge:cooldown:")
	Prefix string

	// TTL is how long a provider stays marked (defaults to DefaultTTL)
	TTL time.Duration
}

// RedisTracker implements Tracker using Redis so cooldown state is shared
// across instances behind a load balancer.
type RedisTracker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisTracker creates a Redis-backed cooldown tracker.
func NewRedisTracker(cfg RedisConfig) (*RedisTracker, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	slog.Info("redis cooldown tracker connected", "prefix", prefix, "ttl", ttl)

	return &RedisTracker{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}, nil
}

// Mark flags a provider as cooling down; Redis expires the flag itself.
func (t *RedisTracker) Mark(ctx context.Context, provider string) error {
	return t.client.Set(ctx, t.prefix+provider, "1", t.ttl).Err()
}

// Cooling reports whether a provider is currently cooling down. Redis
// errors are treated as "not cooling" so routing never blocks on the cache.
func (t *RedisTracker) Cooling(ctx context.Context, provider string) bool {
	n, err := t.client.Exists(ctx, t.prefix+provider).Result()
	if err != nil {
		slog.Warn("cooldown lookup failed, assuming not cooling", "provider", provider, "error", err)
		return false
	}
	return n > 0
}

// Close releases the Redis connection.
func (t *RedisTracker) Close() error {
	return t.client.Close()
}
