// Package cache implements the query response cache on Redis. Keys are
// content hashes computed by the query pipeline; this package only adds a
// namespace prefix and TTL handling.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Config holds the configuration for a Redis cache.
type Config struct {
	// Addr is the Redis host:port.
	Addr string

	// Password authenticates the connection. Optional.
	Password string

	// DB selects the Redis logical database.
	DB int

	// KeyPrefix namespaces every key. Defaults to "ragpipe:query:".
	KeyPrefix string

	// TTL is used when Set is called with a zero ttl. Defaults to 1h.
	TTL time.Duration
}

// Redis is a rag.Cache backed by Redis.
type Redis struct {
	// client is the shared Redis connection pool.
	client *goredis.Client

	// cfg holds the resolved configuration.
	cfg *Config
}

// NewRedis dials a client from cfg.Addr and wraps it.
func NewRedis(cfg *Config) (*Redis, error) {
	if cfg == nil || cfg.Addr == "" {
		return nil, fmt.Errorf("cache: redis addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisWithClient(client, cfg), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *goredis.Client, cfg *Config) *Redis {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "ragpipe:query:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &Redis{client: client, cfg: cfg}
}

// Get returns the cached value for key. A miss is (nil, false, nil).
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, r.cfg.KeyPrefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get: %w", err)
	}
	return data, true, nil
}

// Set stores value under key. A zero ttl uses the configured default.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.cfg.TTL
	}
	if err := r.client.Set(ctx, r.cfg.KeyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set: %w", err)
	}
	return nil
}

// Clear deletes every key under the prefix and returns how many were removed.
func (r *Redis) Clear(ctx context.Context) (int, error) {
	iter := r.client.Scan(ctx, 0, r.cfg.KeyPrefix+"*", 0).Iterator()
	deleted := 0
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return deleted, fmt.Errorf("cache: clear %s: %w", iter.Val(), err)
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("cache: clear scan: %w", err)
	}
	return deleted, nil
}

// Ping checks the Redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache: ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Noop is a rag.Cache that never stores anything.
type Noop struct{}

// Get always misses.
func (Noop) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }

// Set discards the value.
func (Noop) Set(context.Context, string, []byte, time.Duration) error { return nil }
