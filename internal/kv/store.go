// Package kv wraps the shared key-value store (Redis) used by the rate
// limiter, exact cache, and judge recorder. A single Store is constructed
// at startup and injected into every KV-backed component, mirroring how
// the Python source passes one Redis client into RateLimiter, CacheService,
// and QualityRecorder alike.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Config holds connection parameters for the shared KV store.
type Config struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	SocketTimeout time.Duration `yaml:"socket_timeout"`
}

// DefaultConfig returns sane local defaults.
func DefaultConfig() Config {
	return Config{
		Host:          "localhost",
		Port:          6379,
		SocketTimeout: 5 * time.Second,
	}
}

// Store is a thin wrapper around a pooled go-redis client. Methods return
// (value, false, nil) on miss and a non-nil error only for genuine
// transport/KV failures, so callers can distinguish "not found" from
// "store unavailable" and swallow only the latter.
type Store struct {
	client *redis.Client
	logger *logrus.Logger
}

// New creates a Store against the given config. It does not block on
// connectivity; callers that need an up-front reachability check should
// call Ping.
func New(cfg Config, logger *logrus.Logger) *Store {
	if cfg.Host == "" {
		cfg = DefaultConfig()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.SocketTimeout,
		ReadTimeout:  cfg.SocketTimeout,
		WriteTimeout: cfg.SocketTimeout,
	})
	return &Store{client: client, logger: logger}
}

// NewFromClient wraps an existing *redis.Client, used by tests to inject a
// miniredis-backed client.
func NewFromClient(client *redis.Client, logger *logrus.Logger) *Store {
	return &Store{client: client, logger: logger}
}

// Client exposes the underlying go-redis client for components that need
// operations this wrapper doesn't surface (sorted sets, pipelines).
func (s *Store) Client() *redis.Client {
	return s.client
}

// Ping reports whether the KV store is reachable, along with the observed
// round-trip latency. Used by the /health endpoint.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	err := s.client.Ping(ctx).Err()
	return time.Since(start), err
}

// Get returns the stored string value and true, or ("", false, nil) on a
// clean miss. A non-nil error indicates a KV-layer failure.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set stores value under key with the given TTL (0 = no expiry).
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Delete removes a key; a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// Incr increments an integer counter key, creating it at 1 if absent.
func (s *Store) Incr(ctx context.Context, key string) error {
	return s.client.Incr(ctx, key).Err()
}

// FlushKeyspace deletes every key matching a glob pattern, used by the
// POST /metrics/reset admin endpoint to flush the cache keyspace.
func (s *Store) FlushKeyspace(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}
