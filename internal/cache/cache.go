// Package cache provides the byte caches placed in front of the SQL store
// backend. Entries expire after a TTL; a miss is reported with ErrCacheMiss.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Cache defines the interface for all cache backends
type Cache interface {
	// Get retrieves a value, returning an ErrCacheMiss when absent or expired
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores a value; a zero ttl uses the backend default
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes a value
	Delete(ctx context.Context, key string) error
	// Clear removes every value owned by the cache
	Clear(ctx context.Context) error
	Close() error
}

// Config holds common configuration for cache backends
type Config struct {
	// Backend is one of "none", "memory" or "redis"
	Backend string
	// DefaultTTL is the default time-to-live for cached items
	DefaultTTL time.Duration
	// Prefix is prepended to all cache keys
	Prefix string
	// RedisAddr is the Redis server address (host:port)
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// DefaultConfig returns a default cache configuration
func DefaultConfig() Config {
	return Config{
		Backend:    "none",
		DefaultTTL: 5 * time.Minute,
		Prefix:     "normalizer:",
		RedisAddr:  "localhost:6379",
	}
}

// New creates the cache selected by config.Backend. It returns nil for "none".
func New(config Config) (Cache, error) {
	switch config.Backend {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemoryCache(config), nil
	case "redis":
		return NewRedisCache(config)
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", config.Backend)
	}
}

// ErrCacheMiss is returned when a key is not found in the cache
type ErrCacheMiss struct {
	Key string
}

func (e ErrCacheMiss) Error() string {
	return "cache miss: " + e.Key
}

// IsCacheMiss checks if an error is a cache miss
func IsCacheMiss(err error) bool {
	var miss ErrCacheMiss
	return errors.As(err, &miss)
}

// GetJSON reads a JSON value into dst. Numbers decode as json.Number.
func GetJSON(ctx context.Context, c Cache, key string, dst any) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("failed to decode cached value %s: %w", key, err)
	}
	return nil
}

// SetJSON stores value encoded as JSON
func SetJSON(ctx context.Context, c Cache, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value %s: %w", key, err)
	}
	return c.Set(ctx, key, data, ttl)
}
