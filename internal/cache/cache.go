// Package cache holds precomputed analysis results (flake reports, coverage reports)
// so repeated reads do not rescan execution history.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"qarunner/internal/logger"
)

const keyPrefix = "qarunner:"

// Cache stores JSON values with a TTL.
type Cache interface {
	// GetJSON decodes the cached value into out. It reports false on a miss.
	GetJSON(ctx context.Context, key string, out any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// Key joins parts into a namespaced cache key.
func Key(parts ...string) string {
	return keyPrefix + strings.Join(parts, ":")
}

// redisClient is the subset of *redis.Client the cache uses.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// RedisCache is a Cache backed by Redis.
type RedisCache struct {
	rdb redisClient
	log *logger.Logger
}

// NewRedis connects to addr and pings it.
func NewRedis(ctx context.Context, addr string, log *logger.Logger) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisCache{rdb: rdb, log: log.With("component", "cache")}, nil
}

func (c *RedisCache) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		// A value we cannot decode is treated as a miss and dropped.
		c.log.Warn("dropping undecodable cache entry", "key", key, "error", err)
		_ = c.rdb.Del(ctx, key).Err()
		return false, nil
	}
	return true, nil
}

func (c *RedisCache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling cache value: %w", err)
	}
	if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

func (c *RedisCache) Close() error {
	return c.rdb.Close()
}

// Nop is a Cache that never hits. Used when no Redis address is configured.
type Nop struct{}

func (Nop) GetJSON(context.Context, string, any) (bool, error)        { return false, nil }
func (Nop) SetJSON(context.Context, string, any, time.Duration) error { return nil }
func (Nop) Delete(context.Context, ...string) error                   { return nil }
func (Nop) Close() error                                              { return nil }
