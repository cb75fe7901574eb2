// Package cache is the typed wrapper over Redis used for counters, result
// caching, rate limits and short-lived locks.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sentinel/fraud-engine/configs"
)

// ErrCacheMiss is returned by Get when the key is absent.
var ErrCacheMiss = errors.New("cache miss")

// Client wraps a Redis connection with JSON marshalling and the counter
// primitives the velocity tracker and rate limiter rely on.
type Client struct {
	rdb *redis.Client
}

// New connects to Redis and verifies the connection.
func New(cfg configs.RedisConfig) (*Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opt.PoolSize = cfg.PoolSize
	}

	rdb := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info().Msg("Redis cache client initialized")
	return &Client{rdb: rdb}, nil
}

// NewFromClient wraps an existing Redis client (used by tests with redismock).
func NewFromClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Set stores a JSON-encoded value with a TTL.
func (c *Client) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, data, expiration).Err()
}

// Get unmarshals a JSON value into dest. Returns ErrCacheMiss when absent.
func (c *Client) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return err
	}
	return json.Unmarshal(data, dest)
}

// Delete removes keys.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

// Exists checks if a key exists.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// IncrWithTTL atomically increments a counter, setting the TTL only when the
// key has none yet. This is the lazy-window primitive: the first increment
// after expiry re-arms the window.
func (c *Client) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// IncrByFloatWithTTL is IncrWithTTL for float sums (window amount totals).
func (c *Client) IncrByFloatWithTTL(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	pipe := c.rdb.TxPipeline()
	incr := pipe.IncrByFloat(ctx, key, delta)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// GetInt64 reads an integer counter, treating an absent key as zero.
func (c *Client) GetInt64(ctx context.Context, key string) (int64, error) {
	v, err := c.rdb.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return v, nil
}

// GetFloat64 reads a float counter, treating an absent key as zero.
func (c *Client) GetFloat64(ctx context.Context, key string) (float64, error) {
	v, err := c.rdb.Get(ctx, key).Float64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return v, nil
}

// MGetInt64 reads several integer counters in one round trip; absent keys
// read as zero.
func (c *Client) MGetInt64(ctx context.Context, keys ...string) ([]int64, error) {
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(vals))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			var n int64
			if _, err := fmt.Sscanf(s, "%d", &n); err == nil {
				out[i] = n
			}
		}
	}
	return out, nil
}

// SetNX sets a value only if the key does not exist (short-lived locks).
func (c *Client) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	return c.rdb.SetNX(ctx, key, data, expiration).Result()
}

// HIncrBy increments a hash field (daily analytics aggregates).
func (c *Client) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	return c.rdb.HIncrBy(ctx, key, field, incr).Result()
}

// Expire sets a TTL on an existing key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

// HGetAll reads a whole hash.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

// HealthCheck pings Redis.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}
