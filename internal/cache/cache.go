package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"profiler_api/profiler"
)

// ErrMiss is returned when a key is not cached.
var ErrMiss = errors.New("cache miss")

const keyPrefix = "profiler:result:"

// Cache keeps the latest result per tier and key in Redis.
type Cache struct {
	Client *redis.Client
	ttl    time.Duration
}

// New parses a redis:// URL and verifies the connection.
func New(ctx context.Context, url string, ttl time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Cache{Client: rdb, ttl: ttl}, nil
}

func (c *Cache) Close() error { return c.Client.Close() }

func resultKey(tier profiler.Tier, key profiler.Key) string {
	return keyPrefix + string(tier) + ":" + key.DeviceID + ":" + key.TimeKey
}

// PutResult stores result as JSON.
func (c *Cache) PutResult(ctx context.Context, tier profiler.Tier, key profiler.Key, result any) error {
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode cached result: %w", err)
	}
	return c.Client.Set(ctx, resultKey(tier, key), b, c.ttl).Err()
}

// GetResult returns the cached JSON document or ErrMiss.
func (c *Cache) GetResult(ctx context.Context, tier profiler.Tier, key profiler.Key) (json.RawMessage, error) {
	b, err := c.Client.Get(ctx, resultKey(tier, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}
