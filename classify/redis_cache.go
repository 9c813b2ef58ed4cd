package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/blopit/SwarmDirector-sub000/core"
)

const redisKeyPrefix = "swarm:classify:"

// RedisCache is the Redis-backed cache backend, for deployments where
// multiple instances should share classification results. Expiry is
// delegated to Redis TTLs.
type RedisCache struct {
	client *redis.Client
	maxAge time.Duration
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(url string, maxAge time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &RedisCache{client: client, maxAge: maxAge}, nil
}

func (c *RedisCache) Get(ctx context.Context, hash string) (*core.ClassificationEntry, bool, error) {
	data, err := c.client.Get(ctx, redisKeyPrefix+hash).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var entry core.ClassificationEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		// Unreadable entry: drop it instead of failing the lookup.
		c.client.Del(ctx, redisKeyPrefix+hash)
		return nil, false, nil
	}

	entry.HitCount++
	if updated, err := json.Marshal(&entry); err == nil {
		c.client.Set(ctx, redisKeyPrefix+hash, updated, redis.KeepTTL)
	}
	return &entry, true, nil
}

func (c *RedisCache) Set(ctx context.Context, entry *core.ClassificationEntry) error {
	stored := *entry
	if prev, ok, err := c.rawGet(ctx, entry.TextHash); err == nil && ok {
		stored.HitCount = prev.HitCount
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, redisKeyPrefix+entry.TextHash, data, c.maxAge).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context, hash string) error {
	return c.client.Del(ctx, redisKeyPrefix+hash).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) rawGet(ctx context.Context, hash string) (*core.ClassificationEntry, bool, error) {
	data, err := c.client.Get(ctx, redisKeyPrefix+hash).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var entry core.ClassificationEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, nil
	}
	return &entry, true, nil
}
