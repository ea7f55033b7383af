// Package redis provides a Redis-backed implementation of the store.KV
// contract. Values carry their own lifecycle metadata alongside the Redis
// TTL so reads can enforce expiry even when a backend clock drifts.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/statemesh/statemesh/store"
)

// Config contains configuration options for the Redis store.
type Config struct {
	// Client is the Redis client instance. Required.
	Client redis.UniversalClient

	// KeyPrefix is prepended to all Redis keys.
	// Default: "statemesh:".
	KeyPrefix string
}

// KV implements store.KV on Redis.
type KV struct {
	client    redis.UniversalClient
	keyPrefix string
}

// New creates a Redis-backed store.
func New(cfg Config) (*KV, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "statemesh:"
	}
	return &KV{client: cfg.Client, keyPrefix: prefix}, nil
}

func (kv *KV) Get(ctx context.Context, ns store.Namespace, key string) (*store.Item, error) {
	redisKey := kv.buildKey(ns, key)

	val, err := kv.client.Get(ctx, redisKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("get %s: %w", redisKey, err)
	}

	var item store.Item
	if err := json.Unmarshal([]byte(val), &item); err != nil {
		return nil, fmt.Errorf("unmarshal stored item %s: %w", redisKey, err)
	}

	if item.IsExpired() {
		_ = kv.client.Del(context.WithoutCancel(ctx), redisKey).Err()
		return nil, nil
	}
	return &item, nil
}

func (kv *KV) Put(ctx context.Context, ns store.Namespace, key string, data []byte, ttl time.Duration) error {
	redisKey := kv.buildKey(ns, key)

	now := time.Now()
	item := store.Item{
		Data:      data,
		CreatedAt: now,
	}
	var redisTTL time.Duration
	if ttl > 0 {
		expiresAt := now.Add(ttl)
		item.ExpiresAt = &expiresAt
		redisTTL = ttl
	}

	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal stored item: %w", err)
	}
	if err := kv.client.Set(ctx, redisKey, payload, redisTTL).Err(); err != nil {
		return fmt.Errorf("set %s: %w", redisKey, err)
	}
	return nil
}

func (kv *KV) Delete(ctx context.Context, ns store.Namespace, key string) error {
	redisKey := kv.buildKey(ns, key)
	if err := kv.client.Del(ctx, redisKey).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", redisKey, err)
	}
	return nil
}

func (kv *KV) List(ctx context.Context, ns store.Namespace, prefix string) ([]string, error) {
	pattern := kv.buildKey(ns, prefix) + "*"
	nsPrefix := kv.buildKey(ns, "")

	var keys []string
	var cursor uint64
	for {
		batch, next, err := kv.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		for _, k := range batch {
			keys = append(keys, k[len(nsPrefix):])
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

func (kv *KV) Close() error {
	return kv.client.Close()
}

func (kv *KV) buildKey(ns store.Namespace, key string) string {
	return kv.keyPrefix + string(ns) + ":" + key
}

var _ store.KV = (*KV)(nil)
