package cachestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend over a Redis client, following the same
// pipelined-write, key-prefix-helper shape as pkg/session's Redis backend.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend wraps an existing Redis client.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := b.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cachestore: redis set %s: %w", key, err)
	}
	return nil
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := b.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("cachestore: redis get %s: %w", key, err)
	}
	return data, nil
}

func (b *RedisBackend) Del(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cachestore: redis del %s: %w", key, err)
	}
	return nil
}

func (b *RedisBackend) AddToShard(ctx context.Context, shard string, member string) error {
	if err := b.client.SAdd(ctx, shard, member).Err(); err != nil {
		return fmt.Errorf("cachestore: redis sadd %s: %w", shard, err)
	}
	return nil
}

func (b *RedisBackend) ShardMembers(ctx context.Context, shard string) ([]string, error) {
	members, err := b.client.SMembers(ctx, shard).Result()
	if err != nil {
		return nil, fmt.Errorf("cachestore: redis smembers %s: %w", shard, err)
	}
	return members, nil
}

func (b *RedisBackend) RemoveFromShard(ctx context.Context, shard string, member string) error {
	if err := b.client.SRem(ctx, shard, member).Err(); err != nil {
		return fmt.Errorf("cachestore: redis srem %s: %w", shard, err)
	}
	return nil
}
