package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/hszk-dev/vidrelay/internal/domain/model"
)

const (
	// DefaultRedisIndexKey is the Redis hash holding all index records.
	DefaultRedisIndexKey = "vidrelay:index"
)

// RedisIndex implements Index using a single Redis hash, one field per cache key.
// Several relay processes sharing one cache directory can share it.
type RedisIndex struct {
	client  *redis.Client
	hashKey string
}

// Compile-time verification that RedisIndex implements Index.
var _ Index = (*RedisIndex)(nil)

// NewRedisIndex creates a new Redis-backed metadata index.
// An empty hashKey selects DefaultRedisIndexKey.
func NewRedisIndex(client *redis.Client, hashKey string) *RedisIndex {
	if hashKey == "" {
		hashKey = DefaultRedisIndexKey
	}
	return &RedisIndex{
		client:  client,
		hashKey: hashKey,
	}
}

// Get retrieves a record from the Redis hash.
// Returns nil, nil when the key is not indexed.
func (r *RedisIndex) Get(ctx context.Context, key string) (*model.CacheEntry, error) {
	data, err := r.client.HGet(ctx, r.hashKey, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // Not indexed
		}
		return nil, fmt.Errorf("redis hget: %w", err)
	}

	entry, err := r.deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptRecord, key, err)
	}

	return &entry, nil
}

// Set stores a record in the Redis hash.
func (r *RedisIndex) Set(ctx context.Context, entry model.CacheEntry) error {
	data, err := json.Marshal(toJSON(entry))
	if err != nil {
		return fmt.Errorf("serialize record: %w", err)
	}

	if err := r.client.HSet(ctx, r.hashKey, entry.Key(), data).Err(); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}

	return nil
}

// Delete removes a record from the Redis hash.
func (r *RedisIndex) Delete(ctx context.Context, key string) error {
	if err := r.client.HDel(ctx, r.hashKey, key).Err(); err != nil {
		return fmt.Errorf("redis hdel: %w", err)
	}

	return nil
}

// All returns every decodable record. Undecodable fields are skipped and logged.
func (r *RedisIndex) All(ctx context.Context) ([]model.CacheEntry, error) {
	fields, err := r.client.HGetAll(ctx, r.hashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}

	entries := make([]model.CacheEntry, 0, len(fields))
	for key, data := range fields {
		entry, err := r.deserialize([]byte(data))
		if err != nil {
			slog.Warn("skipping undecodable index record",
				"key", key,
				"error", err,
			)
			continue
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// Ping verifies the Redis connection is alive.
func (r *RedisIndex) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

// deserialize converts JSON bytes to a CacheEntry.
func (r *RedisIndex) deserialize(data []byte) (model.CacheEntry, error) {
	var v entryJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return model.CacheEntry{}, err
	}
	return fromJSON(v)
}
