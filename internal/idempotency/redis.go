package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the shared idempotency backend for multi-instance
// deployments, per spec.md §5 ("multi-instance deployments share only the
// idempotency store and audit log"). Grounded on the teacher's
// pkg/kernel/limiter_redis.go, which uses go-redis/v9 for exactly this
// kind of small atomic shared-state operation.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore constructs a RedisStore from a redis:// URL.
func NewRedisStore(url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("idempotency: parse redis url: %w", err)
	}
	if prefix == "" {
		prefix = "twinops:idempotency:"
	}
	return &RedisStore{client: redis.NewClient(opts), prefix: prefix}, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency: redis get: %w", err)
	}
	return json.RawMessage(val), true, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.prefix+key, []byte(value), ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: redis set: %w", err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
