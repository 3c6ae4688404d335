package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the blob under a single Redis key, sharing cached flags
// across processes.
type RedisStore struct {
	client  *redis.Client
	key     string
	timeout time.Duration
	ttl     time.Duration
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithRedisTimeout bounds each Redis operation. Defaults to 3 seconds.
func WithRedisTimeout(timeout time.Duration) RedisStoreOption {
	return func(s *RedisStore) {
		s.timeout = timeout
	}
}

// WithRedisTTL sets a TTL on the Redis key itself, as a backstop for blobs
// no process garbage-collects anymore. Defaults to no TTL.
func WithRedisTTL(ttl time.Duration) RedisStoreOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// NewRedisStore creates a store backed by the given Redis client and key.
func NewRedisStore(client *redis.Client, key string, opts ...RedisStoreOption) *RedisStore {
	store := &RedisStore{
		client:  client,
		key:     key,
		timeout: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func (s *RedisStore) GetRaw() (string, error) {
	ctx, cancel := s.opContext()
	defer cancel()

	value, err := s.client.Get(ctx, s.key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", fmt.Errorf("failed to read cache key %q: %w", s.key, err)
	}
	return value, nil
}

func (s *RedisStore) SetRaw(value string) error {
	ctx, cancel := s.opContext()
	defer cancel()

	if err := s.client.Set(ctx, s.key, value, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache key %q: %w", s.key, err)
	}
	return nil
}

func (s *RedisStore) ClearRaw() error {
	ctx, cancel := s.opContext()
	defer cancel()

	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("failed to clear cache key %q: %w", s.key, err)
	}
	return nil
}

func (s *RedisStore) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}
