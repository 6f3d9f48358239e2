package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis shares availability between api-server replicas. Values are stored as
// JSON under Key.String() with a native redis expiry.
type Redis[V any] struct {
	client redis.Cmdable
}

func NewRedis[V any](client redis.Cmdable) *Redis[V] {
	if client == nil {
		panic("cache: redis client required")
	}
	return &Redis[V]{client: client}
}

func (r *Redis[V]) Get(ctx context.Context, key Key) (V, bool, error) {
	var value V

	raw, err := r.client.Get(ctx, key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return value, false, nil
		}
		return value, false, fmt.Errorf("cache: get %s: %w", key, err)
	}

	if err := json.Unmarshal(raw, &value); err != nil {
		return value, false, fmt.Errorf("cache: decode %s: %w", key, err)
	}
	return value, true, nil
}

func (r *Redis[V]) Put(ctx context.Context, key Key, value V, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	if err := r.client.Set(ctx, key.String(), raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

func (r *Redis[V]) Invalidate(ctx context.Context, key Key) error {
	if err := r.client.Del(ctx, key.String()).Err(); err != nil {
		return fmt.Errorf("cache: del %s: %w", key, err)
	}
	return nil
}
