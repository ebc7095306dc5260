package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Incr increments a counter and returns its new value.
func (r *Redis) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	key = r.counterKey(key)

	pipe := r.client.TxPipeline()
	n := pipe.Incr(ctx, key)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	return n.Val(), nil
}

// Count returns a counter's value.
func (r *Redis) Count(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Get(ctx, r.counterKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// SetOnce sets a flag if it isn't set already.
func (r *Redis) SetOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, r.counterKey(key), 1, ttl).Result()
}
