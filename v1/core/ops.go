package core

import (
	"context"
	"fmt"
	"time"

	"github.com/mirkobrombin/go-seckill/v1/cache"
	"github.com/mirkobrombin/go-seckill/v1/metrics"
)

// Set encodes value and stores it under key for ttl.
func Set(ctx context.Context, c *Client, key string, value any, ttl time.Duration) error {
	return c.redis.SetValue(ctx, key, value, ttl)
}

// SetWithLogicalExpire stores value in an envelope that turns stale ttl from
// now. The key itself never expires.
func SetWithLogicalExpire[T any](ctx context.Context, c *Client, key string, value T, ttl time.Duration) error {
	return c.redis.SetEnvelope(ctx, key, cache.NewEnvelope(value, c.now(), ttl))
}

// Warmup loads ids from the store and writes their envelopes so that
// QueryWithLogicalExpire can serve them. Ids the store does not have are
// skipped. It returns how many keys were written.
func Warmup[ID any, T any](ctx context.Context, c *Client, keyPrefix string, ids []ID, load LoadFunc[ID, T], ttl time.Duration) (int, error) {
	warmed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return warmed, err
		}
		key := keyPrefix + fmt.Sprint(id)
		metrics.CacheLoadCounter.Inc()
		v, ok, err := load(ctx, id)
		if err != nil {
			return warmed, fmt.Errorf("warmup %s: %w", key, err)
		}
		if !ok {
			c.logger.Debug().Str("key", key).Msg("warmup skipped missing record")
			continue
		}
		if err := SetWithLogicalExpire(ctx, c, key, v, ttl); err != nil {
			return warmed, err
		}
		warmed++
	}
	c.logger.Info().Int("warmed", warmed).Str("prefix", keyPrefix).Msg("cache warmed")
	return warmed, nil
}

// Invalidate deletes key so the next read reloads it. Call it after the
// durable write has committed.
func Invalidate(ctx context.Context, c *Client, key string) error {
	if err := c.redis.Delete(ctx, key); err != nil {
		return err
	}
	metrics.InvalidateCounter.Inc()
	return nil
}
