package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/go-seckill/v1/errors"
)

// Redis gives raw string access to the shared cache. Values go through the
// configured Codec; the empty marker and envelopes share the same keyspace.
type Redis struct {
	client redis.UniversalClient
	codec  Codec
}

// NewRedis returns a new Redis cache using the provided client.
// If codec is nil, JSONCodec is used by default.
func NewRedis(client redis.UniversalClient, codec Codec) *Redis {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &Redis{client: client, codec: codec}
}

// Codec returns the codec used for values.
func (c *Redis) Codec() Codec { return c.codec }

// GetRaw returns the stored payload for key. The boolean reports whether the
// key exists; an existing key may hold EmptyMarker.
func (c *Redis) GetRaw(ctx context.Context, key string) (string, bool, error) {
	s, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: get %s: %w", warperrors.ErrUnavailable, key, err)
	}
	return s, true, nil
}

// SetValue encodes value and stores it under key for ttl. A zero ttl keeps
// the key until it is overwritten or deleted.
func (c *Redis) SetValue(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := c.codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %w", warperrors.ErrUnavailable, key, err)
	}
	return nil
}

// SetMarker stores EmptyMarker under key for ttl.
func (c *Redis) SetMarker(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, EmptyMarker, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set marker %s: %w", warperrors.ErrUnavailable, key, err)
	}
	return nil
}

// SetEnvelope stores an encoded Envelope under key with no Redis expiry.
func (c *Redis) SetEnvelope(ctx context.Context, key string, env any) error {
	return c.SetValue(ctx, key, env, 0)
}

// Delete removes key.
func (c *Redis) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: del %s: %w", warperrors.ErrUnavailable, key, err)
	}
	return nil
}
