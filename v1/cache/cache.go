package cache

import (
	"context"
	"time"
)

// Cache defines the basic operations for a process-local cache layer.
//
// T represents the type of values stored in the cache.
type Cache[T any] interface {
	// Get retrieves a value for the given key. The boolean return
	// indicates whether the key was found.
	Get(ctx context.Context, key string) (T, bool, error)
	// Set stores the value for the given key for the specified TTL.
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	// Invalidate removes the key from the cache.
	Invalidate(ctx context.Context, key string) error
}

// EmptyMarker is the payload recording that the store confirmed a record
// absent. It is never a valid encoding of a record.
const EmptyMarker = ""

// Envelope wraps a record with the instant after which it is considered
// stale. Envelopes are stored without a Redis TTL.
type Envelope[T any] struct {
	Data     T         `json:"data" msgpack:"data" cbor:"data"`
	ExpireAt time.Time `json:"expireTime" msgpack:"expireTime" cbor:"expireTime"`
}

// NewEnvelope returns an envelope for data expiring ttl after now.
func NewEnvelope[T any](data T, now time.Time, ttl time.Duration) Envelope[T] {
	return Envelope[T]{Data: data, ExpireAt: now.Add(ttl)}
}

// Expired reports whether the envelope is stale at now.
func (e Envelope[T]) Expired(now time.Time) bool {
	return !e.ExpireAt.After(now)
}

// Decode decodes raw with codec into a T.
func Decode[T any](codec Codec, raw string) (T, error) {
	var v T
	err := codec.Unmarshal([]byte(raw), &v)
	return v, err
}
