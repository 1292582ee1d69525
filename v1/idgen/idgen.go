// Package idgen generates time-ordered 64-bit identifiers. The high 32 bits
// hold whole seconds since Epoch, the low 32 bits a per-day counter kept in
// Redis under a key scoped by business prefix and calendar day.
package idgen

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/go-seckill/v1/errors"
)

// CountBits is the width reserved for the daily counter.
const CountBits = 32

// Epoch is the default zero point of the timestamp component (2022-01-01 UTC).
var Epoch = time.Unix(1640995200, 0).UTC()

const defaultCounterTTL = 48 * time.Hour

// Generator hands out identifiers. It is safe for concurrent use and for
// use from several processes sharing the same Redis.
type Generator struct {
	client     redis.UniversalClient
	epoch      int64
	now        func() time.Time
	counterTTL time.Duration
}

// Option configures a Generator.
type Option func(*Generator)

// WithEpoch overrides the timestamp zero point.
func WithEpoch(t time.Time) Option {
	return func(g *Generator) { g.epoch = t.Unix() }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithCounterTTL sets how long a day counter key lives in Redis. A
// non-positive value keeps counters forever.
func WithCounterTTL(d time.Duration) Option {
	return func(g *Generator) { g.counterTTL = d }
}

// New returns a Generator backed by client.
func New(client redis.UniversalClient, opts ...Option) *Generator {
	g := &Generator{
		client:     client,
		epoch:      Epoch.Unix(),
		now:        time.Now,
		counterTTL: defaultCounterTTL,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CounterKey returns the Redis key holding the counter for prefix on day.
func CounterKey(prefix string, day time.Time) string {
	return "icr:" + prefix + ":" + day.UTC().Format("2006:01:02")
}

// NextID returns the next identifier for prefix.
func (g *Generator) NextID(ctx context.Context, prefix string) (int64, error) {
	now := g.now().UTC()
	ts := now.Unix() - g.epoch
	key := CounterKey(prefix, now)

	var incr *redis.IntCmd
	_, err := g.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		if g.counterTTL > 0 {
			p.Expire(ctx, key, g.counterTTL)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: next id %s: %w", warperrors.ErrUnavailable, prefix, err)
	}
	return ts<<CountBits | incr.Val(), nil
}

// Timestamp extracts the wall-clock second encoded in id, assuming the
// default Epoch.
func Timestamp(id int64) time.Time {
	return time.Unix(id>>CountBits+Epoch.Unix(), 0).UTC()
}

// Sequence extracts the daily counter encoded in id.
func Sequence(id int64) uint32 {
	return uint32(id & (1<<CountBits - 1))
}
