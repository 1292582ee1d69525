package core

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/singleflight"

	"github.com/mirkobrombin/go-seckill/v1/cache"
	"github.com/mirkobrombin/go-seckill/v1/lock"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-seckill/v1/core")

const (
	DefaultNullTTL        = 2 * time.Minute
	DefaultLockTTL        = 10 * time.Second
	DefaultRetryDelay     = 50 * time.Millisecond
	DefaultMaxRetries     = 100
	DefaultRebuildWorkers = 10
	DefaultRebuildQueue   = 1024
)

// Client is the process-scoped entry point of the cache strategies. It owns
// the codec, the rebuild pool and the tuning knobs shared by every read.
type Client struct {
	redis  *cache.Redis
	locker *lock.Redis
	logger zerolog.Logger
	now    func() time.Time

	codec          cache.Codec
	nullTTL        time.Duration
	lockTTL        time.Duration
	lockPrefix     string
	retryDelay     time.Duration
	maxRetries     int
	rebuildWorkers int
	rebuildQueue   int

	flights  singleflight.Group
	rebuilds *rebuildPool
}

// Option configures a Client.
type Option func(*Client)

// WithCodec sets the codec used for cached values. JSON is the default.
func WithCodec(codec cache.Codec) Option {
	return func(c *Client) { c.codec = codec }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithClock overrides the time source used for logical expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithNullTTL sets how long an empty marker lives.
func WithNullTTL(d time.Duration) Option {
	return func(c *Client) { c.nullTTL = d }
}

// WithLockTTL sets the TTL of rebuild locks.
func WithLockTTL(d time.Duration) Option {
	return func(c *Client) { c.lockTTL = d }
}

// WithLockPrefix namespaces rebuild lock names. The locker's own key prefix
// is applied on top.
func WithLockPrefix(p string) Option {
	return func(c *Client) { c.lockPrefix = p }
}

// WithRetry sets the wait between mutex-strategy attempts and how many waits
// are allowed before giving up.
func WithRetry(delay time.Duration, maxRetries int) Option {
	return func(c *Client) {
		c.retryDelay = delay
		c.maxRetries = maxRetries
	}
}

// WithRebuildPool sizes the logical-expiry rebuild pool.
func WithRebuildPool(workers, queue int) Option {
	return func(c *Client) {
		c.rebuildWorkers = workers
		c.rebuildQueue = queue
	}
}

// New returns a Client reading through rdb and serialising rebuilds with
// locker.
func New(rdb redis.UniversalClient, locker *lock.Redis, opts ...Option) *Client {
	c := &Client{
		locker:         locker,
		logger:         zerolog.Nop(),
		now:            time.Now,
		nullTTL:        DefaultNullTTL,
		lockTTL:        DefaultLockTTL,
		retryDelay:     DefaultRetryDelay,
		maxRetries:     DefaultMaxRetries,
		rebuildWorkers: DefaultRebuildWorkers,
		rebuildQueue:   DefaultRebuildQueue,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.redis = cache.NewRedis(rdb, c.codec)
	c.rebuilds = newRebuildPool(c.rebuildWorkers, c.rebuildQueue, c.logger)
	return c
}

// Cache exposes the raw shared-cache access used by the strategies.
func (c *Client) Cache() *cache.Redis { return c.redis }

// Close stops accepting rebuilds and waits for the queued ones to finish.
func (c *Client) Close(ctx context.Context) error {
	return c.rebuilds.close(ctx)
}

func (c *Client) newMutex(key string) *lock.Mutex {
	return c.locker.NewMutex(c.lockPrefix + key)
}

// release frees m even when the request context is already gone.
func (c *Client) release(ctx context.Context, m *lock.Mutex) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if _, err := m.Unlock(ctx); err != nil {
		c.logger.Warn().Err(err).Str("lock", m.Key()).Msg("unlock failed, lock will expire")
	}
}
