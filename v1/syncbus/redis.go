package syncbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	warperrors "github.com/mirkobrombin/go-seckill/v1/errors"
)

const (
	DefaultChannel   = "seckill:invalidate"
	redisBusTimeout  = 5 * time.Second
	subscriberBuffer = 64
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-seckill/v1/syncbus")

// message is the payload published on the channel.
type message struct {
	Key    string `json:"k"`
	Origin string `json:"o"`
	At     int64  `json:"t"` // UnixMilli
}

// RedisBus implements Bus over Redis pub/sub. Delivery is at most once:
// instances that are disconnected when a key is published never see it.
type RedisBus struct {
	client  redis.UniversalClient
	channel string
	origin  string
	logger  zerolog.Logger

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool

	published atomic.Uint64
	delivered atomic.Uint64
}

// RedisBusOptions configures a RedisBus.
type RedisBusOptions struct {
	Client  redis.UniversalClient
	Channel string
	Logger  zerolog.Logger
}

// NewRedisBus returns a new RedisBus using the provided Redis client.
func NewRedisBus(opts RedisBusOptions) *RedisBus {
	ch := opts.Channel
	if ch == "" {
		ch = DefaultChannel
	}
	return &RedisBus{
		client:  opts.Client,
		channel: ch,
		origin:  uuid.NewString(),
		logger:  opts.Logger,
		subs:    make(map[*redis.PubSub]struct{}),
	}
}

// Origin identifies this bus instance in published messages.
func (b *RedisBus) Origin() string { return b.origin }

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "syncbus.Publish", trace.WithAttributes(attribute.String("syncbus.key", key)))
	defer span.End()

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return warperrors.ErrClosed
	}

	payload, err := json.Marshal(message{Key: key, Origin: b.origin, At: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: publish %s: %w", warperrors.ErrUnavailable, key, err)
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. It returns once the subscription is
// confirmed by the server, so keys published afterwards are not missed.
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan string, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, warperrors.ErrClosed
	}
	b.mu.Unlock()

	ps := b.client.Subscribe(ctx, b.channel)
	rctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	_, err := ps.Receive(rctx)
	cancel()
	if err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %w", warperrors.ErrUnavailable, b.channel, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ps.Close()
		return nil, warperrors.ErrClosed
	}
	b.subs[ps] = struct{}{}
	b.mu.Unlock()

	out := make(chan string, subscriberBuffer)
	go b.dispatch(ctx, ps, out)
	return out, nil
}

func (b *RedisBus) dispatch(ctx context.Context, ps *redis.PubSub, out chan<- string) {
	defer close(out)
	defer b.drop(ps)
	in := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			var m message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("malformed invalidation")
				continue
			}
			select {
			case out <- m.Key:
				b.delivered.Add(1)
			case <-ctx.Done():
				return
			}
		}
	}
}

func (b *RedisBus) drop(ps *redis.PubSub) {
	b.mu.Lock()
	delete(b.subs, ps)
	b.mu.Unlock()
	_ = ps.Close()
}

// Close implements Bus.Close. Open subscription channels are closed.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for ps := range b.subs {
		_ = ps.Close()
	}
	return nil
}

// Metrics returns the bus counters.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}
