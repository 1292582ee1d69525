package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus propagates invalidation of process-local entries across instances.
// Every subscriber receives every published key, including its own.
type Bus interface {
	Publish(ctx context.Context, key string) error
	// Subscribe returns a channel of invalidated keys. The channel is closed
	// when ctx is done or the bus is closed.
	Subscribe(ctx context.Context) (<-chan string, error)
	Close() error
}

// Metrics counts bus traffic.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// InMemoryBus is a local implementation of Bus mainly for testing.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[chan string]struct{}
	closed    bool
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[chan string]struct{})}
}

// Publish implements Bus.Publish. Slow subscribers miss keys rather than
// block the publisher.
func (b *InMemoryBus) Publish(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published.Add(1)
	for ch := range b.subs {
		select {
		case ch <- key:
			b.delivered.Add(1)
		default:
		}
	}
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context) (<-chan string, error) {
	ch := make(chan string, subscriberBuffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, nil
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.unsubscribe(ch)
	}()
	return ch, nil
}

func (b *InMemoryBus) unsubscribe(ch chan string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Close implements Bus.Close.
func (b *InMemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = make(map[chan string]struct{})
	return nil
}

// Metrics returns the bus counters.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}
