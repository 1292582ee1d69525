package idgen

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/go-seckill/v1/errors"
)

func newGenerator(t *testing.T, opts ...Option) (*Generator, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return New(client, opts...), mr
}

func TestNextIDConcurrentUnique(t *testing.T) {
	g, _ := newGenerator(t)
	ctx := context.Background()

	const n = 1000
	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := g.NextID(ctx, "order")
			if err != nil {
				t.Errorf("NextID: %v", err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]struct{}, n)
	seqs := make(map[uint32]struct{}, n)
	for _, id := range ids {
		if id <= 0 {
			t.Fatalf("expected positive id, got %d", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = struct{}{}
		seqs[Sequence(id)] = struct{}{}
	}
	// the counter alone is unique within a day, regardless of the second
	for s := uint32(1); s <= n; s++ {
		if _, ok := seqs[s]; !ok {
			t.Fatalf("missing sequence %d", s)
		}
	}
}

func TestNextIDMonotonicWithFixedClock(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	g, _ := newGenerator(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	var prev int64
	for i := 0; i < 100; i++ {
		id, err := g.NextID(ctx, "order")
		if err != nil {
			t.Fatalf("NextID: %v", err)
		}
		if id <= prev {
			t.Fatalf("id %d not greater than previous %d", id, prev)
		}
		prev = id
		if got := Timestamp(id); !got.Equal(now) {
			t.Fatalf("timestamp: expected %v, got %v", now, got)
		}
	}
}

func TestNextIDTimestampDominatesAcrossDays(t *testing.T) {
	now := time.Date(2024, 5, 1, 23, 59, 59, 0, time.UTC)
	g, mr := newGenerator(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		id, err := g.NextID(ctx, "order")
		if err != nil {
			t.Fatalf("NextID: %v", err)
		}
		last = id
	}

	now = now.Add(time.Second)
	first, err := g.NextID(ctx, "order")
	if err != nil {
		t.Fatalf("NextID: %v", err)
	}
	if Sequence(first) != 1 {
		t.Fatalf("expected counter reset to 1 on new day, got %d", Sequence(first))
	}
	if first <= last {
		t.Fatalf("id from next day %d must exceed %d", first, last)
	}
	if !mr.Exists("icr:order:2024:05:01") || !mr.Exists("icr:order:2024:05:02") {
		t.Fatalf("expected per-day counter keys, got %v", mr.Keys())
	}
}

func TestNextIDPrefixesAreIndependent(t *testing.T) {
	g, mr := newGenerator(t)
	ctx := context.Background()

	a, err := g.NextID(ctx, "order")
	if err != nil {
		t.Fatalf("NextID: %v", err)
	}
	b, err := g.NextID(ctx, "refund")
	if err != nil {
		t.Fatalf("NextID: %v", err)
	}
	if Sequence(a) != 1 || Sequence(b) != 1 {
		t.Fatalf("expected independent counters, got %d and %d", Sequence(a), Sequence(b))
	}
	if ttl := mr.TTL(CounterKey("order", time.Now())); ttl <= 0 {
		t.Fatalf("expected counter ttl, got %v", ttl)
	}
}

func TestNextIDCustomEpoch(t *testing.T) {
	epoch := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := epoch.Add(10 * time.Second)
	g, _ := newGenerator(t, WithEpoch(epoch), WithClock(func() time.Time { return now }))

	id, err := g.NextID(context.Background(), "order")
	if err != nil {
		t.Fatalf("NextID: %v", err)
	}
	if id>>CountBits != 10 {
		t.Fatalf("expected 10 seconds since epoch, got %d", id>>CountBits)
	}
}

func TestNextIDUnavailable(t *testing.T) {
	g, mr := newGenerator(t)
	mr.Close()
	if _, err := g.NextID(context.Background(), "order"); !errors.Is(err, warperrors.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
