package syncbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/go-seckill/v1/errors"
)

func newRedisBus(t *testing.T) (*RedisBus, *redis.Client, context.Context) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewRedisBus(RedisBusOptions{Client: client})
	ctx := context.Background()
	t.Cleanup(func() {
		_ = bus.Close()
		_ = client.Close()
		mr.Close()
	})
	return bus, client, ctx
}

func TestRedisBusPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus, _, ctx := newRedisBus(t)
	ch, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "voucher:7"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case key := <-ch:
		if key != "voucher:7" {
			t.Fatalf("unexpected key %q", key)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish")
	}
	metrics := bus.Metrics()
	if metrics.Published != 1 {
		t.Fatalf("expected published 1 got %d", metrics.Published)
	}
	if metrics.Delivered != 1 {
		t.Fatalf("expected delivered 1 got %d", metrics.Delivered)
	}
}

func TestRedisBusAcrossInstances(t *testing.T) {
	bus1, client, ctx := newRedisBus(t)
	bus2 := NewRedisBus(RedisBusOptions{Client: client})
	defer bus2.Close()
	if bus1.Origin() == bus2.Origin() {
		t.Fatal("expected distinct origins")
	}

	ch, err := bus2.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus1.Publish(ctx, "voucher:1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case key := <-ch:
		if key != "voucher:1" {
			t.Fatalf("unexpected key %q", key)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for remote invalidation")
	}
}

func TestRedisBusSkipsMalformedPayload(t *testing.T) {
	bus, client, ctx := newRedisBus(t)
	ch, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Publish(ctx, DefaultChannel, "not json").Err(); err != nil {
		t.Fatalf("raw publish: %v", err)
	}
	_ = bus.Publish(ctx, "voucher:2")
	select {
	case key := <-ch:
		if key != "voucher:2" {
			t.Fatalf("expected malformed payload skipped, got %q", key)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}

func TestRedisBusContextCancelClosesChannel(t *testing.T) {
	bus, _, _ := newRedisBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for close")
	}
}

func TestRedisBusClosed(t *testing.T) {
	bus, _, ctx := newRedisBus(t)
	_ = bus.Close()
	if err := bus.Publish(ctx, "k"); !errors.Is(err, warperrors.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := bus.Subscribe(ctx); !errors.Is(err, warperrors.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
