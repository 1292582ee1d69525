//go:build integration

package seckill

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mirkobrombin/go-seckill/v1/adapter"
	"github.com/mirkobrombin/go-seckill/v1/idgen"
	"github.com/mirkobrombin/go-seckill/v1/lock"
	"github.com/mirkobrombin/go-seckill/v1/model"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}
	return client, cleanup
}

func TestPipeline_Integration_NoOversellAcrossInstances(t *testing.T) {
	rdb, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)
	store := adapter.NewInMemoryStore()
	v := model.SeckillVoucher{VoucherID: 1, Stock: 25, BeginTime: time.Now().Add(-time.Hour), EndTime: time.Now().Add(time.Hour)}
	if err := store.SaveSeckillVoucher(ctx, v); err != nil {
		t.Fatalf("SaveSeckillVoucher: %v", err)
	}

	// two instances sharing Redis and the store, each with its own queue
	var pipelines []*Pipeline
	for i := 0; i < 2; i++ {
		p, err := New(rdb, idgen.New(rdb), lock.NewRedis(rdb), store, store, WithLogger(logger))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		p.Start(ctx)
		pipelines = append(pipelines, p)
	}
	if err := pipelines[0].LoadVoucher(ctx, v); err != nil {
		t.Fatalf("LoadVoucher: %v", err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for u := int64(1); u <= 500; u++ {
		wg.Add(1)
		go func(u int64) {
			defer wg.Done()
			res, err := pipelines[u%2].Submit(ctx, 1, u)
			if err != nil {
				t.Errorf("Submit: %v", err)
				return
			}
			if res.OK() {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(u)
	}
	wg.Wait()

	for _, p := range pipelines {
		if err := p.Close(ctx); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	if admitted != 25 {
		t.Fatalf("expected 25 admissions, got %d", admitted)
	}
	if n := len(store.Orders()); n != 25 {
		t.Fatalf("expected 25 persisted orders, got %d", n)
	}
}
