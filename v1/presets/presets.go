package presets

import (
	"context"
	"errors"
	"fmt"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-seckill/v1/adapter"
	"github.com/mirkobrombin/go-seckill/v1/cache"
	"github.com/mirkobrombin/go-seckill/v1/core"
	"github.com/mirkobrombin/go-seckill/v1/idgen"
	"github.com/mirkobrombin/go-seckill/v1/lock"
	"github.com/mirkobrombin/go-seckill/v1/seckill"
	"github.com/mirkobrombin/go-seckill/v1/syncbus"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Options configures a Stack.
type Options struct {
	Redis RedisOptions
	// SQLiteDSN selects a GORM store on sqlite. Empty keeps records in memory.
	SQLiteDSN string
	// Codec names the cache codec (json, gob, msgpack, cbor).
	Codec     string
	// QueueSize overrides the order queue capacity when non-zero.
	QueueSize int
	Logger    zerolog.Logger
}

// Stack is every component of the subsystem wired to one Redis and one store.
type Stack struct {
	Redis    redis.UniversalClient
	Store    adapter.Store
	Locker   *lock.Redis
	IDs      *idgen.Generator
	Cache    *core.Client
	Bus      *syncbus.RedisBus
	Pipeline *seckill.Pipeline

	db       *gorm.DB
	embedded *miniredis.Miniredis
}

// NewRedis creates a Stack on the Redis server described by opts.Redis.
func NewRedis(ctx context.Context, opts Options) (*Stack, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Redis.Addr,
		Password: opts.Redis.Password,
		DB:       opts.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Redis.Addr, err)
	}
	s, err := build(client, opts)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// NewInMemoryStandalone creates a Stack on an embedded Redis with no external
// dependencies. Useful for local development and demos.
func NewInMemoryStandalone(opts Options) (*Stack, error) {
	mr, err := miniredis.Run()
	if err != nil {
		return nil, fmt.Errorf("embedded redis: %w", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s, err := build(client, opts)
	if err != nil {
		_ = client.Close()
		mr.Close()
		return nil, err
	}
	s.embedded = mr
	return s, nil
}

func build(client redis.UniversalClient, opts Options) (*Stack, error) {
	codec, err := cache.CodecByName(opts.Codec)
	if err != nil {
		return nil, err
	}

	s := &Stack{Redis: client}
	if opts.SQLiteDSN != "" {
		db, err := gorm.Open(sqlite.Open(opts.SQLiteDSN), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		s.db = db
		store, err := adapter.NewGormStore(db)
		if err != nil {
			s.release()
			return nil, err
		}
		s.Store = store
	} else {
		s.Store = adapter.NewInMemoryStore()
	}

	s.Locker = lock.NewRedis(client)
	s.IDs = idgen.New(client)
	s.Cache = core.New(client, s.Locker,
		core.WithCodec(codec),
		core.WithLogger(opts.Logger.With().Str("component", "cache").Logger()),
	)

	s.Bus = syncbus.NewRedisBus(syncbus.RedisBusOptions{
		Client: client,
		Logger: opts.Logger.With().Str("component", "syncbus").Logger(),
	})

	pipeOpts := []seckill.Option{
		seckill.WithLogger(opts.Logger.With().Str("component", "seckill").Logger()),
		seckill.WithBus(s.Bus),
	}
	if opts.QueueSize != 0 {
		pipeOpts = append(pipeOpts, seckill.WithQueueSize(opts.QueueSize))
	}
	s.Pipeline, err = seckill.New(client, s.IDs, s.Locker, s.Store, s.Store, pipeOpts...)
	if err != nil {
		s.release()
		return nil, err
	}
	return s, nil
}

// release frees what build opened before the pipeline. The Redis client
// belongs to the caller.
func (s *Stack) release() {
	if s.Cache != nil {
		_ = s.Cache.Close(context.Background())
	}
	if s.Bus != nil {
		_ = s.Bus.Close()
	}
	if s.db != nil {
		if sqlDB, err := s.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

// Start launches the order worker and the catalog invalidation listener.
func (s *Stack) Start(ctx context.Context) {
	s.Pipeline.Start(ctx)
}

// Close drains the order queue and the rebuild pool, then releases the
// connections.
func (s *Stack) Close(ctx context.Context) error {
	var errs []error
	if err := s.Pipeline.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: %w", err))
	}
	if err := s.Cache.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("cache: %w", err))
	}
	_ = s.Bus.Close()
	if err := s.Redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("redis: %w", err))
	}
	if s.db != nil {
		if sqlDB, err := s.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if s.embedded != nil {
		s.embedded.Close()
	}
	return errors.Join(errs...)
}
