package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-seckill/v1/core"
	"github.com/mirkobrombin/go-seckill/v1/idgen"
	"github.com/mirkobrombin/go-seckill/v1/logging"
	"github.com/mirkobrombin/go-seckill/v1/metrics"
	"github.com/mirkobrombin/go-seckill/v1/model"
	"github.com/mirkobrombin/go-seckill/v1/presets"
	"github.com/mirkobrombin/go-seckill/v1/seckill"
)

var (
	concurrency = flag.Int("c", 50, "Concurrency")
	users       = flag.Int("users", 10000, "Distinct users competing for the voucher")
	stock       = flag.Int("stock", 100, "Voucher stock")
	reads       = flag.Int("reads", 100000, "Shop reads per strategy")
	redisAddr   = flag.String("redis-addr", env("SECKILL_REDIS_ADDR", ""), "Redis address; empty runs an embedded server")
	redisPass   = flag.String("redis-password", env("SECKILL_REDIS_PASSWORD", ""), "Redis password")
	dsn         = flag.String("sqlite", env("SECKILL_SQLITE_DSN", ""), "sqlite DSN for the order store; empty keeps orders in memory")
	codec       = flag.String("codec", env("SECKILL_CODEC", "json"), "Cache codec: json, gob, msgpack, cbor")
	logLevel    = flag.String("log-level", env("SECKILL_LOG_LEVEL", "info"), "Log level")
	metricsAddr = flag.String("metrics-addr", env("SECKILL_METRICS_ADDR", ""), "Serve /metrics on this address")
	trace       = flag.Bool("trace", false, "Print spans to stdout")
)

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	flag.Parse()

	cfg := logging.DefaultConfig()
	cfg.Level = *logLevel
	cfg.Pretty = true
	logger := logging.Setup(cfg)

	ctx := context.Background()

	if *trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			logger.Fatal().Err(err).Msg("trace exporter")
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(ctx) }()
		otel.SetTracerProvider(tp)
	}

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server")
			}
		}()
		defer srv.Close()
	}

	opts := presets.Options{
		Redis:     presets.RedisOptions{Addr: *redisAddr, Password: *redisPass},
		SQLiteDSN: *dsn,
		Codec:     *codec,
		Logger:    logger,
	}
	var (
		stack *presets.Stack
		err   error
	)
	if *redisAddr == "" {
		logger.Info().Msg("using embedded redis")
		stack, err = presets.NewInMemoryStandalone(opts)
	} else {
		stack, err = presets.NewRedis(ctx, opts)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("setup failed")
	}
	stack.Start(ctx)

	fmt.Printf("| %-15s | %-10s | %-12s | %-12s |\n", "Scenario", "Ops/sec", "Avg Latency", "P99 Latency")
	fmt.Println("|:---|:---|:---|:---|")

	if err := benchReads(ctx, stack); err != nil {
		logger.Fatal().Err(err).Msg("read benchmark")
	}
	admitted, err := benchSeckill(ctx, stack, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("seckill benchmark")
	}

	if err := stack.Close(ctx); err != nil {
		logger.Error().Err(err).Msg("close")
	}
	report(stack, admitted, logger)
}

func benchReads(ctx context.Context, s *presets.Stack) error {
	const prefix = "cache:shop:"
	if err := s.Store.SaveShop(ctx, model.Shop{ID: 1, Name: "bench", TypeID: 1}); err != nil {
		return err
	}
	if _, err := core.Warmup(ctx, s.Cache, prefix+"expire:", []int64{1}, s.Store.GetShop, time.Hour); err != nil {
		return err
	}
	for _, strategy := range []core.Strategy{core.PassThrough, core.Mutex, core.LogicalExpire} {
		keyPrefix := prefix
		if strategy == core.LogicalExpire {
			keyPrefix = prefix + "expire:"
		}
		_ = core.Invalidate(ctx, s.Cache, prefix+"1")
		lat, elapsed := measure(ctx, *reads, func(ctx context.Context, i int) error {
			_, _, err := core.Read(ctx, s.Cache, keyPrefix, int64(1), s.Store.GetShop, time.Hour, strategy)
			return err
		})
		row(strategy.String(), lat, elapsed)
	}
	return nil
}

func benchSeckill(ctx context.Context, s *presets.Stack, logger zerolog.Logger) (int64, error) {
	now := time.Now()
	v := model.SeckillVoucher{VoucherID: 1, Stock: int64(*stock), BeginTime: now.Add(-time.Minute), EndTime: now.Add(time.Hour)}
	if err := s.Store.SaveSeckillVoucher(ctx, v); err != nil {
		return 0, err
	}
	if err := s.Pipeline.LoadVoucher(ctx, v); err != nil {
		return 0, err
	}

	var admitted, rejected atomic.Int64
	lat, elapsed := measure(ctx, *users, func(ctx context.Context, i int) error {
		res, err := s.Pipeline.Submit(ctx, v.VoucherID, int64(i+1))
		if err != nil {
			return err
		}
		if res.OK() {
			admitted.Add(1)
		} else if res.Status != seckill.InsufficientStock {
			rejected.Add(1)
		}
		return nil
	})
	row("seckill", lat, elapsed)
	logger.Info().
		Int64("admitted", admitted.Load()).
		Int64("unexpected_rejections", rejected.Load()).
		Int("pending", s.Pipeline.Pending()).
		Msg("admission finished")
	return admitted.Load(), nil
}

// measure runs fn n times over *concurrency goroutines and returns the
// latency of each successful call.
func measure(ctx context.Context, n int, fn func(ctx context.Context, i int) error) ([]int64, time.Duration) {
	var (
		mu   sync.Mutex
		lats = make([]int64, 0, n)
		next atomic.Int64
	)
	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	for w := 0; w < *concurrency; w++ {
		g.Go(func() error {
			local := make([]int64, 0, n / *concurrency + 1)
			for {
				i := int(next.Add(1)) - 1
				if i >= n {
					break
				}
				t := time.Now()
				if err := fn(gctx, i); err != nil {
					continue
				}
				local = append(local, time.Since(t).Nanoseconds())
			}
			mu.Lock()
			lats = append(lats, local...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return lats, time.Since(start)
}

func row(name string, lats []int64, elapsed time.Duration) {
	if len(lats) == 0 {
		fmt.Printf("| %-15s | %-10s | %-12s | %-12s |\n", name, "ERROR", "-", "-")
		return
	}
	sort.Slice(lats, func(i, j int) bool { return lats[i] < lats[j] })
	var sum int64
	for _, l := range lats {
		sum += l
	}
	p99Idx := int(float64(len(lats)) * 0.99)
	if p99Idx >= len(lats) {
		p99Idx = len(lats) - 1
	}
	throughput := float64(len(lats)) / elapsed.Seconds()
	fmt.Printf("| %-15s | %-10.0f | %-12.0f | %-12s |\n", name, throughput, float64(sum)/float64(len(lats)), strconv.FormatInt(lats[p99Idx], 10))
}

func report(s *presets.Stack, admitted int64, logger zerolog.Logger) {
	if *stock > 0 && admitted > int64(*stock) {
		logger.Error().Int64("admitted", admitted).Int("stock", *stock).Msg("oversold")
	}
	ids := []int64{}
	if mem, ok := s.Store.(interface{ Orders() []model.VoucherOrder }); ok {
		for _, o := range mem.Orders() {
			ids = append(ids, o.ID)
		}
	}
	if len(ids) == 0 {
		return
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	first, last := ids[0], ids[len(ids)-1]
	logger.Info().
		Int("orders", len(ids)).
		Time("first_issued", idgen.Timestamp(first)).
		Uint32("first_seq", idgen.Sequence(first)).
		Time("last_issued", idgen.Timestamp(last)).
		Uint32("last_seq", idgen.Sequence(last)).
		Msg("order ids")
}
