package seckill

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-seckill/v1/adapter"
	"github.com/mirkobrombin/go-seckill/v1/cache"
	warperrors "github.com/mirkobrombin/go-seckill/v1/errors"
	"github.com/mirkobrombin/go-seckill/v1/lock"
	"github.com/mirkobrombin/go-seckill/v1/metrics"
	"github.com/mirkobrombin/go-seckill/v1/model"
	"github.com/mirkobrombin/go-seckill/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-seckill/v1/seckill")

const (
	// OrderIDPrefix scopes the id generator counter used for orders.
	OrderIDPrefix = "order"

	DefaultQueueSize   = 1 << 16
	DefaultUserLockTTL = 10 * time.Second
	DefaultCatalogTTL  = 5 * time.Second
	DefaultCatalogSize = 10_000
)

// IDGenerator hands out order ids.
type IDGenerator interface {
	NextID(ctx context.Context, prefix string) (int64, error)
}

// Pipeline admits flash-sale requests and persists admitted orders in the
// background. Build it with New, call Start once and Close at shutdown.
type Pipeline struct {
	rdb     redis.UniversalClient
	ids     IDGenerator
	locker  *lock.Redis
	orders  adapter.OrderStore
	catalog *catalog
	bus     syncbus.Bus
	logger  zerolog.Logger
	now     func() time.Time

	queueSize   int
	userLockTTL time.Duration
	catalogTTL  time.Duration
	catalogSize int64

	tasks chan model.OrderTask

	mu         sync.RWMutex
	closed     bool
	started    bool
	done       chan struct{}
	stopSubs   context.CancelFunc
	listenDone chan struct{}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithQueueSize sets the capacity of the order queue.
func WithQueueSize(n int) Option {
	return func(p *Pipeline) { p.queueSize = n }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithUserLockTTL sets the TTL of the per-user lock taken by the worker.
func WithUserLockTTL(d time.Duration) Option {
	return func(p *Pipeline) { p.userLockTTL = d }
}

// WithCatalogTTL sets how long voucher windows stay in process memory.
func WithCatalogTTL(d time.Duration) Option {
	return func(p *Pipeline) { p.catalogTTL = d }
}

// WithBus broadcasts voucher reloads to other instances so their catalogs
// drop the old window before it expires.
func WithBus(b syncbus.Bus) Option {
	return func(p *Pipeline) { p.bus = b }
}

// WithCatalogSize bounds how many vouchers the catalog keeps in memory.
func WithCatalogSize(n int64) Option {
	return func(p *Pipeline) { p.catalogSize = n }
}

// WithClock overrides the time source used for window checks.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New returns a Pipeline. Vouchers are read from vouchers for window checks
// and orders are persisted through orders.
func New(rdb redis.UniversalClient, ids IDGenerator, locker *lock.Redis, vouchers adapter.VoucherStore, orders adapter.OrderStore, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		rdb:         rdb,
		ids:         ids,
		locker:      locker,
		orders:      orders,
		logger:      zerolog.Nop(),
		now:         time.Now,
		queueSize:   DefaultQueueSize,
		userLockTTL: DefaultUserLockTTL,
		catalogTTL:  DefaultCatalogTTL,
		catalogSize: DefaultCatalogSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.queueSize <= 0 {
		return nil, fmt.Errorf("seckill: queue size must be positive, got %d", p.queueSize)
	}
	if p.catalogSize <= 0 {
		return nil, fmt.Errorf("seckill: catalog size must be positive, got %d", p.catalogSize)
	}
	local, err := cache.NewRistretto[model.SeckillVoucher](cache.WithMaxEntries(p.catalogSize))
	if err != nil {
		return nil, fmt.Errorf("seckill: catalog: %w", err)
	}
	p.catalog = &catalog{local: local, store: vouchers, ttl: p.catalogTTL}
	p.tasks = make(chan model.OrderTask, p.queueSize)
	p.done = make(chan struct{})
	return p, nil
}

// Start launches the worker and, with a bus, the catalog invalidation
// listener. The worker stops when ctx is done or when Close has drained the
// queue. Calls after the first are no-ops.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	if p.bus != nil {
		subCtx, cancel := context.WithCancel(ctx)
		ch, err := p.bus.Subscribe(subCtx)
		if err != nil {
			cancel()
			p.logger.Error().Err(err).Msg("catalog invalidations disabled")
		} else {
			p.stopSubs = cancel
			p.listenDone = make(chan struct{})
			go p.listen(ch, p.listenDone)
		}
	}
	go p.run(ctx)
}

func (p *Pipeline) listen(ch <-chan string, done chan<- struct{}) {
	defer close(done)
	for key := range ch {
		id, ok := parseVoucherKey(key)
		if !ok {
			continue
		}
		p.catalog.forget(context.Background(), id)
		p.logger.Debug().Int64("voucher", id).Msg("catalog entry invalidated")
	}
}

// Submit runs admission for userID on voucherID. Business rejections are
// reported through Result.Status; errors mean the request could not be
// decided or the admitted order could not be queued.
func (p *Pipeline) Submit(ctx context.Context, voucherID, userID int64) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "seckill.Submit", trace.WithAttributes(
		attribute.Int64("seckill.voucher_id", voucherID),
		attribute.Int64("seckill.user_id", userID),
	))
	defer func() {
		if err != nil {
			metrics.AdmissionCounter.WithLabelValues("error").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			metrics.AdmissionCounter.WithLabelValues(res.Status.String()).Inc()
			span.SetAttributes(attribute.String("seckill.status", res.Status.String()))
		}
		span.End()
	}()

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return Result{}, warperrors.ErrClosed
	}

	v, ok, err := p.catalog.get(ctx, voucherID)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{Status: VoucherNotFound}, nil
	}
	if now := p.now(); !v.Open(now) {
		if now.Before(v.BeginTime) {
			return Result{Status: NotStarted}, nil
		}
		return Result{Status: Ended}, nil
	}

	keys := []string{StockKey(voucherID), OrderSetKey(voucherID)}
	code, err := admitScript.Run(ctx, p.rdb, keys, strconv.FormatInt(userID, 10)).Int()
	if err != nil {
		return Result{}, fmt.Errorf("%w: admit voucher %d: %w", warperrors.ErrUnavailable, voucherID, err)
	}
	if st := Status(code); st != Admitted {
		return Result{Status: st}, nil
	}

	orderID, err := p.ids.NextID(ctx, OrderIDPrefix)
	if err != nil {
		p.compensate(ctx, voucherID, userID)
		return Result{}, err
	}
	task := model.OrderTask{OrderID: orderID, UserID: userID, VoucherID: voucherID}
	select {
	case p.tasks <- task:
		metrics.QueueGauge.Inc()
	default:
		p.compensate(ctx, voucherID, userID)
		p.logger.Error().Int64("voucher", voucherID).Int64("user", userID).Msg("order queue full")
		return Result{}, warperrors.ErrQueueFull
	}
	return Result{Status: Admitted, OrderID: orderID}, nil
}

// compensate returns the unit reserved for userID and forgets the
// participation, so a request that never reached the queue can be retried.
func (p *Pipeline) compensate(ctx context.Context, voucherID, userID int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	keys := []string{StockKey(voucherID), OrderSetKey(voucherID)}
	if err := compensateScript.Run(ctx, p.rdb, keys, strconv.FormatInt(userID, 10)).Err(); err != nil {
		p.logger.Error().Err(err).Int64("voucher", voucherID).Int64("user", userID).
			Msg("reservation not returned, stock counter drifted")
	}
}

// LoadVoucher publishes v's stock to Redis so admission can start, and
// drops any cached window for it here and, with a bus, on other
// instances. The participant set is left untouched.
func (p *Pipeline) LoadVoucher(ctx context.Context, v model.SeckillVoucher) error {
	if err := p.rdb.Set(ctx, StockKey(v.VoucherID), v.Stock, 0).Err(); err != nil {
		return fmt.Errorf("%w: load voucher %d: %w", warperrors.ErrUnavailable, v.VoucherID, err)
	}
	p.catalog.forget(ctx, v.VoucherID)
	if p.bus != nil {
		if err := p.bus.Publish(ctx, VoucherKey(v.VoucherID)); err != nil {
			p.logger.Warn().Err(err).Int64("voucher", v.VoucherID).Msg("catalog invalidation not broadcast")
		}
	}
	p.logger.Info().Int64("voucher", v.VoucherID).Int64("stock", v.Stock).Msg("voucher loaded")
	return nil
}

// Pending returns the number of queued tasks.
func (p *Pipeline) Pending() int {
	return len(p.tasks)
}

// Close stops intake and waits until the worker has drained the queue or
// ctx is done. Without a started worker queued tasks are dropped.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return warperrors.ErrClosed
	}
	p.closed = true
	close(p.tasks)
	started := p.started
	stopSubs, listenDone := p.stopSubs, p.listenDone
	p.mu.Unlock()
	if stopSubs != nil {
		stopSubs()
		// the listener may still be writing to the catalog
		select {
		case <-listenDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.catalog.local.Close()

	if !started {
		if n := len(p.tasks); n > 0 {
			p.logger.Warn().Int("dropped", n).Msg("closed without worker, queued orders dropped")
		}
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
