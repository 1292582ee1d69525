package core

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-seckill/v1/cache"
	warperrors "github.com/mirkobrombin/go-seckill/v1/errors"
	"github.com/mirkobrombin/go-seckill/v1/metrics"
)

// Strategy selects how a read protects the store on a miss.
type Strategy int

const (
	// PassThrough caches confirmed absence so repeated misses stay off the store.
	PassThrough Strategy = iota
	// Mutex lets a single caller rebuild a missing entry; the rest wait.
	Mutex
	// LogicalExpire serves stale data while one background rebuild runs.
	LogicalExpire
)

func (s Strategy) String() string {
	switch s {
	case PassThrough:
		return "pass_through"
	case Mutex:
		return "mutex"
	case LogicalExpire:
		return "logical_expire"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// LoadFunc fetches id from the durable store. The boolean reports whether
// the record exists.
type LoadFunc[ID any, T any] func(ctx context.Context, id ID) (T, bool, error)

type entryState int

const (
	entryMiss entryState = iota
	entryEmpty
	entryHit
)

// Read dispatches to the query function of strategy.
func Read[ID any, T any](ctx context.Context, c *Client, keyPrefix string, id ID, load LoadFunc[ID, T], ttl time.Duration, strategy Strategy) (T, bool, error) {
	switch strategy {
	case PassThrough:
		return QueryWithPassThrough(ctx, c, keyPrefix, id, load, ttl)
	case Mutex:
		return QueryWithMutex(ctx, c, keyPrefix, id, load, ttl)
	case LogicalExpire:
		return QueryWithLogicalExpire(ctx, c, keyPrefix, id, load, ttl)
	default:
		var zero T
		return zero, false, fmt.Errorf("%w: %v", warperrors.ErrUnknownStrategy, strategy)
	}
}

// QueryWithPassThrough reads keyPrefix+id, loading it from the store on a
// miss. Values are cached for ttl; records the store does not have are
// remembered with the empty marker for the client's null TTL.
func QueryWithPassThrough[ID any, T any](ctx context.Context, c *Client, keyPrefix string, id ID, load LoadFunc[ID, T], ttl time.Duration) (v T, found bool, err error) {
	key := keyPrefix + fmt.Sprint(id)
	ctx, span := startRead(ctx, PassThrough, key)
	start := time.Now()
	outcome := "error"
	defer func() { endRead(span, PassThrough, outcome, start, err) }()

	v, state, err := lookup[T](ctx, c, key)
	if err != nil {
		return v, false, err
	}
	switch state {
	case entryHit:
		outcome = "hit"
		return v, true, nil
	case entryEmpty:
		outcome = "empty"
		return v, false, nil
	}
	v, found, err = loadAndFill(ctx, c, key, id, load, ttl)
	if err == nil {
		outcome = loadedOutcome(found)
	}
	return v, found, err
}

// QueryWithMutex behaves like QueryWithPassThrough but lets only one caller
// across all processes load a missing key. Concurrent callers in this
// process share one attempt; others wait for the rebuild lock and re-read.
func QueryWithMutex[ID any, T any](ctx context.Context, c *Client, keyPrefix string, id ID, load LoadFunc[ID, T], ttl time.Duration) (v T, found bool, err error) {
	key := keyPrefix + fmt.Sprint(id)
	ctx, span := startRead(ctx, Mutex, key)
	start := time.Now()
	outcome := "error"
	defer func() { endRead(span, Mutex, outcome, start, err) }()

	v, state, err := lookup[T](ctx, c, key)
	if err != nil {
		return v, false, err
	}
	switch state {
	case entryHit:
		outcome = "hit"
		return v, true, nil
	case entryEmpty:
		outcome = "empty"
		return v, false, nil
	}

	type loaded struct {
		v     T
		found bool
	}
	flightCtx := context.WithoutCancel(ctx)
	ch := c.flights.DoChan(key, func() (any, error) {
		v, found, err := lockAndLoad(flightCtx, c, key, id, load, ttl)
		return loaded{v: v, found: found}, err
	})
	select {
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			var zero T
			return zero, false, r.Err
		}
		l := r.Val.(loaded)
		outcome = loadedOutcome(l.found)
		return l.v, l.found, nil
	}
}

func lockAndLoad[ID any, T any](ctx context.Context, c *Client, key string, id ID, load LoadFunc[ID, T], ttl time.Duration) (T, bool, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		m := c.newMutex(key)
		got, err := m.TryLock(ctx, c.lockTTL)
		if err != nil {
			return zero, false, err
		}
		if got {
			defer c.release(ctx, m)
			// another holder may have filled the key before we got the lock
			v, state, err := lookup[T](ctx, c, key)
			if err != nil {
				return zero, false, err
			}
			switch state {
			case entryHit:
				return v, true, nil
			case entryEmpty:
				return zero, false, nil
			}
			return loadAndFill(ctx, c, key, id, load, ttl)
		}

		if attempt >= c.maxRetries {
			return zero, false, fmt.Errorf("%w: %w: %s", warperrors.ErrUnavailable, warperrors.ErrRetryExhausted, key)
		}
		metrics.LockRetryCounter.Inc()
		t := time.NewTimer(c.retryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, false, ctx.Err()
		case <-t.C:
		}

		v, state, err := lookup[T](ctx, c, key)
		if err != nil {
			return zero, false, err
		}
		switch state {
		case entryHit:
			return v, true, nil
		case entryEmpty:
			return zero, false, nil
		}
	}
}

// QueryWithLogicalExpire reads an envelope written by SetWithLogicalExpire
// or Warmup. Missing keys are reported absent without touching the store.
// A stale envelope is returned as is while one caller schedules a rebuild
// on the client's pool.
func QueryWithLogicalExpire[ID any, T any](ctx context.Context, c *Client, keyPrefix string, id ID, load LoadFunc[ID, T], ttl time.Duration) (v T, found bool, err error) {
	key := keyPrefix + fmt.Sprint(id)
	ctx, span := startRead(ctx, LogicalExpire, key)
	start := time.Now()
	outcome := "error"
	defer func() { endRead(span, LogicalExpire, outcome, start, err) }()

	env, ok, err := lookupEnvelope[T](ctx, c, key)
	if err != nil {
		return v, false, err
	}
	if !ok {
		outcome = "absent"
		return v, false, nil
	}
	if !env.Expired(c.now()) {
		outcome = "hit"
		return env.Data, true, nil
	}

	outcome = "stale"
	m := c.newMutex(key)
	got, err := m.TryLock(ctx, c.lockTTL)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("rebuild lock unavailable, serving stale value")
		return env.Data, true, nil
	}
	if !got {
		return env.Data, true, nil
	}

	fresh, ok, err := lookupEnvelope[T](ctx, c, key)
	if err == nil && ok && !fresh.Expired(c.now()) {
		c.release(ctx, m)
		outcome = "hit"
		return fresh.Data, true, nil
	}

	task := func(tctx context.Context) {
		defer c.release(tctx, m)
		rebuild(tctx, c, key, id, load, ttl)
	}
	if !c.rebuilds.submit(task) {
		c.release(ctx, m)
		metrics.RebuildCounter.WithLabelValues("rejected").Inc()
		c.logger.Warn().Str("key", key).Msg("rebuild pool saturated, serving stale value")
		return env.Data, true, nil
	}
	metrics.RebuildCounter.WithLabelValues("scheduled").Inc()
	return env.Data, true, nil
}

func rebuild[ID any, T any](ctx context.Context, c *Client, key string, id ID, load LoadFunc[ID, T], ttl time.Duration) {
	metrics.CacheLoadCounter.Inc()
	v, ok, err := load(ctx, id)
	if err != nil {
		metrics.RebuildCounter.WithLabelValues("failed").Inc()
		c.logger.Error().Err(err).Str("key", key).Msg("rebuild load failed")
		return
	}
	if !ok {
		err = c.redis.SetMarker(ctx, key, c.nullTTL)
	} else {
		err = c.redis.SetEnvelope(ctx, key, cache.NewEnvelope(v, c.now(), ttl))
	}
	if err != nil {
		metrics.RebuildCounter.WithLabelValues("failed").Inc()
		c.logger.Error().Err(err).Str("key", key).Msg("rebuild write failed")
		return
	}
	metrics.RebuildCounter.WithLabelValues("done").Inc()
	c.logger.Debug().Str("key", key).Bool("found", ok).Msg("rebuilt")
}

func lookup[T any](ctx context.Context, c *Client, key string) (T, entryState, error) {
	var zero T
	raw, ok, err := c.redis.GetRaw(ctx, key)
	if err != nil {
		return zero, entryMiss, err
	}
	if !ok {
		return zero, entryMiss, nil
	}
	if raw == cache.EmptyMarker {
		return zero, entryEmpty, nil
	}
	v, err := cache.Decode[T](c.redis.Codec(), raw)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("undecodable cache entry, reloading")
		return zero, entryMiss, nil
	}
	return v, entryHit, nil
}

// lookupEnvelope reports false for missing keys, the empty marker and
// payloads that are not envelopes. An envelope always carries an expiry, so
// a decoded zero ExpireAt means the payload was a plain value.
func lookupEnvelope[T any](ctx context.Context, c *Client, key string) (cache.Envelope[T], bool, error) {
	var zero cache.Envelope[T]
	raw, ok, err := c.redis.GetRaw(ctx, key)
	if err != nil || !ok || raw == cache.EmptyMarker {
		return zero, false, err
	}
	env, err := cache.Decode[cache.Envelope[T]](c.redis.Codec(), raw)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("undecodable envelope, treating as absent")
		return zero, false, nil
	}
	if env.ExpireAt.IsZero() {
		c.logger.Warn().Str("key", key).Msg("entry is not an envelope, treating as absent")
		return zero, false, nil
	}
	return env, true, nil
}

func loadAndFill[ID any, T any](ctx context.Context, c *Client, key string, id ID, load LoadFunc[ID, T], ttl time.Duration) (T, bool, error) {
	var zero T
	metrics.CacheLoadCounter.Inc()
	v, ok, err := load(ctx, id)
	if err != nil {
		return zero, false, fmt.Errorf("load %s: %w", key, err)
	}
	if !ok {
		if err := c.redis.SetMarker(ctx, key, c.nullTTL); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("empty marker not written")
		}
		return zero, false, nil
	}
	if err := c.redis.SetValue(ctx, key, v, ttl); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache fill failed")
	}
	return v, true, nil
}

func loadedOutcome(found bool) string {
	if found {
		return "loaded"
	}
	return "absent"
}

func startRead(ctx context.Context, s Strategy, key string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "core.Read", trace.WithAttributes(
		attribute.String("cache.strategy", s.String()),
		attribute.String("cache.key", key),
	))
}

func endRead(span trace.Span, s Strategy, outcome string, start time.Time, err error) {
	metrics.CacheReadCounter.WithLabelValues(s.String(), outcome).Inc()
	metrics.ReadLatency.WithLabelValues(s.String()).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.String("cache.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
