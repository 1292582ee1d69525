package validator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mirkobrombin/go-seckill/v1/cache"
	"github.com/mirkobrombin/go-seckill/v1/core"
	"github.com/mirkobrombin/go-seckill/v1/metrics"
)

// Mode defines validator behaviour.
type Mode int

const (
	ModeNoop Mode = iota
	ModeAlert
	ModeAutoHeal
)

// Validator periodically compares cached entries for a fixed set of ids
// with the store and reports the ones that drifted.
type Validator[ID any, T any] struct {
	client    *core.Client
	keyPrefix string
	ids       []ID
	load      core.LoadFunc[ID, T]
	ttl       time.Duration
	mode      Mode
	interval  time.Duration
	envelopes bool
	logger    zerolog.Logger

	mismatches atomic.Uint64
}

// Option configures a Validator.
type Option func(*options)

type options struct {
	envelopes bool
	ttl       time.Duration
	logger    zerolog.Logger
}

// WithEnvelopes makes the validator read entries written by the logical
// expiry strategy. Healed entries are rewritten as envelopes.
func WithEnvelopes() Option {
	return func(o *options) { o.envelopes = true }
}

// WithTTL sets the TTL (or logical expiry) of healed envelopes.
func WithTTL(d time.Duration) Option {
	return func(o *options) { o.ttl = d }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New creates a new Validator for keyPrefix+id, id in ids.
func New[ID any, T any](c *core.Client, keyPrefix string, ids []ID, load core.LoadFunc[ID, T], mode Mode, interval time.Duration, opts ...Option) *Validator[ID, T] {
	o := options{ttl: 30 * time.Minute, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Validator[ID, T]{
		client:    c,
		keyPrefix: keyPrefix,
		ids:       ids,
		load:      load,
		ttl:       o.ttl,
		mode:      mode,
		interval:  interval,
		envelopes: o.envelopes,
		logger:    o.logger,
	}
}

// Run starts the validation loop.
func (v *Validator[ID, T]) Run(ctx context.Context) {
	if v.mode == ModeNoop || v.interval <= 0 {
		return
	}
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.Scan(ctx)
		}
	}
}

// Scan checks every id once and returns how many entries drifted.
func (v *Validator[ID, T]) Scan(ctx context.Context) int {
	drifted := 0
	for _, id := range v.ids {
		if ctx.Err() != nil {
			break
		}
		key := v.keyPrefix + fmt.Sprint(id)
		cached, ok := v.cached(ctx, key)
		if !ok {
			continue
		}
		stored, found, err := v.load(ctx, id)
		if err != nil {
			v.logger.Warn().Err(err).Str("key", key).Msg("validator load failed")
			continue
		}
		if found && digest(cached) == digest(stored) {
			continue
		}
		drifted++
		v.mismatches.Add(1)
		metrics.DriftCounter.Inc()
		v.logger.Warn().Str("key", key).Bool("in_store", found).Msg("cache entry drifted from store")
		if v.mode == ModeAutoHeal {
			v.heal(ctx, key, stored, found)
		}
	}
	return drifted
}

// cached returns the decoded value under key; markers and undecodable
// entries are skipped.
func (v *Validator[ID, T]) cached(ctx context.Context, key string) (T, bool) {
	var zero T
	raw, ok, err := v.client.Cache().GetRaw(ctx, key)
	if err != nil || !ok || raw == cache.EmptyMarker {
		return zero, false
	}
	codec := v.client.Cache().Codec()
	if v.envelopes {
		env, err := cache.Decode[cache.Envelope[T]](codec, raw)
		if err != nil {
			return zero, false
		}
		return env.Data, true
	}
	val, err := cache.Decode[T](codec, raw)
	if err != nil {
		return zero, false
	}
	return val, true
}

func (v *Validator[ID, T]) heal(ctx context.Context, key string, stored T, found bool) {
	var err error
	if v.envelopes && found {
		err = core.SetWithLogicalExpire(ctx, v.client, key, stored, v.ttl)
	} else {
		err = core.Invalidate(ctx, v.client, key)
	}
	if err != nil {
		v.logger.Error().Err(err).Str("key", key).Msg("heal failed")
	}
}

// Metrics returns number of mismatches detected.
func (v *Validator[ID, T]) Metrics() uint64 {
	return v.mismatches.Load()
}

func digest(v any) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%v", v)))
	return hex.EncodeToString(h[:])
}
