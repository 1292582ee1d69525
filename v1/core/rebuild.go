package core

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	warperrors "github.com/mirkobrombin/go-seckill/v1/errors"
	"github.com/mirkobrombin/go-seckill/v1/metrics"
)

type rebuildTask func(ctx context.Context)

// rebuildPool runs logical-expiry rebuilds on a fixed set of goroutines fed
// by a bounded queue. Submissions never block.
type rebuildPool struct {
	tasks  chan rebuildTask
	g      errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

func newRebuildPool(workers, queue int, logger zerolog.Logger) *rebuildPool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &rebuildPool{
		tasks:  make(chan rebuildTask, queue),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
	for i := 0; i < workers; i++ {
		p.g.Go(func() error {
			for task := range p.tasks {
				p.run(task)
			}
			return nil
		})
	}
	return p
}

func (p *rebuildPool) run(task rebuildTask) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RebuildCounter.WithLabelValues("failed").Inc()
			p.logger.Error().Interface("panic", r).Msg("rebuild panicked")
		}
	}()
	task(p.ctx)
}

// submit queues task and reports whether it was accepted.
func (p *rebuildPool) submit(task rebuildTask) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

func (p *rebuildPool) close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return warperrors.ErrClosed
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = p.g.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}
