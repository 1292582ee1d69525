package seckill

import (
	"context"
	"time"

	"github.com/mirkobrombin/go-seckill/v1/metrics"
	"github.com/mirkobrombin/go-seckill/v1/model"
)

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)
	p.logger.Info().Msg("order worker started")
	for {
		select {
		case <-ctx.Done():
			p.logger.Warn().Int("pending", len(p.tasks)).Msg("order worker stopped before draining")
			return
		case task, ok := <-p.tasks:
			if !ok {
				p.logger.Info().Msg("order worker drained")
				return
			}
			metrics.QueueGauge.Dec()
			p.handle(ctx, task)
		}
	}
}

// handle persists one task. Failures are logged and counted; they never
// stop the worker.
func (p *Pipeline) handle(ctx context.Context, task model.OrderTask) {
	log := p.logger.With().
		Int64("order", task.OrderID).
		Int64("user", task.UserID).
		Int64("voucher", task.VoucherID).
		Logger()
	defer func() {
		if r := recover(); r != nil {
			metrics.OrderCounter.WithLabelValues("failed").Inc()
			log.Error().Interface("panic", r).Msg("order task panicked")
		}
	}()

	m := p.locker.NewMutex(UserLockName(task.UserID))
	ok, err := m.TryLock(ctx, p.userLockTTL)
	if err != nil {
		metrics.OrderCounter.WithLabelValues("failed").Inc()
		log.Error().Err(err).Msg("user lock unavailable")
		return
	}
	if !ok {
		metrics.OrderCounter.WithLabelValues("busy").Inc()
		log.Warn().Msg("user lock busy, order dropped")
		return
	}
	defer func() {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if _, err := m.Unlock(uctx); err != nil {
			log.Warn().Err(err).Msg("user unlock failed, lock will expire")
		}
	}()

	n, err := p.orders.CountOrders(ctx, task.UserID, task.VoucherID)
	if err != nil {
		metrics.OrderCounter.WithLabelValues("failed").Inc()
		log.Error().Err(err).Msg("order lookup failed")
		return
	}
	if n > 0 {
		metrics.OrderCounter.WithLabelValues("duplicate").Inc()
		log.Warn().Msg("user already holds an order")
		return
	}

	created, err := p.orders.CreateVoucherOrder(ctx, task.Order())
	if err != nil {
		metrics.OrderCounter.WithLabelValues("failed").Inc()
		log.Error().Err(err).Msg("order insert failed")
		return
	}
	if !created {
		metrics.OrderCounter.WithLabelValues("sold_out").Inc()
		log.Warn().Msg("durable stock exhausted")
		return
	}
	metrics.OrderCounter.WithLabelValues("created").Inc()
	log.Debug().Msg("order persisted")
}
