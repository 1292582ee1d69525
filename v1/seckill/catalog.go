package seckill

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mirkobrombin/go-seckill/v1/adapter"
	"github.com/mirkobrombin/go-seckill/v1/cache"
	"github.com/mirkobrombin/go-seckill/v1/model"
)

// catalog keeps recently used vouchers in process memory so the window
// check does not hit the store on every request.
type catalog struct {
	local *cache.RistrettoCache[model.SeckillVoucher]
	store adapter.VoucherStore
	ttl   time.Duration
}

func catalogKey(voucherID int64) string {
	return strconv.FormatInt(voucherID, 10)
}

func (c *catalog) get(ctx context.Context, voucherID int64) (model.SeckillVoucher, bool, error) {
	key := catalogKey(voucherID)
	if v, ok, err := c.local.Get(ctx, key); err == nil && ok {
		return v, true, nil
	}
	v, ok, err := c.store.GetSeckillVoucher(ctx, voucherID)
	if err != nil {
		return model.SeckillVoucher{}, false, fmt.Errorf("voucher %d: %w", voucherID, err)
	}
	if !ok {
		return model.SeckillVoucher{}, false, nil
	}
	_ = c.local.Set(ctx, key, v, c.ttl)
	return v, true, nil
}

func (c *catalog) forget(ctx context.Context, voucherID int64) {
	_ = c.local.Invalidate(ctx, catalogKey(voucherID))
}
