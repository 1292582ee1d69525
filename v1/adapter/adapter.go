package adapter

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/mirkobrombin/go-seckill/v1/model"
)

// ShopStore is the durable source behind the shop cache.
type ShopStore interface {
	// GetShop returns the shop with id. The boolean reports whether it exists.
	GetShop(ctx context.Context, id int64) (model.Shop, bool, error)
}

// VoucherStore is the durable source of flash-sale vouchers.
type VoucherStore interface {
	GetSeckillVoucher(ctx context.Context, voucherID int64) (model.SeckillVoucher, bool, error)
}

// OrderStore persists flash-sale orders.
type OrderStore interface {
	// CountOrders returns how many orders userID holds for voucherID.
	CountOrders(ctx context.Context, userID, voucherID int64) (int64, error)
	// CreateVoucherOrder decrements the voucher stock if it is still positive
	// and inserts the order, atomically. It returns false when the stock
	// predicate failed and nothing was written.
	CreateVoucherOrder(ctx context.Context, order model.VoucherOrder) (bool, error)
}

// Store groups every durable operation the subsystem needs, plus the writes
// used to seed data.
type Store interface {
	ShopStore
	VoucherStore
	OrderStore
	SaveShop(ctx context.Context, shop model.Shop) error
	SaveSeckillVoucher(ctx context.Context, v model.SeckillVoucher) error
}

// InMemoryStore is a Store backed by maps, used in tests and examples.
type InMemoryStore struct {
	mu       sync.RWMutex
	shops    map[int64]model.Shop
	vouchers map[int64]model.SeckillVoucher
	orders   map[int64]model.VoucherOrder

	shopLoads atomic.Int64
}

// NewInMemoryStore returns a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		shops:    make(map[int64]model.Shop),
		vouchers: make(map[int64]model.SeckillVoucher),
		orders:   make(map[int64]model.VoucherOrder),
	}
}

// GetShop implements ShopStore.
func (s *InMemoryStore) GetShop(ctx context.Context, id int64) (model.Shop, bool, error) {
	s.shopLoads.Add(1)
	if err := ctx.Err(); err != nil {
		return model.Shop{}, false, err
	}
	s.mu.RLock()
	v, ok := s.shops[id]
	s.mu.RUnlock()
	return v, ok, nil
}

// ShopLoads reports how many times GetShop was called.
func (s *InMemoryStore) ShopLoads() int64 { return s.shopLoads.Load() }

// SaveShop implements Store.
func (s *InMemoryStore) SaveShop(ctx context.Context, shop model.Shop) error {
	s.mu.Lock()
	s.shops[shop.ID] = shop
	s.mu.Unlock()
	return nil
}

// GetSeckillVoucher implements VoucherStore.
func (s *InMemoryStore) GetSeckillVoucher(ctx context.Context, voucherID int64) (model.SeckillVoucher, bool, error) {
	s.mu.RLock()
	v, ok := s.vouchers[voucherID]
	s.mu.RUnlock()
	return v, ok, nil
}

// SaveSeckillVoucher implements Store.
func (s *InMemoryStore) SaveSeckillVoucher(ctx context.Context, v model.SeckillVoucher) error {
	s.mu.Lock()
	s.vouchers[v.VoucherID] = v
	s.mu.Unlock()
	return nil
}

// CountOrders implements OrderStore.
func (s *InMemoryStore) CountOrders(ctx context.Context, userID, voucherID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, o := range s.orders {
		if o.UserID == userID && o.VoucherID == voucherID {
			n++
		}
	}
	return n, nil
}

// CreateVoucherOrder implements OrderStore.
func (s *InMemoryStore) CreateVoucherOrder(ctx context.Context, order model.VoucherOrder) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vouchers[order.VoucherID]
	if !ok || v.Stock <= 0 {
		return false, nil
	}
	v.Stock--
	s.vouchers[order.VoucherID] = v
	s.orders[order.ID] = order
	return true, nil
}

// Orders returns a snapshot of every persisted order.
func (s *InMemoryStore) Orders() []model.VoucherOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.VoucherOrder, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	return out
}
