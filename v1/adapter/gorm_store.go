package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	warperrors "github.com/mirkobrombin/go-seckill/v1/errors"
	"github.com/mirkobrombin/go-seckill/v1/model"
)

const defaultGormOpTimeout = 5 * time.Second

// GormStore implements Store using a GORM backend.
type GormStore struct {
	db      *gorm.DB
	timeout time.Duration
}

// GormOption configures a GormStore.
type GormOption func(*gormStoreOptions)

type gormStoreOptions struct {
	timeout time.Duration
}

// WithGormTimeout sets the operation timeout for GORM calls.
func WithGormTimeout(d time.Duration) GormOption {
	return func(o *gormStoreOptions) {
		o.timeout = d
	}
}

// NewGormStore returns a new GormStore using the provided GORM DB connection.
// Missing tables are created.
func NewGormStore(db *gorm.DB, opts ...GormOption) (*GormStore, error) {
	o := gormStoreOptions{timeout: defaultGormOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if err := db.AutoMigrate(&model.Shop{}, &model.SeckillVoucher{}, &model.VoucherOrder{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &GormStore{db: db, timeout: o.timeout}, nil
}

func (s *GormStore) wrap(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", warperrors.ErrUnavailable, op, warperrors.ErrTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", warperrors.ErrUnavailable, op, err)
}

// GetShop implements ShopStore.
func (s *GormStore) GetShop(ctx context.Context, id int64) (model.Shop, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var shop model.Shop
	err := s.db.WithContext(cctx).First(&shop, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Shop{}, false, nil
	}
	if err != nil {
		return model.Shop{}, false, s.wrap("get shop", err)
	}
	return shop, true, nil
}

// SaveShop implements Store.
func (s *GormStore) SaveShop(ctx context.Context, shop model.Shop) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := s.db.WithContext(cctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&shop).Error
	if err != nil {
		return s.wrap("save shop", err)
	}
	return nil
}

// GetSeckillVoucher implements VoucherStore.
func (s *GormStore) GetSeckillVoucher(ctx context.Context, voucherID int64) (model.SeckillVoucher, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var v model.SeckillVoucher
	err := s.db.WithContext(cctx).First(&v, "voucher_id = ?", voucherID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.SeckillVoucher{}, false, nil
	}
	if err != nil {
		return model.SeckillVoucher{}, false, s.wrap("get voucher", err)
	}
	return v, true, nil
}

// SaveSeckillVoucher implements Store.
func (s *GormStore) SaveSeckillVoucher(ctx context.Context, v model.SeckillVoucher) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := s.db.WithContext(cctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&v).Error
	if err != nil {
		return s.wrap("save voucher", err)
	}
	return nil
}

// CountOrders implements OrderStore.
func (s *GormStore) CountOrders(ctx context.Context, userID, voucherID int64) (int64, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var n int64
	err := s.db.WithContext(cctx).Model(&model.VoucherOrder{}).
		Where("user_id = ? AND voucher_id = ?", userID, voucherID).
		Count(&n).Error
	if err != nil {
		return 0, s.wrap("count orders", err)
	}
	return n, nil
}

// CreateVoucherOrder implements OrderStore. The conditional decrement and
// the insert share one transaction.
func (s *GormStore) CreateVoucherOrder(ctx context.Context, order model.VoucherOrder) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	created := false
	err := s.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.SeckillVoucher{}).
			Where("voucher_id = ? AND stock > 0", order.VoucherID).
			Update("stock", gorm.Expr("stock - 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if err := tx.Create(&order).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return false, s.wrap("create order", err)
	}
	return created, nil
}
