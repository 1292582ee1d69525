package adapter_test

import (
	"context"
	"sync"
	"testing"

	"github.com/mirkobrombin/go-seckill/v1/adapter"
	"github.com/mirkobrombin/go-seckill/v1/model"
)

func TestInMemoryStoreShops(t *testing.T) {
	s := adapter.NewInMemoryStore()
	ctx := context.Background()
	if _, ok, err := s.GetShop(ctx, 1); err != nil || ok {
		t.Fatalf("GetShop: expected not found, got ok=%v err=%v", ok, err)
	}
	if err := s.SaveShop(ctx, model.Shop{ID: 1, Name: "noodles"}); err != nil {
		t.Fatalf("SaveShop: %v", err)
	}
	if v, ok, err := s.GetShop(ctx, 1); err != nil || !ok || v.Name != "noodles" {
		t.Fatalf("GetShop: expected noodles, got %+v ok=%v err=%v", v, ok, err)
	}
	if n := s.ShopLoads(); n != 2 {
		t.Fatalf("expected 2 loads, got %d", n)
	}
}

func TestInMemoryStoreCreateVoucherOrderStopsAtZero(t *testing.T) {
	s := adapter.NewInMemoryStore()
	ctx := context.Background()
	if err := s.SaveSeckillVoucher(ctx, model.SeckillVoucher{VoucherID: 7, Stock: 3}); err != nil {
		t.Fatalf("SaveSeckillVoucher: %v", err)
	}

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(i int64) {
			defer wg.Done()
			if _, err := s.CreateVoucherOrder(ctx, model.VoucherOrder{ID: i, UserID: i, VoucherID: 7}); err != nil {
				t.Errorf("CreateVoucherOrder: %v", err)
			}
		}(int64(i))
	}
	wg.Wait()

	if got := len(s.Orders()); got != 3 {
		t.Fatalf("expected 3 orders, got %d", got)
	}
	v, _, _ := s.GetSeckillVoucher(ctx, 7)
	if v.Stock != 0 {
		t.Fatalf("expected stock 0, got %d", v.Stock)
	}
}

func TestInMemoryStoreCountOrders(t *testing.T) {
	s := adapter.NewInMemoryStore()
	ctx := context.Background()
	_ = s.SaveSeckillVoucher(ctx, model.SeckillVoucher{VoucherID: 7, Stock: 10})

	if ok, err := s.CreateVoucherOrder(ctx, model.VoucherOrder{ID: 1, UserID: 42, VoucherID: 7}); err != nil || !ok {
		t.Fatalf("CreateVoucherOrder: ok=%v err=%v", ok, err)
	}
	if n, err := s.CountOrders(ctx, 42, 7); err != nil || n != 1 {
		t.Fatalf("CountOrders: expected 1, got %d err %v", n, err)
	}
	if n, _ := s.CountOrders(ctx, 43, 7); n != 0 {
		t.Fatalf("CountOrders: expected 0 for other user, got %d", n)
	}
}

func TestInMemoryStoreUnknownVoucher(t *testing.T) {
	s := adapter.NewInMemoryStore()
	ok, err := s.CreateVoucherOrder(context.Background(), model.VoucherOrder{ID: 1, UserID: 1, VoucherID: 99})
	if err != nil || ok {
		t.Fatalf("expected no order for unknown voucher, got ok=%v err=%v", ok, err)
	}
}
