package seckill

import (
	"context"
	"testing"
	"time"

	"github.com/mirkobrombin/go-seckill/v1/adapter"
	"github.com/mirkobrombin/go-seckill/v1/model"
)

type poisonStore struct {
	*adapter.InMemoryStore
	poison int64
}

func (s poisonStore) CreateVoucherOrder(ctx context.Context, o model.VoucherOrder) (bool, error) {
	if o.UserID == s.poison {
		panic("poisoned order")
	}
	return s.InMemoryStore.CreateVoucherOrder(ctx, o)
}

func TestWorkerSurvivesPoisonedTask(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, poisonStore{InMemoryStore: f.store, poison: 13}, nil)
	ctx := context.Background()
	p.Start(ctx)
	f.openVoucher(t, p, 1, 10)

	for _, u := range []int64{12, 13, 14} {
		if res, err := p.Submit(ctx, 1, u); err != nil || !res.OK() {
			t.Fatalf("Submit(%d): %+v err %v", u, res, err)
		}
	}
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	users := make(map[int64]bool)
	for _, o := range f.store.Orders() {
		users[o.UserID] = true
	}
	if !users[12] || !users[14] || users[13] {
		t.Fatalf("expected orders for 12 and 14 only, got %v", users)
	}
	if f.mr.Exists("lock:" + UserLockName(13)) {
		t.Fatal("user lock must be released after a panic")
	}
}

func TestWorkerSkipsExistingOrder(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, nil, nil)
	ctx := context.Background()
	f.openVoucher(t, p, 1, 10)

	// an order persisted by an earlier run that Redis no longer knows about
	if ok, err := f.store.CreateVoucherOrder(ctx, model.VoucherOrder{ID: 1, UserID: 7, VoucherID: 1}); err != nil || !ok {
		t.Fatalf("CreateVoucherOrder: ok=%v err=%v", ok, err)
	}

	p.Start(ctx)
	if res, err := p.Submit(ctx, 1, 7); err != nil || !res.OK() {
		t.Fatalf("Submit: %+v err %v", res, err)
	}
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n, _ := f.store.CountOrders(ctx, 7, 1); n != 1 {
		t.Fatalf("expected a single order for the user, got %d", n)
	}
	v, _, _ := f.store.GetSeckillVoucher(ctx, 1)
	if v.Stock != 9 {
		t.Fatalf("durable stock must be decremented once, got %d", v.Stock)
	}
}

func TestWorkerDropsTaskWhenUserLocked(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, nil, nil)
	ctx := context.Background()
	f.openVoucher(t, p, 1, 10)

	held := f.locker.NewMutex(UserLockName(8))
	if ok, err := held.TryLock(ctx, time.Minute); err != nil || !ok {
		t.Fatalf("TryLock: ok=%v err=%v", ok, err)
	}

	p.Start(ctx)
	if res, err := p.Submit(ctx, 1, 8); err != nil || !res.OK() {
		t.Fatalf("Submit: %+v err %v", res, err)
	}
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n, _ := f.store.CountOrders(ctx, 8, 1); n != 0 {
		t.Fatalf("expected no order while the user lock is held elsewhere, got %d", n)
	}
	if got, _ := f.mr.Get("lock:" + UserLockName(8)); got != held.Token() {
		t.Fatal("worker must not release a lock it does not own")
	}
}

func TestWorkerDurableSoldOut(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, nil, nil)
	ctx := context.Background()
	v := f.openVoucher(t, p, 1, 2)

	// Redis believes there is more stock than the store holds
	v.Stock = 5
	if err := p.LoadVoucher(ctx, v); err != nil {
		t.Fatalf("LoadVoucher: %v", err)
	}
	p.Start(ctx)
	for u := int64(1); u <= 4; u++ {
		if res, err := p.Submit(ctx, 1, u); err != nil || !res.OK() {
			t.Fatalf("Submit(%d): %+v err %v", u, res, err)
		}
	}
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := len(f.store.Orders()); n != 2 {
		t.Fatalf("expected store predicate to cap orders at 2, got %d", n)
	}
}

func TestWorkerStopsWithContext(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	cancel()

	select {
	case <-p.done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
