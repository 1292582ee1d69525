// Package model defines the records shared by the cache layer, the
// flash-sale pipeline and the durable store.
package model

import "time"

// Shop is the read-heavy record served through the cache layer.
type Shop struct {
	ID      int64   `json:"id" msgpack:"id" cbor:"id" gorm:"primaryKey;column:id"`
	Name    string  `json:"name" msgpack:"name" cbor:"name" gorm:"size:128;column:name"`
	TypeID  int64   `json:"typeId" msgpack:"typeId" cbor:"typeId" gorm:"index;column:type_id"`
	Area    string  `json:"area" msgpack:"area" cbor:"area" gorm:"size:128;column:area"`
	Address string  `json:"address" msgpack:"address" cbor:"address" gorm:"size:255;column:address"`
	Score   float64 `json:"score" msgpack:"score" cbor:"score" gorm:"column:score"`
}

// TableName implements gorm's tabler.
func (Shop) TableName() string { return "tb_shop" }

// SeckillVoucher is the flash-sale view of a voucher. Only Stock is consulted
// by the admission script; the window is checked before it runs.
type SeckillVoucher struct {
	VoucherID int64     `json:"voucherId" gorm:"primaryKey;column:voucher_id"`
	Stock     int64     `json:"stock" gorm:"column:stock"`
	BeginTime time.Time `json:"beginTime" gorm:"column:begin_time"`
	EndTime   time.Time `json:"endTime" gorm:"column:end_time"`
}

// TableName implements gorm's tabler.
func (SeckillVoucher) TableName() string { return "tb_seckill_voucher" }

// Open reports whether the sale window contains t.
func (v SeckillVoucher) Open(t time.Time) bool {
	return !t.Before(v.BeginTime) && !t.After(v.EndTime)
}

// Order status values.
const (
	OrderUnpaid int32 = iota + 1
	OrderPaid
	OrderCancelled
)

// VoucherOrder is the durable order row.
type VoucherOrder struct {
	ID         int64     `json:"id" gorm:"primaryKey;autoIncrement:false;column:id"`
	UserID     int64     `json:"userId" gorm:"uniqueIndex:idx_user_voucher;column:user_id"`
	VoucherID  int64     `json:"voucherId" gorm:"uniqueIndex:idx_user_voucher;column:voucher_id"`
	Status     int32     `json:"status" gorm:"column:status"`
	CreateTime time.Time `json:"createTime" gorm:"autoCreateTime;column:create_time"`
}

// TableName implements gorm's tabler.
func (VoucherOrder) TableName() string { return "tb_voucher_order" }

// OrderTask is handed from admission to the persistence worker.
type OrderTask struct {
	OrderID   int64
	UserID    int64
	VoucherID int64
}

// Order builds the row persisted for t.
func (t OrderTask) Order() VoucherOrder {
	return VoucherOrder{ID: t.OrderID, UserID: t.UserID, VoucherID: t.VoucherID, Status: OrderUnpaid}
}
