package seckill

import "fmt"

// Status is the outcome of a submission. The first three values match the
// admission script's return codes.
type Status int

const (
	Admitted Status = iota
	InsufficientStock
	DuplicateOrder
	NotStarted
	Ended
	VoucherNotFound
)

func (s Status) String() string {
	switch s {
	case Admitted:
		return "admitted"
	case InsufficientStock:
		return "insufficient_stock"
	case DuplicateOrder:
		return "duplicate_order"
	case NotStarted:
		return "not_started"
	case Ended:
		return "ended"
	case VoucherNotFound:
		return "voucher_not_found"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is returned by Submit. OrderID is set only when Status is Admitted.
type Result struct {
	Status  Status
	OrderID int64
}

// OK reports whether the request was admitted.
func (r Result) OK() bool { return r.Status == Admitted }
