package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderConfirmedS OrderStatus = "confirmed"
	OrderCancelledS OrderStatus = "cancelled"
)

// Order is the order-service aggregate. The transaction core only needs its
// status machine; pricing, addresses, and the rest of the CRUD surface live
// with the HTTP layer, which is out of scope here.
type Order struct {
	ID               uuid.UUID
	CustomerID       uuid.UUID
	Items            []OrderLine
	TotalAmountCents int64
	Currency         string
	Status           OrderStatus
	CancelReason     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	RowVersion       int64
}

// TotalFromItems sums line totals.
func TotalFromItems(items []OrderLine) int64 {
	var total int64
	for _, it := range items {
		total += it.Quantity * it.UnitPriceCents
	}
	return total
}

// Confirm transitions Pending -> Confirmed.
func (o *Order) Confirm(now time.Time) error {
	if o.Status == OrderConfirmedS {
		return nil // idempotent
	}
	if o.Status != OrderPending {
		return fmt.Errorf("op=order.confirm: %w: cannot confirm %s order", ErrConflict, o.Status)
	}
	o.Status = OrderConfirmedS
	o.UpdatedAt = now
	return nil
}

// Cancel transitions Pending -> Cancelled.
func (o *Order) Cancel(reason string, now time.Time) error {
	if o.Status == OrderCancelledS {
		return nil // idempotent
	}
	if o.Status != OrderPending {
		return fmt.Errorf("op=order.cancel: %w: cannot cancel %s order", ErrConflict, o.Status)
	}
	o.Status = OrderCancelledS
	o.CancelReason = reason
	o.UpdatedAt = now
	return nil
}

// OrderRepository persists orders. Save compare-and-swaps on RowVersion.
type OrderRepository interface {
	Insert(ctx Context, o Order) error
	Get(ctx Context, id uuid.UUID) (Order, error)
	Save(ctx Context, o Order) error
}
