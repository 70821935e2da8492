package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentStatus is the lifecycle state of a payment attempt.
type PaymentStatus string

const (
	PaymentAuthorized PaymentStatus = "authorized"
	PaymentDeclined   PaymentStatus = "declined"
	PaymentRefunded   PaymentStatus = "refunded"
)

// Payment records one charge attempt for an order.
type Payment struct {
	ID          uuid.UUID
	OrderID     uuid.UUID
	AmountCents int64
	Currency    string
	Status      PaymentStatus
	FailReason  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PaymentRepository persists payments, keyed by order for refund lookups.
type PaymentRepository interface {
	Insert(ctx Context, p Payment) error
	GetByOrderID(ctx Context, orderID uuid.UUID) (Payment, error)
	Save(ctx Context, p Payment) error
}
