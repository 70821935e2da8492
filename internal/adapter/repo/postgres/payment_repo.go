package postgres

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/ordercore/internal/domain"
)

// PaymentRepo persists payments. The unique order_id constraint is the last
// line of defense against double charging.
type PaymentRepo struct{ Pool PgxPool }

// NewPaymentRepo constructs a PaymentRepo with the given pool.
func NewPaymentRepo(p PgxPool) *PaymentRepo { return &PaymentRepo{Pool: p} }

// Insert stores one charge attempt; a second attempt for the same order
// surfaces as ErrConflict.
func (r *PaymentRepo) Insert(ctx domain.Context, p domain.Payment) error {
	const stmt = `INSERT INTO payments
		(id, order_id, amount_cents, currency, status, fail_reason, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := q(ctx, r.Pool).Exec(ctx, stmt,
		p.ID, p.OrderID, p.AmountCents, p.Currency, string(p.Status), p.FailReason, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("op=payment.insert: %w: order %s already has a payment", domain.ErrConflict, p.OrderID)
		}
		return fmt.Errorf("op=payment.insert: %w", err)
	}
	return nil
}

// GetByOrderID loads the payment for one order.
func (r *PaymentRepo) GetByOrderID(ctx domain.Context, orderID uuid.UUID) (domain.Payment, error) {
	const stmt = `SELECT id, order_id, amount_cents, currency, status, fail_reason, created_at, updated_at
		FROM payments WHERE order_id=$1`
	var (
		p      domain.Payment
		status string
	)
	err := q(ctx, r.Pool).QueryRow(ctx, stmt, orderID).Scan(&p.ID, &p.OrderID, &p.AmountCents,
		&p.Currency, &status, &p.FailReason, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Payment{}, fmt.Errorf("op=payment.get: %w: order %s", domain.ErrNotFound, orderID)
		}
		return domain.Payment{}, fmt.Errorf("op=payment.get: %w", err)
	}
	p.Status = domain.PaymentStatus(status)
	return p, nil
}

// Save updates a payment's status fields.
func (r *PaymentRepo) Save(ctx domain.Context, p domain.Payment) error {
	const stmt = `UPDATE payments SET status=$2, fail_reason=$3, updated_at=$4 WHERE id=$1`
	tag, err := q(ctx, r.Pool).Exec(ctx, stmt, p.ID, string(p.Status), p.FailReason, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("op=payment.save: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=payment.save: %w: id %s", domain.ErrNotFound, p.ID)
	}
	return nil
}
