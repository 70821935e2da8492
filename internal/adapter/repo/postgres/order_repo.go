package postgres

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/ordercore/internal/domain"
)

// OrderRepo persists orders with their items as a JSONB document.
type OrderRepo struct{ Pool PgxPool }

// NewOrderRepo constructs an OrderRepo with the given pool.
func NewOrderRepo(p PgxPool) *OrderRepo { return &OrderRepo{Pool: p} }

// Insert stores a new order at row version 1.
func (r *OrderRepo) Insert(ctx domain.Context, o domain.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("op=order.insert: marshal items: %w", err)
	}
	const stmt = `INSERT INTO orders
		(id, customer_id, items, total_amount_cents, currency, status, cancel_reason, created_at, updated_at, row_version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,1)`
	_, err = q(ctx, r.Pool).Exec(ctx, stmt,
		o.ID, o.CustomerID, items, o.TotalAmountCents, o.Currency,
		string(o.Status), o.CancelReason, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("op=order.insert: %w: id %s", domain.ErrConflict, o.ID)
		}
		return fmt.Errorf("op=order.insert: %w", err)
	}
	return nil
}

// Get loads one order.
func (r *OrderRepo) Get(ctx domain.Context, id uuid.UUID) (domain.Order, error) {
	const stmt = `SELECT id, customer_id, items, total_amount_cents, currency, status, cancel_reason, created_at, updated_at, row_version
		FROM orders WHERE id=$1`
	var (
		o      domain.Order
		items  []byte
		status string
	)
	err := q(ctx, r.Pool).QueryRow(ctx, stmt, id).Scan(&o.ID, &o.CustomerID, &items, &o.TotalAmountCents,
		&o.Currency, &status, &o.CancelReason, &o.CreatedAt, &o.UpdatedAt, &o.RowVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, fmt.Errorf("op=order.get: %w: %s", domain.ErrNotFound, id)
		}
		return domain.Order{}, fmt.Errorf("op=order.get: %w", err)
	}
	o.Status = domain.OrderStatus(status)
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return domain.Order{}, fmt.Errorf("op=order.get: unmarshal items: %w", err)
	}
	return o, nil
}

// Save compare-and-swaps on row version.
func (r *OrderRepo) Save(ctx domain.Context, o domain.Order) error {
	const stmt = `UPDATE orders
		SET status=$2, cancel_reason=$3, updated_at=$4, row_version = row_version + 1
		WHERE id=$1 AND row_version=$5`
	tag, err := q(ctx, r.Pool).Exec(ctx, stmt,
		o.ID, string(o.Status), o.CancelReason, o.UpdatedAt, o.RowVersion)
	if err != nil {
		return fmt.Errorf("op=order.save: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=order.save: %w: row version %d is stale for order %s", domain.ErrConflict, o.RowVersion, o.ID)
	}
	return nil
}
