package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ordercore/internal/domain"
)

// ProductRepo persists the inventory aggregate: the product row plus its
// reservation rows, saved under one row-version compare-and-swap.
type ProductRepo struct{ Pool PgxPool }

// NewProductRepo constructs a ProductRepo with the given pool.
func NewProductRepo(p PgxPool) *ProductRepo { return &ProductRepo{Pool: p} }

// Create inserts a brand-new product at row version 1. Seeding and catalog
// onboarding use it; the reservation engine only ever Saves.
func (r *ProductRepo) Create(ctx domain.Context, p domain.Product) error {
	const stmt = `INSERT INTO products
		(id, sku, name, stock_quantity, reserved_quantity, reorder_level, reorder_quantity, last_restock_at, row_version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,1)`
	_, err := q(ctx, r.Pool).Exec(ctx, stmt,
		p.ID, p.SKU, p.Name, p.StockQuantity, p.ReservedQuantity,
		p.ReorderLevel, p.ReorderQuantity, p.LastRestockAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("op=product.create: %w: sku %s", domain.ErrConflict, p.SKU)
		}
		return fmt.Errorf("op=product.create: %w", err)
	}
	return nil
}

// Get loads a product with all its reservations.
func (r *ProductRepo) Get(ctx domain.Context, id uuid.UUID) (domain.Product, error) {
	tracer := otel.Tracer("repo.products")
	ctx, span := tracer.Start(ctx, "products.Get")
	defer span.End()
	db := q(ctx, r.Pool)

	const stmt = `SELECT id, sku, name, stock_quantity, reserved_quantity, reorder_level, reorder_quantity, last_restock_at, row_version
		FROM products WHERE id=$1`
	var p domain.Product
	err := db.QueryRow(ctx, stmt, id).Scan(&p.ID, &p.SKU, &p.Name, &p.StockQuantity, &p.ReservedQuantity,
		&p.ReorderLevel, &p.ReorderQuantity, &p.LastRestockAt, &p.RowVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Product{}, fmt.Errorf("op=product.get: %w: %s", domain.ErrNotFound, id)
		}
		return domain.Product{}, fmt.Errorf("op=product.get: %w", err)
	}

	p.Reservations, err = r.reservations(ctx, db, id)
	if err != nil {
		return domain.Product{}, err
	}
	return p, nil
}

// Save compare-and-swaps the product row on row version and upserts every
// reservation under the same transaction.
func (r *ProductRepo) Save(ctx domain.Context, p domain.Product) error {
	tracer := otel.Tracer("repo.products")
	ctx, span := tracer.Start(ctx, "products.Save")
	defer span.End()
	db := q(ctx, r.Pool)

	const stmt = `UPDATE products
		SET stock_quantity=$2, reserved_quantity=$3, reorder_level=$4, reorder_quantity=$5,
		    last_restock_at=$6, row_version = row_version + 1
		WHERE id=$1 AND row_version=$7`
	tag, err := db.Exec(ctx, stmt,
		p.ID, p.StockQuantity, p.ReservedQuantity, p.ReorderLevel, p.ReorderQuantity,
		p.LastRestockAt, p.RowVersion)
	if err != nil {
		return fmt.Errorf("op=product.save: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=product.save: %w: row version %d is stale for product %s", domain.ErrConflict, p.RowVersion, p.ID)
	}

	const upsert = `INSERT INTO stock_reservations
		(id, product_id, order_id, quantity, reserved_at, expires_at, status, confirmed_at, released_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE
		SET status=EXCLUDED.status, confirmed_at=EXCLUDED.confirmed_at, released_at=EXCLUDED.released_at`
	for i := range p.Reservations {
		res := p.Reservations[i]
		if _, err := db.Exec(ctx, upsert,
			res.ID, res.ProductID, res.OrderID, res.Quantity, res.ReservedAt,
			res.ExpiresAt, string(res.Status), res.ConfirmedAt, res.ReleasedAt); err != nil {
			return fmt.Errorf("op=product.save: reservation %s: %w", res.ID, err)
		}
	}
	return nil
}

// FindByOrderID loads every product holding an active reservation for the order.
func (r *ProductRepo) FindByOrderID(ctx domain.Context, orderID uuid.UUID) ([]domain.Product, error) {
	const stmt = `SELECT DISTINCT product_id FROM stock_reservations WHERE order_id=$1 AND status='active'`
	rows, err := q(ctx, r.Pool).Query(ctx, stmt, orderID)
	if err != nil {
		return nil, fmt.Errorf("op=product.find_by_order: %w", err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return nil, fmt.Errorf("op=product.find_by_order: %w", err)
	}

	out := make([]domain.Product, 0, len(ids))
	for _, id := range ids {
		p, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// IDsWithDueReservations finds products with overdue active holds via the
// partial index on expires_at.
func (r *ProductRepo) IDsWithDueReservations(ctx domain.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	const stmt = `SELECT DISTINCT product_id FROM stock_reservations
		WHERE status='active' AND expires_at < $1 LIMIT $2`
	rows, err := q(ctx, r.Pool).Query(ctx, stmt, now, limit)
	if err != nil {
		return nil, fmt.Errorf("op=product.due_reservations: %w", err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return nil, fmt.Errorf("op=product.due_reservations: %w", err)
	}
	return ids, nil
}

func (r *ProductRepo) reservations(ctx domain.Context, db querier, productID uuid.UUID) ([]domain.StockReservation, error) {
	const stmt = `SELECT id, product_id, order_id, quantity, reserved_at, expires_at, status, confirmed_at, released_at
		FROM stock_reservations WHERE product_id=$1 ORDER BY reserved_at`
	rows, err := db.Query(ctx, stmt, productID)
	if err != nil {
		return nil, fmt.Errorf("op=product.reservations: %w", err)
	}
	defer rows.Close()

	var out []domain.StockReservation
	for rows.Next() {
		var (
			res    domain.StockReservation
			status string
		)
		if err := rows.Scan(&res.ID, &res.ProductID, &res.OrderID, &res.Quantity, &res.ReservedAt,
			&res.ExpiresAt, &status, &res.ConfirmedAt, &res.ReleasedAt); err != nil {
			return nil, fmt.Errorf("op=product.reservations: scan: %w", err)
		}
		res.Status = domain.ReservationStatus(status)
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=product.reservations: %w", err)
	}
	return out, nil
}

func collectIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
