package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultReservationTTL is how long a reservation stays Active before the
// expiration worker reclaims it.
const DefaultReservationTTL = 15 * time.Minute

// ReservationStatus is the lifecycle state of one stock reservation. Any
// non-Active status is terminal.
type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationReleased  ReservationStatus = "released"
	ReservationExpiredS  ReservationStatus = "expired"
)

// StockReservation holds quantity aside for one order on one product.
type StockReservation struct {
	ID          uuid.UUID
	ProductID   uuid.UUID
	OrderID     uuid.UUID
	Quantity    int64
	ReservedAt  time.Time
	ExpiresAt   time.Time
	Status      ReservationStatus
	ConfirmedAt *time.Time
	ReleasedAt  *time.Time
}

// Product is the inventory aggregate. Invariants at every persisted
// checkpoint: StockQuantity >= 0, ReservedQuantity >= 0,
// ReservedQuantity <= StockQuantity, and ReservedQuantity equals the sum of
// Active reservation quantities. RowVersion is the optimistic concurrency
// token; every mutating operation re-reads under it.
type Product struct {
	ID               uuid.UUID
	SKU              string
	Name             string
	StockQuantity    int64
	ReservedQuantity int64
	ReorderLevel     int64
	ReorderQuantity  int64
	LastRestockAt    *time.Time
	RowVersion       int64
	Reservations     []StockReservation
}

// AvailableQuantity is stock not held by an active reservation.
func (p *Product) AvailableQuantity() int64 { return p.StockQuantity - p.ReservedQuantity }

// activeReservation returns the index of the Active reservation for orderID,
// or -1.
func (p *Product) activeReservation(orderID uuid.UUID) int {
	for i := range p.Reservations {
		if p.Reservations[i].OrderID == orderID && p.Reservations[i].Status == ReservationActive {
			return i
		}
	}
	return -1
}

// CheckInvariants verifies the aggregate's accounting; violated invariants
// are programmer errors surfaced as ErrInternal so they are never persisted.
func (p *Product) CheckInvariants() error {
	if p.StockQuantity < 0 || p.ReservedQuantity < 0 || p.ReservedQuantity > p.StockQuantity {
		return fmt.Errorf("op=product.invariants: %w: stock=%d reserved=%d", ErrInternal, p.StockQuantity, p.ReservedQuantity)
	}
	var active int64
	for i := range p.Reservations {
		if p.Reservations[i].Status == ReservationActive {
			active += p.Reservations[i].Quantity
		}
	}
	if active != p.ReservedQuantity {
		return fmt.Errorf("op=product.invariants: %w: active reservations=%d reserved=%d", ErrInternal, active, p.ReservedQuantity)
	}
	return nil
}

// Reserve holds quantity aside for an order until confirmed, released, or
// expired. Emits StockReserved, plus LowStockDetected when availability falls
// to or below the reorder level.
func (p *Product) Reserve(orderID uuid.UUID, quantity int64, ttl time.Duration, now time.Time) ([]EventPayload, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("op=product.reserve: %w: quantity must be positive", ErrInvalidArgument)
	}
	if p.activeReservation(orderID) >= 0 {
		return nil, fmt.Errorf("op=product.reserve: %w: order %s already holds a reservation", ErrConflict, orderID)
	}
	if p.AvailableQuantity() < quantity {
		return nil, fmt.Errorf("op=product.reserve: %w: available %d < requested %d", ErrConflict, p.AvailableQuantity(), quantity)
	}
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	res := StockReservation{
		ID:         uuid.New(),
		ProductID:  p.ID,
		OrderID:    orderID,
		Quantity:   quantity,
		ReservedAt: now,
		ExpiresAt:  now.Add(ttl),
		Status:     ReservationActive,
	}
	p.Reservations = append(p.Reservations, res)
	p.ReservedQuantity += quantity

	events := []EventPayload{StockReserved{ProductID: p.ID, OrderID: orderID, ReservationID: res.ID, Quantity: quantity}}
	if p.AvailableQuantity() <= p.ReorderLevel {
		events = append(events, LowStockDetected{ProductID: p.ID, Available: p.AvailableQuantity(), ReorderLevel: p.ReorderLevel})
	}
	return events, p.CheckInvariants()
}

// Confirm deducts the reserved quantity from stock, turning the hold into a
// sale. Emits StockDeducted.
func (p *Product) Confirm(orderID uuid.UUID, now time.Time) ([]EventPayload, error) {
	i := p.activeReservation(orderID)
	if i < 0 {
		return nil, fmt.Errorf("op=product.confirm: %w: no active reservation for order %s", ErrNotFound, orderID)
	}
	r := &p.Reservations[i]
	r.Status = ReservationConfirmed
	r.ConfirmedAt = &now
	p.StockQuantity -= r.Quantity
	p.ReservedQuantity -= r.Quantity
	return []EventPayload{StockDeducted{ProductID: p.ID, OrderID: orderID, Quantity: r.Quantity}}, p.CheckInvariants()
}

// Release returns the reserved quantity to availability. Emits StockReleased.
func (p *Product) Release(orderID uuid.UUID, now time.Time) ([]EventPayload, error) {
	i := p.activeReservation(orderID)
	if i < 0 {
		return nil, fmt.Errorf("op=product.release: %w: no active reservation for order %s", ErrNotFound, orderID)
	}
	r := &p.Reservations[i]
	r.Status = ReservationReleased
	r.ReleasedAt = &now
	p.ReservedQuantity -= r.Quantity
	return []EventPayload{StockReleased{ProductID: p.ID, OrderID: orderID, Quantity: r.Quantity}}, p.CheckInvariants()
}

// ExpireDue reclaims every Active reservation whose deadline has passed.
// Emits one ReservationExpired per reclaimed reservation.
func (p *Product) ExpireDue(now time.Time) ([]EventPayload, error) {
	var events []EventPayload
	for i := range p.Reservations {
		r := &p.Reservations[i]
		if r.Status != ReservationActive || !now.After(r.ExpiresAt) {
			continue
		}
		r.Status = ReservationExpiredS
		r.ReleasedAt = &now
		p.ReservedQuantity -= r.Quantity
		events = append(events, ReservationExpired{ProductID: p.ID, OrderID: r.OrderID, ReservationID: r.ID, Quantity: r.Quantity})
	}
	return events, p.CheckInvariants()
}

// Adjust applies a manual stock delta (restock, shrinkage, correction).
// Positive deltas update LastRestockAt. Emits StockAdjusted.
func (p *Product) Adjust(delta int64, reason string, now time.Time) ([]EventPayload, error) {
	if reason == "" {
		return nil, fmt.Errorf("op=product.adjust: %w: reason required", ErrInvalidArgument)
	}
	if p.StockQuantity+delta < 0 {
		return nil, fmt.Errorf("op=product.adjust: %w: stock %d + delta %d would go negative", ErrInvalidArgument, p.StockQuantity, delta)
	}
	if p.StockQuantity+delta < p.ReservedQuantity {
		return nil, fmt.Errorf("op=product.adjust: %w: adjustment would strand %d reserved units", ErrConflict, p.ReservedQuantity)
	}
	p.StockQuantity += delta
	if delta > 0 {
		p.LastRestockAt = &now
	}
	return []EventPayload{StockAdjusted{ProductID: p.ID, Delta: delta, Reason: reason}}, p.CheckInvariants()
}

// ProductRepository persists the inventory aggregate. Save must
// compare-and-swap on RowVersion and return ErrConflict on mismatch, writing
// reservation rows in the same statement batch as the product row.
type ProductRepository interface {
	Get(ctx Context, id uuid.UUID) (Product, error)
	Save(ctx Context, p Product) error
	// FindByOrderID returns products holding an Active reservation for the order.
	FindByOrderID(ctx Context, orderID uuid.UUID) ([]Product, error)
	// IDsWithDueReservations discovers aggregates with overdue Active
	// reservations via an index on expires_at.
	IDsWithDueReservations(ctx Context, now time.Time, limit int) ([]uuid.UUID, error)
}
