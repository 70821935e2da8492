// Package inventory implements the stock reservation engine: short-lived
// quantity holds with optimistic concurrency on the product aggregate.
package inventory

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ordercore/internal/adapter/observability"
	"github.com/fairyhunter13/ordercore/internal/domain"
	"github.com/fairyhunter13/ordercore/internal/outbox"
)

// concurrencyRetries bounds how often a row-version conflict is retried
// before the delivery itself is failed and redelivered.
const concurrencyRetries = 3

// Service applies reservation operations to product aggregates. Methods that
// react to events (ReserveForOrder, ConfirmForOrder, ReleaseForOrder) expect
// to run inside the caller's unit of work; maintenance operations open their
// own.
type Service struct {
	products domain.ProductRepository
	outbox   domain.OutboxRepository
	uow      domain.UnitOfWork
	ttl      time.Duration
}

// NewService constructs the reservation engine. ttl <= 0 falls back to the
// default reservation lifetime.
func NewService(products domain.ProductRepository, outboxRepo domain.OutboxRepository, uow domain.UnitOfWork, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = domain.DefaultReservationTTL
	}
	return &Service{products: products, outbox: outboxRepo, uow: uow, ttl: ttl}
}

// ReserveForOrder attempts to hold stock for every line of the order. The
// attempt is all-or-nothing: products are mutated in memory first and saved
// only once every line fits, so a partial reservation never commits. A
// business rejection (insufficient stock, duplicate order) emits
// InventoryReservationFailed and returns nil; the delivery is consumed.
func (s *Service) ReserveForOrder(ctx domain.Context, ev domain.Envelope, req domain.InventoryReservationRequested) error {
	if len(req.Items) == 0 {
		return fmt.Errorf("op=inventory.reserve: %w: order %s has no items", domain.ErrInvalidArgument, req.OrderID)
	}
	ttl := s.ttl
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	for attempt := 0; ; attempt++ {
		rejected, err := s.tryReserve(ctx, ev, req, ttl)
		if err != nil {
			if errors.Is(err, domain.ErrConflict) && attempt+1 < concurrencyRetries {
				s.conflictPause(attempt)
				continue
			}
			observability.ReservationOpsTotal.WithLabelValues("reserve", "error").Inc()
			return err
		}
		if rejected != "" {
			observability.ReservationOpsTotal.WithLabelValues("reserve", "rejected").Inc()
			slog.Info("reservation rejected",
				slog.String("order_id", req.OrderID.String()),
				slog.String("reason", rejected))
			return s.stageReply(ctx, ev, req.OrderID, domain.InventoryReservationFailed{OrderID: req.OrderID, Reason: rejected})
		}
		observability.ReservationOpsTotal.WithLabelValues("reserve", "ok").Inc()
		return nil
	}
}

// tryReserve runs one reservation attempt. It returns a non-empty rejection
// reason for business failures, or ErrConflict when a concurrent writer moved
// a row version out from under us.
func (s *Service) tryReserve(ctx domain.Context, ev domain.Envelope, req domain.InventoryReservationRequested, ttl time.Duration) (rejected string, err error) {
	now := time.Now().UTC()
	loaded := make([]domain.Product, 0, len(req.Items))
	var stockEvents []domain.EventPayload

	for _, line := range req.Items {
		p, err := s.products.Get(ctx, line.ProductID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Sprintf("unknown product %s", line.ProductID), nil
			}
			return "", fmt.Errorf("op=inventory.reserve: %w", err)
		}
		events, err := p.Reserve(req.OrderID, line.Quantity, ttl, now)
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return err.Error(), nil
			}
			return "", err
		}
		loaded = append(loaded, p)
		stockEvents = append(stockEvents, events...)
	}

	for i := range loaded {
		if err := s.products.Save(ctx, loaded[i]); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				observability.ConcurrencyConflictsTotal.WithLabelValues("product").Inc()
			}
			return "", fmt.Errorf("op=inventory.reserve: %w", err)
		}
	}

	if err := s.stageStockEvents(ctx, ev, stockEvents); err != nil {
		return "", err
	}
	return "", s.stageReply(ctx, ev, req.OrderID, domain.InventoryReservationConfirmed{OrderID: req.OrderID})
}

// ConfirmForOrder turns the order's active holds into deductions. Orders
// without an active reservation are a no-op so confirmed events can be
// redelivered safely.
func (s *Service) ConfirmForOrder(ctx domain.Context, ev domain.Envelope, orderID uuid.UUID) error {
	return s.forEachHolding(ctx, "confirm", orderID, func(p *domain.Product, now time.Time) ([]domain.EventPayload, error) {
		return p.Confirm(orderID, now)
	}, ev)
}

// ReleaseForOrder returns the order's active holds to availability.
// Idempotent: releasing an order with no active reservation is a no-op.
func (s *Service) ReleaseForOrder(ctx domain.Context, ev domain.Envelope, orderID uuid.UUID) error {
	return s.forEachHolding(ctx, "release", orderID, func(p *domain.Product, now time.Time) ([]domain.EventPayload, error) {
		return p.Release(orderID, now)
	}, ev)
}

// forEachHolding applies mutate to every product holding an active
// reservation for the order, retrying each on row-version conflict.
func (s *Service) forEachHolding(ctx domain.Context, op string, orderID uuid.UUID, mutate func(p *domain.Product, now time.Time) ([]domain.EventPayload, error), cause domain.Envelope) error {
	products, err := s.products.FindByOrderID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("op=inventory.%s: %w", op, err)
	}
	if len(products) == 0 {
		observability.ReservationOpsTotal.WithLabelValues(op, "noop").Inc()
		return nil
	}
	for i := range products {
		if err := s.mutateProduct(ctx, op, products[i].ID, mutate, cause); err != nil {
			return err
		}
	}
	observability.ReservationOpsTotal.WithLabelValues(op, "ok").Inc()
	return nil
}

// AdjustStock applies a manual delta in its own unit of work. Used by the
// restock and correction flows, not by event handlers.
func (s *Service) AdjustStock(ctx domain.Context, productID uuid.UUID, delta int64, reason string) error {
	return s.uow.WithinTx(ctx, func(txCtx domain.Context) error {
		err := s.mutateProduct(txCtx, "adjust", productID, func(p *domain.Product, now time.Time) ([]domain.EventPayload, error) {
			return p.Adjust(delta, reason, now)
		}, domain.Envelope{CorrelationID: uuid.NewString()})
		if err != nil {
			observability.ReservationOpsTotal.WithLabelValues("adjust", "error").Inc()
			return err
		}
		observability.ReservationOpsTotal.WithLabelValues("adjust", "ok").Inc()
		return nil
	})
}

// mutateProduct is the optimistic-concurrency loop shared by every
// single-product operation: get, mutate, save, retry on version conflict with
// a jittered pause. Mutations that find nothing to do (ErrNotFound from the
// aggregate) are treated as already-applied.
func (s *Service) mutateProduct(ctx domain.Context, op string, productID uuid.UUID, mutate func(p *domain.Product, now time.Time) ([]domain.EventPayload, error), cause domain.Envelope) error {
	for attempt := 0; ; attempt++ {
		p, err := s.products.Get(ctx, productID)
		if err != nil {
			return fmt.Errorf("op=inventory.%s: %w", op, err)
		}
		events, err := mutate(&p, time.Now().UTC())
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			return err
		}
		if err := s.products.Save(ctx, p); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				observability.ConcurrencyConflictsTotal.WithLabelValues("product").Inc()
				if attempt+1 < concurrencyRetries {
					s.conflictPause(attempt)
					continue
				}
			}
			return fmt.Errorf("op=inventory.%s: %w", op, err)
		}
		return s.stageStockEvents(ctx, cause, events)
	}
}

// ExpireDueReservations reclaims overdue holds across products, each in its
// own unit of work so one contended aggregate does not stall the sweep.
func (s *Service) ExpireDueReservations(ctx domain.Context, now time.Time, limit int) (int, error) {
	ids, err := s.products.IDsWithDueReservations(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("op=inventory.expire: %w", err)
	}
	expired := 0
	for _, id := range ids {
		err := s.uow.WithinTx(ctx, func(txCtx domain.Context) error {
			return s.mutateProduct(txCtx, "expire", id, func(p *domain.Product, now time.Time) ([]domain.EventPayload, error) {
				return p.ExpireDue(now)
			}, domain.Envelope{CorrelationID: uuid.NewString()})
		})
		if err != nil {
			slog.Error("reservation expiry failed",
				slog.String("product_id", id.String()),
				slog.Any("error", err))
			continue
		}
		expired++
	}
	if expired > 0 {
		observability.ReservationOpsTotal.WithLabelValues("expire", "ok").Add(float64(expired))
	}
	return expired, nil
}

// stageStockEvents wraps aggregate events into envelopes partitioned by
// product and stages them on the outbox.
func (s *Service) stageStockEvents(ctx domain.Context, cause domain.Envelope, payloads []domain.EventPayload) error {
	for _, payload := range payloads {
		env, err := domain.NewEnvelope(domain.ServiceInventory, productIDOf(payload), cause.CorrelationID, cause.EventID, payload)
		if err != nil {
			return err
		}
		if err := outbox.Stage(ctx, s.outbox, env); err != nil {
			return err
		}
	}
	return nil
}

// stageReply stages a saga-facing reservation outcome, partitioned by order
// so replies for one order stay ordered.
func (s *Service) stageReply(ctx domain.Context, cause domain.Envelope, orderID uuid.UUID, payload domain.EventPayload) error {
	env, err := domain.NewEnvelope(domain.ServiceInventory, orderID, cause.CorrelationID, cause.EventID, payload)
	if err != nil {
		return err
	}
	return outbox.Stage(ctx, s.outbox, env)
}

// conflictPause sleeps a short jittered backoff between conflict retries to
// break up lockstep writers.
func (s *Service) conflictPause(attempt int) {
	base := 20 * time.Millisecond << attempt
	time.Sleep(base + rand.N(base))
}

// productIDOf extracts the product aggregate id from a stock event payload.
func productIDOf(payload domain.EventPayload) uuid.UUID {
	switch e := payload.(type) {
	case domain.StockReserved:
		return e.ProductID
	case domain.StockDeducted:
		return e.ProductID
	case domain.StockReleased:
		return e.ProductID
	case domain.ReservationExpired:
		return e.ProductID
	case domain.StockAdjusted:
		return e.ProductID
	case domain.LowStockDetected:
		return e.ProductID
	default:
		return uuid.Nil
	}
}
