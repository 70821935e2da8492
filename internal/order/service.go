// Package order owns the order aggregate and drives the order-creation
// workflow. Creating an order persists the aggregate, its OrderCreated event,
// and the saga instance in one transaction.
package order

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ordercore/internal/domain"
	"github.com/fairyhunter13/ordercore/internal/outbox"
	"github.com/fairyhunter13/ordercore/internal/saga"
)

// CreateOrderInput is the command to place an order.
type CreateOrderInput struct {
	CustomerID uuid.UUID
	Items      []domain.OrderLine
	Currency   string
}

// Service coordinates order writes with the outbox and the creation saga.
type Service struct {
	orders domain.OrderRepository
	outbox domain.OutboxRepository
	uow    domain.UnitOfWork
	orch   *saga.Orchestrator
}

// NewService constructs the order service. orch drives the order-creation
// saga; it may be nil in tests that only exercise the aggregate.
func NewService(orders domain.OrderRepository, outboxRepo domain.OutboxRepository, uow domain.UnitOfWork, orch *saga.Orchestrator) *Service {
	return &Service{orders: orders, outbox: outboxRepo, uow: uow, orch: orch}
}

// CreateOrder persists a Pending order, stages OrderCreated, and starts the
// creation saga, all atomically. The returned order is the persisted state.
func (s *Service) CreateOrder(ctx domain.Context, in CreateOrderInput) (domain.Order, error) {
	if len(in.Items) == 0 {
		return domain.Order{}, fmt.Errorf("op=order.create: %w: order needs at least one item", domain.ErrInvalidArgument)
	}
	for _, it := range in.Items {
		if it.Quantity <= 0 {
			return domain.Order{}, fmt.Errorf("op=order.create: %w: non-positive quantity for product %s", domain.ErrInvalidArgument, it.ProductID)
		}
		if it.UnitPriceCents < 0 {
			return domain.Order{}, fmt.Errorf("op=order.create: %w: negative price for product %s", domain.ErrInvalidArgument, it.ProductID)
		}
	}
	if in.Currency == "" {
		in.Currency = "USD"
	}

	now := time.Now().UTC()
	o := domain.Order{
		ID:               uuid.New(),
		CustomerID:       in.CustomerID,
		Items:            in.Items,
		TotalAmountCents: domain.TotalFromItems(in.Items),
		Currency:         in.Currency,
		Status:           domain.OrderPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err := s.uow.WithinTx(ctx, func(txCtx domain.Context) error {
		if err := s.orders.Insert(txCtx, o); err != nil {
			return fmt.Errorf("op=order.create: %w", err)
		}
		created := domain.OrderCreated{
			OrderID:          o.ID,
			CustomerID:       o.CustomerID,
			Items:            o.Items,
			TotalAmountCents: o.TotalAmountCents,
			Currency:         o.Currency,
		}
		env, err := domain.NewEnvelope(domain.ServiceOrder, o.ID, o.ID.String(), o.ID, created)
		if err != nil {
			return err
		}
		if err := outbox.Stage(txCtx, s.outbox, env); err != nil {
			return err
		}

		data, err := json.Marshal(SagaData{
			OrderID:          o.ID,
			Items:            o.Items,
			TotalAmountCents: o.TotalAmountCents,
			Currency:         o.Currency,
		})
		if err != nil {
			return fmt.Errorf("op=order.create: marshal saga data: %w", err)
		}
		if _, err := s.orch.Start(txCtx, o.ID.String(), data); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	slog.Info("order created",
		slog.String("order_id", o.ID.String()),
		slog.Int64("total_cents", o.TotalAmountCents))
	return o, nil
}

// Get returns one order.
func (s *Service) Get(ctx domain.Context, id uuid.UUID) (domain.Order, error) {
	return s.orders.Get(ctx, id)
}
