package order

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ordercore/internal/domain"
	"github.com/fairyhunter13/ordercore/internal/saga"
)

// SagaTypeOrderCreation names the order-creation workflow.
const SagaTypeOrderCreation = "OrderCreation"

// SagaData is the per-instance payload of the order-creation saga: everything
// the steps need to build their command events without reloading the order.
type SagaData struct {
	OrderID          uuid.UUID          `json:"orderId"`
	Items            []domain.OrderLine `json:"items"`
	TotalAmountCents int64              `json:"totalAmountCents"`
	Currency         string             `json:"currency"`
}

// SagaTimeouts carries the per-step response deadlines.
type SagaTimeouts struct {
	Inventory time.Duration
	Payment   time.Duration
}

// NewCreationSaga builds the OrderCreation definition:
//
//	ReserveInventory -> ProcessPayment -> ConfirmOrder
//
// The first two steps emit a command and wait for the owning service's
// response event; ConfirmOrder is a local transition and completes
// immediately. Compensations run in reverse for completed steps only, so a
// declined payment releases the reservation but never refunds anything.
func NewCreationSaga(orders domain.OrderRepository, timeouts SagaTimeouts, reservationTTL time.Duration) saga.Definition {
	return saga.Definition{
		Type: SagaTypeOrderCreation,
		Steps: []saga.Step{
			{
				Name:    "ReserveInventory",
				Timeout: timeouts.Inventory,
				Forward: func(ctx domain.Context, inst *domain.SagaInstance) ([]domain.Envelope, error) {
					data, err := sagaData(inst)
					if err != nil {
						return nil, err
					}
					req := domain.InventoryReservationRequested{
						OrderID:    data.OrderID,
						Items:      data.Items,
						TTLSeconds: int64(reservationTTL / time.Second),
					}
					return wrap(inst, data.OrderID, req)
				},
				Compensate: func(ctx domain.Context, inst *domain.SagaInstance) ([]domain.Envelope, error) {
					data, err := sagaData(inst)
					if err != nil {
						return nil, err
					}
					return wrap(inst, data.OrderID, domain.ReleaseReservation{OrderID: data.OrderID, Reason: "order creation compensated"})
				},
			},
			{
				Name:    "ProcessPayment",
				Timeout: timeouts.Payment,
				Forward: func(ctx domain.Context, inst *domain.SagaInstance) ([]domain.Envelope, error) {
					data, err := sagaData(inst)
					if err != nil {
						return nil, err
					}
					req := domain.PaymentRequested{
						OrderID:     data.OrderID,
						AmountCents: data.TotalAmountCents,
						Currency:    data.Currency,
					}
					return wrap(inst, data.OrderID, req)
				},
				Compensate: func(ctx domain.Context, inst *domain.SagaInstance) ([]domain.Envelope, error) {
					data, err := sagaData(inst)
					if err != nil {
						return nil, err
					}
					return wrap(inst, data.OrderID, domain.RefundPayment{OrderID: data.OrderID, Reason: "order creation compensated"})
				},
			},
			{
				Name:      "ConfirmOrder",
				Immediate: true,
				Forward: func(ctx domain.Context, inst *domain.SagaInstance) ([]domain.Envelope, error) {
					data, err := sagaData(inst)
					if err != nil {
						return nil, err
					}
					o, err := orders.Get(ctx, data.OrderID)
					if err != nil {
						return nil, fmt.Errorf("op=saga.confirm_order: %w", err)
					}
					if err := o.Confirm(time.Now().UTC()); err != nil {
						return nil, err
					}
					if err := orders.Save(ctx, o); err != nil {
						return nil, fmt.Errorf("op=saga.confirm_order: %w", err)
					}
					return wrap(inst, data.OrderID, domain.OrderConfirmed{OrderID: data.OrderID})
				},
			},
		},
		Route: func(ev domain.Envelope, payload domain.EventPayload) (saga.Outcome, bool) {
			switch p := payload.(type) {
			case *domain.InventoryReservationConfirmed:
				return saga.Outcome{Step: 0, Success: true}, true
			case *domain.InventoryReservationFailed:
				return saga.Outcome{Step: 0, Success: false, Reason: p.Reason}, true
			case *domain.PaymentConfirmed:
				return saga.Outcome{Step: 1, Success: true}, true
			case *domain.PaymentFailed:
				return saga.Outcome{Step: 1, Success: false, Reason: p.Reason}, true
			default:
				return saga.Outcome{}, false
			}
		},
		OnCompensated: func(ctx domain.Context, inst *domain.SagaInstance, reason string) ([]domain.Envelope, error) {
			data, err := sagaData(inst)
			if err != nil {
				return nil, err
			}
			o, err := orders.Get(ctx, data.OrderID)
			if err != nil {
				return nil, fmt.Errorf("op=saga.cancel_order: %w", err)
			}
			if err := o.Cancel(reason, time.Now().UTC()); err != nil {
				return nil, err
			}
			if err := orders.Save(ctx, o); err != nil {
				return nil, fmt.Errorf("op=saga.cancel_order: %w", err)
			}
			return wrap(inst, data.OrderID, domain.OrderCancelled{OrderID: data.OrderID, Reason: reason})
		},
	}
}

func sagaData(inst *domain.SagaInstance) (SagaData, error) {
	var d SagaData
	if err := json.Unmarshal(inst.Data, &d); err != nil {
		return SagaData{}, fmt.Errorf("op=saga.data: %w: %v", domain.ErrInternal, err)
	}
	return d, nil
}

func wrap(inst *domain.SagaInstance, aggregateID uuid.UUID, payload domain.EventPayload) ([]domain.Envelope, error) {
	env, err := domain.NewEnvelope(domain.ServiceOrder, aggregateID, inst.CorrelationID, inst.ID, payload)
	if err != nil {
		return nil, err
	}
	return []domain.Envelope{env}, nil
}
