// Package payment processes charge commands from the order-creation saga.
// The provider integration hides behind the Authorizer port; this core only
// records outcomes and emits the response events.
package payment

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ordercore/internal/domain"
	"github.com/fairyhunter13/ordercore/internal/outbox"
)

// Authorizer charges a card (or whatever the provider charges). A non-empty
// decline reason is a business outcome; err is reserved for infrastructure
// failures and makes the delivery retry.
type Authorizer interface {
	Authorize(ctx domain.Context, orderID uuid.UUID, amountCents int64, currency string) (decline string, err error)
}

// AuthorizerFunc adapts a function to the Authorizer port.
type AuthorizerFunc func(ctx domain.Context, orderID uuid.UUID, amountCents int64, currency string) (string, error)

func (f AuthorizerFunc) Authorize(ctx domain.Context, orderID uuid.UUID, amountCents int64, currency string) (string, error) {
	return f(ctx, orderID, amountCents, currency)
}

// LimitAuthorizer approves everything at or under its limit. Amounts of zero
// or less are declined outright. Used as the default provider in dev.
type LimitAuthorizer struct {
	LimitCents int64
}

func (a LimitAuthorizer) Authorize(_ domain.Context, _ uuid.UUID, amountCents int64, _ string) (string, error) {
	if amountCents <= 0 {
		return "non-positive amount", nil
	}
	if a.LimitCents > 0 && amountCents > a.LimitCents {
		return fmt.Sprintf("amount %d exceeds authorization limit %d", amountCents, a.LimitCents), nil
	}
	return "", nil
}

// Service handles payment commands. Handler methods run inside the inbox unit
// of work, so the payment row and the response event commit together.
type Service struct {
	payments domain.PaymentRepository
	outbox   domain.OutboxRepository
	auth     Authorizer
}

// NewService constructs the payment service.
func NewService(payments domain.PaymentRepository, outboxRepo domain.OutboxRepository, auth Authorizer) *Service {
	return &Service{payments: payments, outbox: outboxRepo, auth: auth}
}

// HandlePaymentRequested charges the order and records the attempt. A prior
// attempt for the same order short-circuits by re-staging its outcome, so a
// redelivered command never double-charges.
func (s *Service) HandlePaymentRequested(ctx domain.Context, ev domain.Envelope, req domain.PaymentRequested) error {
	if prior, err := s.payments.GetByOrderID(ctx, req.OrderID); err == nil {
		return s.stageOutcome(ctx, ev, prior)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("op=payment.request: %w", err)
	}

	decline, err := s.auth.Authorize(ctx, req.OrderID, req.AmountCents, req.Currency)
	if err != nil {
		return fmt.Errorf("op=payment.request: %w: %v", domain.ErrTransient, err)
	}

	now := time.Now().UTC()
	p := domain.Payment{
		ID:          uuid.New(),
		OrderID:     req.OrderID,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
		Status:      domain.PaymentAuthorized,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if decline != "" {
		p.Status = domain.PaymentDeclined
		p.FailReason = decline
	}
	if err := s.payments.Insert(ctx, p); err != nil {
		return fmt.Errorf("op=payment.request: %w", err)
	}

	if p.Status == domain.PaymentDeclined {
		slog.Info("payment declined",
			slog.String("order_id", req.OrderID.String()),
			slog.String("reason", decline))
	} else {
		slog.Info("payment authorized",
			slog.String("order_id", req.OrderID.String()),
			slog.Int64("amount_cents", req.AmountCents))
	}
	return s.stageOutcome(ctx, ev, p)
}

// HandleRefund reverses an authorized payment. Missing or already-refunded
// payments are a no-op so compensations can be redelivered safely.
func (s *Service) HandleRefund(ctx domain.Context, ev domain.Envelope, req domain.RefundPayment) error {
	p, err := s.payments.GetByOrderID(ctx, req.OrderID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("op=payment.refund: %w", err)
	}
	if p.Status != domain.PaymentAuthorized {
		return nil
	}
	p.Status = domain.PaymentRefunded
	p.FailReason = req.Reason
	p.UpdatedAt = time.Now().UTC()
	if err := s.payments.Save(ctx, p); err != nil {
		return fmt.Errorf("op=payment.refund: %w", err)
	}
	slog.Info("payment refunded",
		slog.String("order_id", req.OrderID.String()),
		slog.String("reason", req.Reason))
	return nil
}

// stageOutcome emits PaymentConfirmed or PaymentFailed for the recorded
// attempt, partitioned by order.
func (s *Service) stageOutcome(ctx domain.Context, cause domain.Envelope, p domain.Payment) error {
	var payload domain.EventPayload
	switch p.Status {
	case domain.PaymentDeclined:
		payload = domain.PaymentFailed{OrderID: p.OrderID, Reason: p.FailReason}
	default:
		payload = domain.PaymentConfirmed{OrderID: p.OrderID, PaymentID: p.ID}
	}
	env, err := domain.NewEnvelope(domain.ServicePayment, p.OrderID, cause.CorrelationID, cause.EventID, payload)
	if err != nil {
		return err
	}
	return outbox.Stage(ctx, s.outbox, env)
}
