package payment_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ordercore/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ordercore/internal/domain"
	"github.com/fairyhunter13/ordercore/internal/payment"
)

func paymentCommand(t *testing.T, orderID uuid.UUID, amountCents int64) (domain.Envelope, domain.PaymentRequested) {
	t.Helper()
	req := domain.PaymentRequested{OrderID: orderID, AmountCents: amountCents, Currency: "EUR"}
	ev, err := domain.NewEnvelope(domain.ServiceOrder, orderID, orderID.String(), uuid.New(), req)
	require.NoError(t, err)
	return ev, req
}

func stagedTypes(store *memory.Store) []string {
	rows := store.Outbox().Rows()
	types := make([]string, 0, len(rows))
	for _, row := range rows {
		types = append(types, row.EventType)
	}
	return types
}

func TestService_HandlePaymentRequested_Authorizes(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	svc := payment.NewService(store.Payments(), store.Outbox(), payment.LimitAuthorizer{})
	orderID := uuid.New()

	ev, req := paymentCommand(t, orderID, 4200)
	require.NoError(t, svc.HandlePaymentRequested(context.Background(), ev, req))

	p, err := store.Payments().GetByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentAuthorized, p.Status)
	assert.Equal(t, int64(4200), p.AmountCents)
	assert.Equal(t, "EUR", p.Currency)

	assert.Equal(t, []string{domain.EventPaymentConfirmed}, stagedTypes(store))
}

func TestService_HandlePaymentRequested_DeclinesOverLimit(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	svc := payment.NewService(store.Payments(), store.Outbox(), payment.LimitAuthorizer{LimitCents: 1000})
	orderID := uuid.New()

	ev, req := paymentCommand(t, orderID, 5000)
	require.NoError(t, svc.HandlePaymentRequested(context.Background(), ev, req),
		"a decline is a business outcome, not a handler error")

	p, err := store.Payments().GetByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentDeclined, p.Status)
	assert.NotEmpty(t, p.FailReason)

	assert.Equal(t, []string{domain.EventPaymentFailed}, stagedTypes(store))
}

func TestService_HandlePaymentRequested_DeclinesNonPositiveAmount(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	svc := payment.NewService(store.Payments(), store.Outbox(), payment.LimitAuthorizer{})
	orderID := uuid.New()

	ev, req := paymentCommand(t, orderID, 0)
	require.NoError(t, svc.HandlePaymentRequested(context.Background(), ev, req))

	p, err := store.Payments().GetByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentDeclined, p.Status)
}

func TestService_HandlePaymentRequested_RedeliveryDoesNotDoubleCharge(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	svc := payment.NewService(store.Payments(), store.Outbox(), payment.LimitAuthorizer{})
	orderID := uuid.New()

	ev, req := paymentCommand(t, orderID, 4200)
	require.NoError(t, svc.HandlePaymentRequested(context.Background(), ev, req))
	first, err := store.Payments().GetByOrderID(context.Background(), orderID)
	require.NoError(t, err)

	// The same command delivered again re-stages the outcome, nothing else.
	require.NoError(t, svc.HandlePaymentRequested(context.Background(), ev, req))

	second, err := store.Payments().GetByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []string{domain.EventPaymentConfirmed, domain.EventPaymentConfirmed}, stagedTypes(store))
}

func TestService_HandlePaymentRequested_ProviderOutageIsTransient(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	down := payment.AuthorizerFunc(func(_ domain.Context, _ uuid.UUID, _ int64, _ string) (string, error) {
		return "", errors.New("gateway unreachable")
	})
	svc := payment.NewService(store.Payments(), store.Outbox(), down)
	orderID := uuid.New()

	ev, req := paymentCommand(t, orderID, 4200)
	err := svc.HandlePaymentRequested(context.Background(), ev, req)
	require.ErrorIs(t, err, domain.ErrTransient)

	// Nothing recorded, nothing staged; the delivery retries instead.
	_, err = store.Payments().GetByOrderID(context.Background(), orderID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, store.Outbox().Rows())
}

func TestService_HandleRefund_ReversesAuthorizedPayment(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	svc := payment.NewService(store.Payments(), store.Outbox(), payment.LimitAuthorizer{})
	orderID := uuid.New()

	ev, req := paymentCommand(t, orderID, 4200)
	require.NoError(t, svc.HandlePaymentRequested(context.Background(), ev, req))

	refund := domain.RefundPayment{OrderID: orderID, Reason: "order compensated"}
	require.NoError(t, svc.HandleRefund(context.Background(), ev, refund))

	p, err := store.Payments().GetByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRefunded, p.Status)
	assert.Equal(t, "order compensated", p.FailReason)

	// Redelivered refund finds a non-authorized payment and is a no-op.
	require.NoError(t, svc.HandleRefund(context.Background(), ev, refund))
	again, err := store.Payments().GetByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, p.UpdatedAt, again.UpdatedAt)
}

func TestService_HandleRefund_MissingPaymentIsNoop(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	svc := payment.NewService(store.Payments(), store.Outbox(), payment.LimitAuthorizer{})

	ev, _ := paymentCommand(t, uuid.New(), 4200)
	refund := domain.RefundPayment{OrderID: uuid.New(), Reason: "order compensated"}
	require.NoError(t, svc.HandleRefund(context.Background(), ev, refund))
	assert.Empty(t, store.Outbox().Rows())
}

func TestService_HandleRefund_DeclinedPaymentIsNoop(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	svc := payment.NewService(store.Payments(), store.Outbox(), payment.LimitAuthorizer{LimitCents: 1})
	orderID := uuid.New()

	ev, req := paymentCommand(t, orderID, 4200)
	require.NoError(t, svc.HandlePaymentRequested(context.Background(), ev, req))

	require.NoError(t, svc.HandleRefund(context.Background(), ev, domain.RefundPayment{OrderID: orderID}))

	p, err := store.Payments().GetByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentDeclined, p.Status)
}
