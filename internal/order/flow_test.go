package order_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ordercore/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ordercore/internal/domain"
	"github.com/fairyhunter13/ordercore/internal/inventory"
	"github.com/fairyhunter13/ordercore/internal/order"
	"github.com/fairyhunter13/ordercore/internal/payment"
	"github.com/fairyhunter13/ordercore/internal/saga"
)

// cluster wires the three services over separate stores and shuttles staged
// events between them the way the bus would, minus the broker.
type cluster struct {
	reg *domain.Registry

	orderStore *memory.Store
	invStore   *memory.Store
	payStore   *memory.Store

	orders *order.Service
	orch   *saga.Orchestrator
	inv    *inventory.Service
	pay    *payment.Service

	delivered map[string]bool
}

func newCluster(t *testing.T, auth payment.Authorizer) *cluster {
	t.Helper()
	c := &cluster{
		reg:        domain.NewRegistry(),
		orderStore: memory.NewStore(),
		invStore:   memory.NewStore(),
		payStore:   memory.NewStore(),
		delivered:  map[string]bool{},
	}
	domain.RegisterCoreEvents(c.reg)

	def := order.NewCreationSaga(c.orderStore.Orders(), order.SagaTimeouts{
		Inventory: 5 * time.Minute,
		Payment:   2 * time.Minute,
	}, 15*time.Minute)
	c.orch = saga.NewOrchestrator(def, c.orderStore.Sagas(), c.orderStore.Outbox(), c.orderStore, c.reg)
	c.orders = order.NewService(c.orderStore.Orders(), c.orderStore.Outbox(), c.orderStore, c.orch)
	c.inv = inventory.NewService(c.invStore.Products(), c.invStore.Outbox(), c.invStore, 15*time.Minute)
	c.pay = payment.NewService(c.payStore.Payments(), c.payStore.Outbox(), auth)
	return c
}

func (c *cluster) seedProduct(t *testing.T, stock int64) domain.Product {
	t.Helper()
	p := domain.Product{ID: uuid.New(), SKU: "SKU-1", Name: "widget", StockQuantity: stock}
	require.NoError(t, c.invStore.Products().Create(context.Background(), p))
	return p
}

// pump delivers staged events until a full pass moves nothing.
func (c *cluster) pump(t *testing.T) {
	t.Helper()
	for pass := 0; pass < 20; pass++ {
		moved := 0
		moved += c.deliverFrom(t, c.orderStore)
		moved += c.deliverFrom(t, c.invStore)
		moved += c.deliverFrom(t, c.payStore)
		if moved == 0 {
			return
		}
	}
	t.Fatal("event shuttle did not quiesce")
}

func (c *cluster) deliverFrom(t *testing.T, store *memory.Store) int {
	t.Helper()
	moved := 0
	for _, row := range store.Outbox().Rows() {
		if c.delivered[row.ID] {
			continue
		}
		c.delivered[row.ID] = true
		env, err := domain.DecodeEnvelope(row.Payload)
		require.NoError(t, err)
		c.deliver(t, env)
		moved++
	}
	return moved
}

func (c *cluster) deliver(t *testing.T, env domain.Envelope) {
	t.Helper()
	payload, err := c.reg.Decode(env)
	require.NoError(t, err)
	ctx := context.Background()

	switch p := payload.(type) {
	case *domain.InventoryReservationRequested:
		require.NoError(t, c.invStore.WithinTx(ctx, func(txCtx domain.Context) error {
			return c.inv.ReserveForOrder(txCtx, env, *p)
		}))
	case *domain.ReleaseReservation:
		require.NoError(t, c.invStore.WithinTx(ctx, func(txCtx domain.Context) error {
			return c.inv.ReleaseForOrder(txCtx, env, p.OrderID)
		}))
	case *domain.OrderConfirmed:
		require.NoError(t, c.invStore.WithinTx(ctx, func(txCtx domain.Context) error {
			return c.inv.ConfirmForOrder(txCtx, env, p.OrderID)
		}))
	case *domain.OrderCancelled:
		require.NoError(t, c.invStore.WithinTx(ctx, func(txCtx domain.Context) error {
			return c.inv.ReleaseForOrder(txCtx, env, p.OrderID)
		}))
	case *domain.PaymentRequested:
		require.NoError(t, c.payStore.WithinTx(ctx, func(txCtx domain.Context) error {
			return c.pay.HandlePaymentRequested(txCtx, env, *p)
		}))
	case *domain.RefundPayment:
		require.NoError(t, c.payStore.WithinTx(ctx, func(txCtx domain.Context) error {
			return c.pay.HandleRefund(txCtx, env, *p)
		}))
	case *domain.InventoryReservationConfirmed, *domain.InventoryReservationFailed,
		*domain.PaymentConfirmed, *domain.PaymentFailed:
		require.NoError(t, c.orderStore.WithinTx(ctx, func(txCtx domain.Context) error {
			return c.orch.HandleEvent(txCtx, env)
		}))
	}
}

func TestOrderCreation_EndToEnd_Confirms(t *testing.T) {
	t.Parallel()
	c := newCluster(t, payment.LimitAuthorizer{})
	p := c.seedProduct(t, 10)

	o, err := c.orders.CreateOrder(context.Background(), order.CreateOrderInput{
		CustomerID: uuid.New(),
		Items:      []domain.OrderLine{{ProductID: p.ID, Quantity: 3, UnitPriceCents: 1000}},
		Currency:   "EUR",
	})
	require.NoError(t, err)

	c.pump(t)

	got, err := c.orderStore.Orders().Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderConfirmedS, got.Status)

	inst, err := c.orderStore.Sagas().FindByCorrelationID(context.Background(), order.SagaTypeOrderCreation, o.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompleted, inst.State)

	stock, err := c.invStore.Products().Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), stock.StockQuantity)
	assert.Zero(t, stock.ReservedQuantity)

	pay, err := c.payStore.Payments().GetByOrderID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentAuthorized, pay.Status)
	assert.Equal(t, int64(3000), pay.AmountCents)
}

func TestOrderCreation_EndToEnd_PaymentDeclineCompensates(t *testing.T) {
	t.Parallel()
	c := newCluster(t, payment.LimitAuthorizer{LimitCents: 1000})
	p := c.seedProduct(t, 10)

	o, err := c.orders.CreateOrder(context.Background(), order.CreateOrderInput{
		CustomerID: uuid.New(),
		Items:      []domain.OrderLine{{ProductID: p.ID, Quantity: 3, UnitPriceCents: 1000}},
		Currency:   "EUR",
	})
	require.NoError(t, err)

	c.pump(t)

	got, err := c.orderStore.Orders().Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelledS, got.Status)

	inst, err := c.orderStore.Sagas().FindByCorrelationID(context.Background(), order.SagaTypeOrderCreation, o.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompensated, inst.State)

	// Reservation released, nothing deducted.
	stock, err := c.invStore.Products().Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), stock.StockQuantity)
	assert.Zero(t, stock.ReservedQuantity)

	// The payment step never succeeded, so no refund command goes out.
	for _, row := range c.orderStore.Outbox().Rows() {
		assert.NotEqual(t, domain.EventRefundPayment, row.EventType)
	}
	pay, err := c.payStore.Payments().GetByOrderID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentDeclined, pay.Status)
}

func TestOrderCreation_EndToEnd_InsufficientStockCompensates(t *testing.T) {
	t.Parallel()
	c := newCluster(t, payment.LimitAuthorizer{})
	p := c.seedProduct(t, 1)

	o, err := c.orders.CreateOrder(context.Background(), order.CreateOrderInput{
		CustomerID: uuid.New(),
		Items:      []domain.OrderLine{{ProductID: p.ID, Quantity: 5, UnitPriceCents: 1000}},
		Currency:   "EUR",
	})
	require.NoError(t, err)

	c.pump(t)

	got, err := c.orderStore.Orders().Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelledS, got.Status)

	// The first step failed, so no payment was ever requested.
	for _, row := range c.orderStore.Outbox().Rows() {
		assert.NotEqual(t, domain.EventPaymentRequested, row.EventType)
	}
	_, err = c.payStore.Payments().GetByOrderID(context.Background(), o.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	stock, err := c.invStore.Products().Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stock.StockQuantity)
	assert.Zero(t, stock.ReservedQuantity)
}
