package saga_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ordercore/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ordercore/internal/domain"
	"github.com/fairyhunter13/ordercore/internal/saga"
)

// fulfillmentFixture wires an orchestrator over the in-memory store with a
// three-step flow: reserve stock (waits), authorize payment (waits), confirm
// the order locally (immediate).
type fulfillmentFixture struct {
	store       *memory.Store
	orch        *saga.Orchestrator
	def         saga.Definition
	reg         *domain.Registry
	orderID     uuid.UUID
	compensated []string
}

func newFulfillmentFixture(t *testing.T, reserveTimeout time.Duration) *fulfillmentFixture {
	t.Helper()
	f := &fulfillmentFixture{
		store:   memory.NewStore(),
		orderID: uuid.New(),
	}
	reg := domain.NewRegistry()
	domain.RegisterCoreEvents(reg)

	def := saga.Definition{
		Type: "order-fulfillment",
		Steps: []saga.Step{
			{
				Name:    "reserve-stock",
				Timeout: reserveTimeout,
				Forward: func(ctx domain.Context, inst *domain.SagaInstance) ([]domain.Envelope, error) {
					ev, err := domain.NewEnvelope(domain.ServiceOrder, f.orderID, inst.CorrelationID, inst.ID,
						domain.InventoryReservationRequested{
							OrderID:    f.orderID,
							Items:      []domain.OrderLine{{ProductID: uuid.New(), Quantity: 2}},
							TTLSeconds: 900,
						})
					if err != nil {
						return nil, err
					}
					return []domain.Envelope{ev}, nil
				},
				Compensate: func(ctx domain.Context, inst *domain.SagaInstance) ([]domain.Envelope, error) {
					ev, err := domain.NewEnvelope(domain.ServiceOrder, f.orderID, inst.CorrelationID, inst.ID,
						domain.ReleaseReservation{OrderID: f.orderID, Reason: "fulfillment aborted"})
					if err != nil {
						return nil, err
					}
					return []domain.Envelope{ev}, nil
				},
			},
			{
				Name: "authorize-payment",
				Forward: func(ctx domain.Context, inst *domain.SagaInstance) ([]domain.Envelope, error) {
					ev, err := domain.NewEnvelope(domain.ServiceOrder, f.orderID, inst.CorrelationID, inst.ID,
						domain.PaymentRequested{OrderID: f.orderID, AmountCents: 4200, Currency: "EUR"})
					if err != nil {
						return nil, err
					}
					return []domain.Envelope{ev}, nil
				},
				Compensate: func(ctx domain.Context, inst *domain.SagaInstance) ([]domain.Envelope, error) {
					ev, err := domain.NewEnvelope(domain.ServiceOrder, f.orderID, inst.CorrelationID, inst.ID,
						domain.RefundPayment{OrderID: f.orderID, Reason: "fulfillment aborted"})
					if err != nil {
						return nil, err
					}
					return []domain.Envelope{ev}, nil
				},
			},
			{
				Name:      "confirm-order",
				Immediate: true,
				Forward: func(ctx domain.Context, inst *domain.SagaInstance) ([]domain.Envelope, error) {
					return nil, nil
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
			}
			return saga.Outcome{}, false
		},
		OnCompensated: func(ctx domain.Context, inst *domain.SagaInstance, reason string) ([]domain.Envelope, error) {
			f.compensated = append(f.compensated, reason)
			ev, err := domain.NewEnvelope(domain.ServiceOrder, f.orderID, inst.CorrelationID, inst.ID,
				domain.OrderCancelled{OrderID: f.orderID, Reason: reason})
			if err != nil {
				return nil, err
			}
			return []domain.Envelope{ev}, nil
		},
	}

	f.def = def
	f.reg = reg
	f.orch = saga.NewOrchestrator(def, f.store.Sagas(), f.store.Outbox(), f.store, reg)
	return f
}

func (f *fulfillmentFixture) start(t *testing.T) domain.SagaInstance {
	t.Helper()
	var inst domain.SagaInstance
	err := f.store.WithinTx(context.Background(), func(ctx domain.Context) error {
		var startErr error
		inst, startErr = f.orch.Start(ctx, f.orderID.String(), nil)
		return startErr
	})
	require.NoError(t, err)
	return inst
}

// reply builds an integration event answering the saga's current step.
func (f *fulfillmentFixture) reply(t *testing.T, producer string, payload domain.EventPayload) domain.Envelope {
	t.Helper()
	ev, err := domain.NewEnvelope(producer, f.orderID, f.orderID.String(), uuid.New(), payload)
	require.NoError(t, err)
	return ev
}

// stagedEventTypes lists outbox rows in insertion order by event type.
func (f *fulfillmentFixture) stagedEventTypes() []string {
	rows := f.store.Outbox().Rows()
	types := make([]string, 0, len(rows))
	for _, row := range rows {
		types = append(types, row.EventType)
	}
	return types
}

func (f *fulfillmentFixture) instance(t *testing.T) domain.SagaInstance {
	t.Helper()
	inst, err := f.store.Sagas().FindByCorrelationID(context.Background(), "order-fulfillment", f.orderID.String())
	require.NoError(t, err)
	return inst
}

func TestOrchestrator_Start_StagesFirstCommand(t *testing.T) {
	t.Parallel()
	f := newFulfillmentFixture(t, time.Minute)

	inst := f.start(t)

	assert.Equal(t, domain.SagaRunning, inst.State)
	assert.Equal(t, 0, inst.CurrentStep)
	require.NotNil(t, inst.TimeoutAt)
	assert.WithinDuration(t, time.Now().UTC().Add(time.Minute), *inst.TimeoutAt, 5*time.Second)
	assert.Equal(t, []string{domain.EventInventoryReservationRequested}, f.stagedEventTypes())

	persisted := f.instance(t)
	assert.Equal(t, inst.ID, persisted.ID)
	assert.Equal(t, int64(1), persisted.Version)
}

func TestOrchestrator_Start_RequiresCorrelationID(t *testing.T) {
	t.Parallel()
	f := newFulfillmentFixture(t, time.Minute)

	err := f.store.WithinTx(context.Background(), func(ctx domain.Context) error {
		_, startErr := f.orch.Start(ctx, "", nil)
		return startErr
	})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestOrchestrator_HandleEvent_AdvancesThroughCompletion(t *testing.T) {
	t.Parallel()
	f := newFulfillmentFixture(t, time.Minute)
	f.start(t)

	err := f.orch.HandleEvent(context.Background(),
		f.reply(t, domain.ServiceInventory, domain.InventoryReservationConfirmed{OrderID: f.orderID}))
	require.NoError(t, err)

	inst := f.instance(t)
	assert.Equal(t, domain.SagaRunning, inst.State)
	assert.Equal(t, 1, inst.CurrentStep)
	assert.ElementsMatch(t,
		[]string{domain.EventInventoryReservationRequested, domain.EventPaymentRequested},
		f.stagedEventTypes())

	err = f.orch.HandleEvent(context.Background(),
		f.reply(t, domain.ServicePayment, domain.PaymentConfirmed{OrderID: f.orderID, PaymentID: uuid.New()}))
	require.NoError(t, err)

	inst = f.instance(t)
	assert.Equal(t, domain.SagaCompleted, inst.State)
	assert.Nil(t, inst.TimeoutAt)
	// The immediate confirm step emits nothing and completes inline.
	assert.ElementsMatch(t,
		[]string{domain.EventInventoryReservationRequested, domain.EventPaymentRequested},
		f.stagedEventTypes())
	assert.Empty(t, f.compensated)

	outcomes := make([]string, 0, len(inst.History))
	for _, h := range inst.History {
		outcomes = append(outcomes, h.Step+":"+h.Outcome)
	}
	assert.Contains(t, outcomes, "reserve-stock:succeeded")
	assert.Contains(t, outcomes, "authorize-payment:succeeded")
	assert.Contains(t, outcomes, "confirm-order:succeeded")
}

func TestOrchestrator_HandleEvent_FailureCompensatesCompletedStepsOnly(t *testing.T) {
	t.Parallel()
	f := newFulfillmentFixture(t, time.Minute)
	f.start(t)

	err := f.orch.HandleEvent(context.Background(),
		f.reply(t, domain.ServiceInventory, domain.InventoryReservationConfirmed{OrderID: f.orderID}))
	require.NoError(t, err)

	err = f.orch.HandleEvent(context.Background(),
		f.reply(t, domain.ServicePayment, domain.PaymentFailed{OrderID: f.orderID, Reason: "card declined"}))
	require.NoError(t, err)

	inst := f.instance(t)
	assert.Equal(t, domain.SagaCompensated, inst.State)
	assert.Nil(t, inst.TimeoutAt)
	// The payment step never succeeded, so only the reservation is undone.
	assert.ElementsMatch(t, []string{
		domain.EventInventoryReservationRequested,
		domain.EventPaymentRequested,
		domain.EventReleaseReservation,
		domain.EventOrderCancelled,
	}, f.stagedEventTypes())
	assert.Equal(t, []string{"card declined"}, f.compensated)
}

func TestOrchestrator_HandleEvent_StaleOutcomeIgnored(t *testing.T) {
	t.Parallel()
	f := newFulfillmentFixture(t, time.Minute)
	f.start(t)

	err := f.orch.HandleEvent(context.Background(),
		f.reply(t, domain.ServiceInventory, domain.InventoryReservationConfirmed{OrderID: f.orderID}))
	require.NoError(t, err)
	before := f.instance(t)

	// Redelivered step-0 confirmation arrives while the saga waits on step 1.
	err = f.orch.HandleEvent(context.Background(),
		f.reply(t, domain.ServiceInventory, domain.InventoryReservationConfirmed{OrderID: f.orderID}))
	require.NoError(t, err)

	after := f.instance(t)
	assert.Equal(t, before.CurrentStep, after.CurrentStep)
	assert.Equal(t, before.State, after.State)
	assert.Len(t, f.stagedEventTypes(), 2)
}

func TestOrchestrator_HandleEvent_SettledSagaAbsorbsLateEvents(t *testing.T) {
	t.Parallel()
	f := newFulfillmentFixture(t, time.Minute)
	f.start(t)

	require.NoError(t, f.orch.HandleEvent(context.Background(),
		f.reply(t, domain.ServiceInventory, domain.InventoryReservationFailed{OrderID: f.orderID, Reason: "out of stock"})))
	require.Equal(t, domain.SagaCompensated, f.instance(t).State)
	staged := len(f.stagedEventTypes())

	// A late success for the already-compensated saga changes nothing.
	require.NoError(t, f.orch.HandleEvent(context.Background(),
		f.reply(t, domain.ServiceInventory, domain.InventoryReservationConfirmed{OrderID: f.orderID})))

	assert.Equal(t, domain.SagaCompensated, f.instance(t).State)
	assert.Len(t, f.stagedEventTypes(), staged)
	assert.Len(t, f.compensated, 1)
}

func TestOrchestrator_HandleEvent_FailureAtFirstStepSkipsCompensations(t *testing.T) {
	t.Parallel()
	f := newFulfillmentFixture(t, time.Minute)
	f.start(t)

	err := f.orch.HandleEvent(context.Background(),
		f.reply(t, domain.ServiceInventory, domain.InventoryReservationFailed{OrderID: f.orderID, Reason: "out of stock"}))
	require.NoError(t, err)

	inst := f.instance(t)
	assert.Equal(t, domain.SagaCompensated, inst.State)
	// No step had completed, so nothing is undone; only the cancellation goes out.
	assert.ElementsMatch(t, []string{
		domain.EventInventoryReservationRequested,
		domain.EventOrderCancelled,
	}, f.stagedEventTypes())
	assert.Equal(t, []string{"out of stock"}, f.compensated)
}

func TestOrchestrator_HandleEvent_UnroutedEventIgnored(t *testing.T) {
	t.Parallel()
	f := newFulfillmentFixture(t, time.Minute)
	f.start(t)

	// Known event type the route table does not claim.
	ev := f.reply(t, domain.ServiceOrder, domain.OrderCreated{OrderID: f.orderID})
	require.NoError(t, f.orch.HandleEvent(context.Background(), ev))

	// Event type no registry knows at all.
	unknown := ev
	unknown.EventType = "wms.pick.completed"
	require.NoError(t, f.orch.HandleEvent(context.Background(), unknown))

	inst := f.instance(t)
	assert.Equal(t, domain.SagaRunning, inst.State)
	assert.Equal(t, 0, inst.CurrentStep)
}

// contendedSagaRepo makes the first Update lose a version race: it settles
// the instance the way a concurrent timeout compensation would, then reports
// the conflict. Later calls pass through.
type contendedSagaRepo struct {
	domain.SagaRepository
	raced bool
}

func (r *contendedSagaRepo) Update(ctx domain.Context, s domain.SagaInstance) error {
	if !r.raced {
		r.raced = true
		current, err := r.SagaRepository.FindByCorrelationID(ctx, s.Type, s.CorrelationID)
		if err != nil {
			return err
		}
		current.State = domain.SagaCompensated
		current.TimeoutAt = nil
		if err := r.SagaRepository.Update(ctx, current); err != nil {
			return err
		}
		return domain.ErrConflict
	}
	return r.SagaRepository.Update(ctx, s)
}

func TestOrchestrator_HandleEvent_ConflictRetryDiscardsStaleCommands(t *testing.T) {
	t.Parallel()
	f := newFulfillmentFixture(t, time.Minute)
	f.start(t)

	repo := &contendedSagaRepo{SagaRepository: f.store.Sagas()}
	contended := saga.NewOrchestrator(f.def, repo, f.store.Outbox(), f.store, f.reg)

	// The step-0 confirmation loses the version race against a concurrent
	// compensation. The retry refetches the now-settled instance, absorbs
	// the outcome, and must not emit the superseded payment command.
	err := contended.HandleEvent(context.Background(),
		f.reply(t, domain.ServiceInventory, domain.InventoryReservationConfirmed{OrderID: f.orderID}))
	require.NoError(t, err)
	require.True(t, repo.raced)

	inst := f.instance(t)
	assert.Equal(t, domain.SagaCompensated, inst.State)
	assert.Equal(t,
		[]string{domain.EventInventoryReservationRequested},
		f.stagedEventTypes())
}

func TestOrchestrator_InjectTimeout_CompensatesOverdueInstance(t *testing.T) {
	t.Parallel()
	f := newFulfillmentFixture(t, time.Millisecond)
	inst := f.start(t)

	time.Sleep(10 * time.Millisecond)

	due, err := f.store.Sagas().DueTimeouts(context.Background(), time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, inst.ID, due[0].ID)

	require.NoError(t, f.orch.InjectTimeout(context.Background(), inst.ID))

	got := f.instance(t)
	assert.Equal(t, domain.SagaCompensated, got.State)
	assert.Nil(t, got.TimeoutAt)
	assert.Equal(t, []string{"step deadline exceeded"}, f.compensated)

	var timedOut bool
	for _, h := range got.History {
		if h.Step == "reserve-stock" && h.Outcome == domain.StepOutcomeTimedOut {
			timedOut = true
		}
	}
	assert.True(t, timedOut, "history should record the timed out step")
}

func TestOrchestrator_InjectTimeout_SkipsInstanceWithFutureDeadline(t *testing.T) {
	t.Parallel()
	f := newFulfillmentFixture(t, time.Hour)
	inst := f.start(t)

	require.NoError(t, f.orch.InjectTimeout(context.Background(), inst.ID))

	got := f.instance(t)
	assert.Equal(t, domain.SagaRunning, got.State)
	assert.Equal(t, 0, got.CurrentStep)
}
