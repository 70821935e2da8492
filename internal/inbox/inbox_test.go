package inbox_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ordercore/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ordercore/internal/dlq"
	"github.com/fairyhunter13/ordercore/internal/domain"
	"github.com/fairyhunter13/ordercore/internal/inbox"
)

func newEngine(t *testing.T, store *memory.Store, maxRetries int) *inbox.Engine {
	t.Helper()
	engine, err := inbox.NewEngine(store.Inbox(), store, dlq.NewService(store.DLQ(), store.Inbox()), "test-consumer", maxRetries)
	require.NoError(t, err)
	return engine
}

func testEnvelope(t *testing.T) domain.Envelope {
	t.Helper()
	orderID := uuid.New()
	env, err := domain.NewEnvelope(domain.ServiceOrder, orderID, "corr-1", uuid.Nil, domain.OrderConfirmed{OrderID: orderID})
	require.NoError(t, err)
	return env
}

func TestNewEngine_RequiresConsumer(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	_, err := inbox.NewEngine(store.Inbox(), store, nil, "", 3)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestConsume_ProcessesOnce(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	engine := newEngine(t, store, 3)
	ev := testEnvelope(t)

	calls := 0
	handler := func(ctx domain.Context, got domain.Envelope) error {
		calls++
		assert.True(t, ev.Equal(got))
		return nil
	}

	require.NoError(t, engine.Consume(context.Background(), ev, "topic", handler))
	require.Equal(t, 1, calls)

	m, err := store.Inbox().Get(context.Background(), ev.EventID, "test-consumer")
	require.NoError(t, err)
	assert.Equal(t, domain.InboxProcessed, m.Status)
	require.NotNil(t, m.ProcessedAt)
}

func TestConsume_SuppressesDuplicateDelivery(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	engine := newEngine(t, store, 3)
	ev := testEnvelope(t)

	calls := 0
	handler := func(ctx domain.Context, _ domain.Envelope) error { calls++; return nil }

	require.NoError(t, engine.Consume(context.Background(), ev, "topic", handler))
	require.NoError(t, engine.Consume(context.Background(), ev, "topic", handler))
	assert.Equal(t, 1, calls)
}

func TestConsume_DistinctConsumersProcessIndependently(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	dlqSvc := dlq.NewService(store.DLQ(), store.Inbox())
	a, err := inbox.NewEngine(store.Inbox(), store, dlqSvc, "consumer-a", 3)
	require.NoError(t, err)
	b, err := inbox.NewEngine(store.Inbox(), store, dlqSvc, "consumer-b", 3)
	require.NoError(t, err)
	ev := testEnvelope(t)

	calls := 0
	handler := func(ctx domain.Context, _ domain.Envelope) error { calls++; return nil }
	require.NoError(t, a.Consume(context.Background(), ev, "topic", handler))
	require.NoError(t, b.Consume(context.Background(), ev, "topic", handler))
	assert.Equal(t, 2, calls)
}

func TestConsume_FailureRollsBackAndAccountsRetry(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	engine := newEngine(t, store, 3)
	ev := testEnvelope(t)
	boom := errors.New("handler exploded")

	orderID := uuid.New()
	handler := func(ctx domain.Context, _ domain.Envelope) error {
		// A side effect that must roll back with the failure.
		require.NoError(t, store.Orders().Insert(ctx, domain.Order{ID: orderID, Status: domain.OrderPending}))
		return boom
	}

	err := engine.Consume(context.Background(), ev, "topic", handler)
	require.ErrorIs(t, err, boom)

	// The business write rolled back; the failure marker committed.
	_, err = store.Orders().Get(context.Background(), orderID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	m, err := store.Inbox().Get(context.Background(), ev.EventID, "test-consumer")
	require.NoError(t, err)
	assert.Equal(t, domain.InboxFailed, m.Status)
	assert.Equal(t, 1, m.RetryCount)
	assert.Contains(t, m.LastError, "exploded")
}

func TestConsume_ExhaustedRetriesQuarantine(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	engine := newEngine(t, store, 3)
	ev := testEnvelope(t)
	boom := errors.New("always fails")
	handler := func(ctx domain.Context, _ domain.Envelope) error { return boom }

	require.ErrorIs(t, engine.Consume(context.Background(), ev, "topic", handler), boom)
	require.ErrorIs(t, engine.Consume(context.Background(), ev, "topic", handler), boom)

	// Third failure spends the budget: the event is quarantined and the
	// error is poison so the adapter commits the offset.
	err := engine.Consume(context.Background(), ev, "topic", handler)
	require.ErrorIs(t, err, domain.ErrPoison)

	msgs, err := store.DLQ().List(context.Background(), domain.DLQFilter{Consumer: "test-consumer"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, ev.EventID, msgs[0].EventID)
	assert.Equal(t, "topic", msgs[0].OriginalTopic)
	assert.Equal(t, 3, msgs[0].AttemptCount)
	assert.Equal(t, domain.DLQQuarantined, msgs[0].Status)

	// Redeliveries after quarantine are swallowed without running the handler.
	calls := 0
	err = engine.Consume(context.Background(), ev, "topic", func(ctx domain.Context, _ domain.Envelope) error {
		calls++
		return nil
	})
	require.ErrorIs(t, err, domain.ErrPoison)
	assert.Zero(t, calls)

	// Still exactly one DLQ row.
	msgs, err = store.DLQ().List(context.Background(), domain.DLQFilter{})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestConsume_RecoversAfterTransientFailure(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	engine := newEngine(t, store, 3)
	ev := testEnvelope(t)

	calls := 0
	handler := func(ctx domain.Context, _ domain.Envelope) error {
		calls++
		if calls == 1 {
			return domain.ErrTransient
		}
		return nil
	}

	require.Error(t, engine.Consume(context.Background(), ev, "topic", handler))
	require.NoError(t, engine.Consume(context.Background(), ev, "topic", handler))

	m, err := store.Inbox().Get(context.Background(), ev.EventID, "test-consumer")
	require.NoError(t, err)
	assert.Equal(t, domain.InboxProcessed, m.Status)
}
