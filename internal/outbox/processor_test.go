package outbox_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	busmem "github.com/fairyhunter13/ordercore/internal/adapter/bus/memory"
	"github.com/fairyhunter13/ordercore/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ordercore/internal/dlq"
	"github.com/fairyhunter13/ordercore/internal/domain"
	"github.com/fairyhunter13/ordercore/internal/outbox"
)

func stageEvent(t *testing.T, store *memory.Store, aggregateID uuid.UUID) domain.Envelope {
	t.Helper()
	return stageEventAt(t, store, aggregateID, time.Now().UTC())
}

// stageEventAt pins OccurredOn so the ULID row ids, and therefore the drain
// order, are deterministic.
func stageEventAt(t *testing.T, store *memory.Store, aggregateID uuid.UUID, occurredOn time.Time) domain.Envelope {
	t.Helper()
	env, err := domain.NewEnvelope(domain.ServiceOrder, aggregateID, "corr", uuid.Nil, domain.OrderConfirmed{OrderID: aggregateID})
	require.NoError(t, err)
	env.OccurredOn = occurredOn
	require.NoError(t, outbox.Stage(context.Background(), store.Outbox(), env))
	return env
}

func newProcessor(store *memory.Store, bus *busmem.Bus, opts outbox.Options) *outbox.Processor {
	return outbox.NewProcessor(store.Outbox(), store, bus, dlq.NewService(store.DLQ(), store.Inbox()), domain.ServiceOrder, opts)
}

func TestProcessBatch_PublishesAndTombstones(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	bus := busmem.NewBus()
	proc := newProcessor(store, bus, outbox.Options{})

	env := stageEvent(t, store, uuid.New())

	n, err := proc.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	published := bus.Published()
	require.Len(t, published, 1)
	assert.True(t, env.Equal(published[0]))

	rows := store.Outbox().Rows()
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].ProcessedAt)

	// A processed row is never selected again.
	n, err = proc.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, bus.Published(), 1)
}

func TestProcessBatch_FailureBacksOff(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	bus := busmem.NewBus()
	proc := newProcessor(store, bus, outbox.Options{RetryBase: time.Minute})

	stageEvent(t, store, uuid.New())
	bus.FailNext(1)

	n, err := proc.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	rows := store.Outbox().Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].RetryCount)
	assert.NotEmpty(t, rows[0].LastError)
	assert.Nil(t, rows[0].ProcessedAt)
	assert.True(t, rows[0].NextAttemptAt.After(time.Now()))

	// The backoff gate keeps the row out of the next poll.
	n, err = proc.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, bus.Published())
}

func TestProcessBatch_PreservesPerAggregateOrder(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	bus := busmem.NewBus()
	proc := newProcessor(store, bus, outbox.Options{RetryBase: time.Minute})

	aggregate := uuid.New()
	other := uuid.New()
	base := time.Now().UTC()
	stageEventAt(t, store, aggregate, base)
	second := stageEventAt(t, store, aggregate, base.Add(time.Millisecond))
	unrelated := stageEventAt(t, store, other, base.Add(2*time.Millisecond))

	// The first publish fails; the aggregate's later row must be held back
	// while unrelated aggregates proceed.
	bus.FailNext(1)
	n, err := proc.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	published := bus.Published()
	require.Len(t, published, 1)
	assert.True(t, unrelated.Equal(published[0]))

	rows := store.Outbox().Rows()
	require.Len(t, rows, 3)
	assert.Equal(t, 1, rows[0].RetryCount)
	assert.Zero(t, rows[1].RetryCount) // blocked, not failed
	assert.Nil(t, rows[1].ProcessedAt)
	_ = second
}

func TestProcessBatch_ExhaustedRowQuarantines(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	bus := busmem.NewBus()
	proc := newProcessor(store, bus, outbox.Options{MaxRetries: 1})

	env := stageEvent(t, store, uuid.New())
	bus.FailNext(1)

	n, err := proc.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	msgs, err := store.DLQ().List(context.Background(), domain.DLQFilter{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, env.EventID, msgs[0].EventID)
	assert.Equal(t, domain.ServiceOrder+"-outbox", msgs[0].Consumer)
	assert.Equal(t, domain.DLQQuarantined, msgs[0].Status)

	// The row is tombstoned so it is never retried.
	rows := store.Outbox().Rows()
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].ProcessedAt)
}

func TestProcessBatch_UndecodableRowQuarantinesImmediately(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	bus := busmem.NewBus()
	proc := newProcessor(store, bus, outbox.Options{})

	require.NoError(t, store.Outbox().Append(context.Background(), domain.OutboxMessage{
		ID:          "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		AggregateID: uuid.New(),
		EventType:   "Broken",
		Payload:     []byte("{corrupt"),
		OccurredAt:  time.Now().UTC(),
	}))

	n, err := proc.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, bus.Published())

	msgs, err := store.DLQ().List(context.Background(), domain.DLQFilter{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.KindPoison, msgs[0].ErrorKind)
}

func TestPurgeProcessed(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	bus := busmem.NewBus()
	proc := newProcessor(store, bus, outbox.Options{})

	stageEvent(t, store, uuid.New())
	stageEvent(t, store, uuid.New())

	n, err := proc.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	purged, err := store.Outbox().PurgeProcessedBefore(context.Background(), time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)
	assert.Empty(t, store.Outbox().Rows())
}
