package domain_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ordercore/internal/domain"
)

func TestNewEnvelope_PopulatesIdentity(t *testing.T) {
	t.Parallel()
	orderID := uuid.New()
	cause := uuid.New()

	env, err := domain.NewEnvelope(domain.ServiceOrder, orderID, "corr-1", cause, domain.OrderConfirmed{OrderID: orderID})
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, env.EventID)
	assert.Equal(t, orderID, env.AggregateID)
	assert.Equal(t, domain.EventOrderConfirmed, env.EventType)
	assert.Equal(t, domain.SchemaVersion, env.SchemaVersion)
	assert.Equal(t, domain.ServiceOrder, env.Producer)
	assert.Equal(t, "corr-1", env.CorrelationID)
	assert.Equal(t, cause, env.CausationID)
	assert.False(t, env.OccurredOn.IsZero())
}

func TestNewEnvelope_RequiresProducer(t *testing.T) {
	t.Parallel()
	_, err := domain.NewEnvelope("", uuid.New(), "corr", uuid.Nil, domain.OrderConfirmed{})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestEnvelope_RoundTrip(t *testing.T) {
	t.Parallel()
	orderID := uuid.New()
	env, err := domain.NewEnvelope(domain.ServiceInventory, orderID, "corr-7", uuid.New(), domain.InventoryReservationFailed{OrderID: orderID, Reason: "insufficient stock"})
	require.NoError(t, err)

	b, err := domain.EncodeEnvelope(env)
	require.NoError(t, err)

	got, err := domain.DecodeEnvelope(b)
	require.NoError(t, err)
	assert.True(t, env.Equal(got))
	assert.Equal(t, env.EventType, got.EventType)
	assert.Equal(t, env.CorrelationID, got.CorrelationID)
	assert.JSONEq(t, string(env.Payload), string(got.Payload))
}

func TestDecodeEnvelope_MalformedIsPoison(t *testing.T) {
	t.Parallel()
	_, err := domain.DecodeEnvelope([]byte("{not json"))
	require.ErrorIs(t, err, domain.ErrPoison)
}

func TestDecodeEnvelope_MissingEventIDIsPoison(t *testing.T) {
	t.Parallel()
	_, err := domain.DecodeEnvelope([]byte(`{"eventType":"OrderConfirmed"}`))
	require.ErrorIs(t, err, domain.ErrPoison)
}

func TestRegistry_DecodeKnownEvent(t *testing.T) {
	t.Parallel()
	reg := domain.NewRegistry()
	domain.RegisterCoreEvents(reg)

	orderID := uuid.New()
	env, err := domain.NewEnvelope(domain.ServicePayment, orderID, "corr", uuid.Nil, domain.PaymentFailed{OrderID: orderID, Reason: "declined"})
	require.NoError(t, err)

	payload, err := reg.Decode(env)
	require.NoError(t, err)
	failed, ok := payload.(*domain.PaymentFailed)
	require.True(t, ok)
	assert.Equal(t, orderID, failed.OrderID)
	assert.Equal(t, "declined", failed.Reason)
}

func TestRegistry_UnknownTypeIsNotFound(t *testing.T) {
	t.Parallel()
	reg := domain.NewRegistry()
	env := domain.Envelope{EventID: uuid.New(), EventType: "SomethingElse", SchemaVersion: domain.SchemaVersion, Payload: []byte(`{}`)}
	_, err := reg.Decode(env)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegistry_UnknownSchemaVersionIsNotFound(t *testing.T) {
	t.Parallel()
	reg := domain.NewRegistry()
	domain.RegisterCoreEvents(reg)
	env := domain.Envelope{EventID: uuid.New(), EventType: domain.EventOrderConfirmed, SchemaVersion: "9.9", Payload: []byte(`{}`)}
	_, err := reg.Decode(env)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegistry_MalformedPayloadIsPoison(t *testing.T) {
	t.Parallel()
	reg := domain.NewRegistry()
	domain.RegisterCoreEvents(reg)
	env := domain.Envelope{EventID: uuid.New(), EventType: domain.EventOrderConfirmed, SchemaVersion: domain.SchemaVersion, Payload: []byte(`"not an object"`)}
	_, err := reg.Decode(env)
	require.ErrorIs(t, err, domain.ErrPoison)
}

func TestClassifyError(t *testing.T) {
	t.Parallel()
	assert.Equal(t, domain.KindValidation, domain.ClassifyError(domain.ErrInvalidArgument))
	assert.Equal(t, domain.KindConflict, domain.ClassifyError(domain.ErrConflict))
	assert.Equal(t, domain.KindTransient, domain.ClassifyError(domain.ErrTransient))
	assert.Equal(t, domain.KindPoison, domain.ClassifyError(domain.ErrPoison))
	assert.Equal(t, domain.KindUnexpected, domain.ClassifyError(assert.AnError))
	assert.True(t, domain.IsRetryable(domain.ErrTransient))
	assert.False(t, domain.IsRetryable(domain.ErrConflict))
}
