package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the envelope schema emitted by this core.
const SchemaVersion = "1.0"

// Envelope is the immutable integration-event record exchanged on the bus.
// Identity and equality are by EventID alone. AggregateID doubles as the
// partition key so a given aggregate's events stay in production order.
type Envelope struct {
	EventID       uuid.UUID         `json:"eventId"`
	AggregateID   uuid.UUID         `json:"aggregateId"`
	EventType     string            `json:"eventType"`
	SchemaVersion string            `json:"schemaVersion"`
	Producer      string            `json:"producer"`
	OccurredOn    time.Time         `json:"occurredOn"`
	CorrelationID string            `json:"correlationId"`
	CausationID   uuid.UUID         `json:"causationId"`
	Traceparent   string            `json:"traceparent,omitempty"`
	TenantID      string            `json:"tenantId,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Payload       json.RawMessage   `json:"payload"`
}

// Equal compares envelopes by identity.
func (e Envelope) Equal(other Envelope) bool { return e.EventID == other.EventID }

// EventPayload is implemented by every typed integration-event payload. The
// producing service is declared per event rather than inferred from context,
// so the bus topic is always derivable from the event alone.
type EventPayload interface {
	EventType() string
}

// NewEnvelope wraps a typed payload into an envelope. The producer is the
// service name that owns the originating aggregate; correlationID is constant
// across one business flow and causationID points at the directly-causing
// event or command.
func NewEnvelope(producer string, aggregateID uuid.UUID, correlationID string, causationID uuid.UUID, payload EventPayload) (Envelope, error) {
	if producer == "" {
		return Envelope{}, fmt.Errorf("op=event.new: %w: producer required", ErrInvalidArgument)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("op=event.new: marshal payload: %w", err)
	}
	return Envelope{
		EventID:       uuid.New(),
		AggregateID:   aggregateID,
		EventType:     payload.EventType(),
		SchemaVersion: SchemaVersion,
		Producer:      producer,
		OccurredOn:    time.Now().UTC(),
		CorrelationID: correlationID,
		CausationID:   causationID,
		Headers:       map[string]string{},
		Payload:       raw,
	}, nil
}

// EncodeEnvelope serializes an envelope to its JSON wire form.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("op=event.encode: %w", err)
	}
	return b, nil
}

// DecodeEnvelope parses the JSON wire form back into an envelope.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("op=event.decode: %w: %v", ErrPoison, err)
	}
	if e.EventID == uuid.Nil {
		return Envelope{}, fmt.Errorf("op=event.decode: %w: missing eventId", ErrPoison)
	}
	return e, nil
}

// Registry maps (eventType, schemaVersion) to a payload constructor. Event
// rehydration is explicit rather than reflective so that adding a new schema
// version is an additive, reviewable change.
type Registry struct {
	ctors map[registryKey]func() EventPayload
}

type registryKey struct {
	eventType     string
	schemaVersion string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: map[registryKey]func() EventPayload{}}
}

// Register binds a constructor for an event type at a schema version.
// Re-registering the same key replaces the constructor.
func (r *Registry) Register(eventType, schemaVersion string, ctor func() EventPayload) {
	r.ctors[registryKey{eventType, schemaVersion}] = ctor
}

// Known reports whether a constructor exists for the given type and version.
func (r *Registry) Known(eventType, schemaVersion string) bool {
	_, ok := r.ctors[registryKey{eventType, schemaVersion}]
	return ok
}

// Decode rehydrates the typed payload of an envelope. Unknown types return
// ErrNotFound so dispatchers can skip events meant for other consumer groups;
// malformed payloads of a known type are poison.
func (r *Registry) Decode(e Envelope) (EventPayload, error) {
	ctor, ok := r.ctors[registryKey{e.EventType, e.SchemaVersion}]
	if !ok {
		return nil, fmt.Errorf("op=event.registry: %w: %s@%s", ErrNotFound, e.EventType, e.SchemaVersion)
	}
	p := ctor()
	if err := json.Unmarshal(e.Payload, p); err != nil {
		return nil, fmt.Errorf("op=event.registry: decode %s: %w: %v", e.EventType, ErrPoison, err)
	}
	return p, nil
}
