package domain

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// MaxOutboxRetries is the publish-retry budget before an outbox row is routed
// to the dead-letter queue.
const MaxOutboxRetries = 5

// OutboxMessage is a persisted outbound event, written in the same database
// transaction as the aggregate mutation that produced it. The ID is a ULID so
// insertion order is recoverable from the key alone.
type OutboxMessage struct {
	ID            string
	AggregateID   uuid.UUID
	EventType     string
	Payload       []byte // serialized Envelope
	OccurredAt    time.Time
	CorrelationID string
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     string
	// NextAttemptAt gates redelivery so failed rows back off between polls.
	NextAttemptAt time.Time
}

// NewOutboxMessage serializes an envelope into its outbox row.
func NewOutboxMessage(e Envelope) (OutboxMessage, error) {
	payload, err := EncodeEnvelope(e)
	if err != nil {
		return OutboxMessage{}, err
	}
	return OutboxMessage{
		ID:            ulid.MustNew(ulid.Timestamp(e.OccurredOn), rand.Reader).String(),
		AggregateID:   e.AggregateID,
		EventType:     e.EventType,
		Payload:       payload,
		OccurredAt:    e.OccurredOn,
		CorrelationID: e.CorrelationID,
	}, nil
}

// Exhausted reports whether the publish-retry budget is spent.
func (m OutboxMessage) Exhausted(maxRetries int) bool { return m.RetryCount >= maxRetries }

// OutboxRepository persists and drains outbox rows. Append must run inside
// the caller's unit of work so the aggregate mutation and its events commit
// or roll back together. LockUnprocessed must row-lock the returned batch
// (FOR UPDATE SKIP LOCKED) so horizontally scaled processors never select the
// same row concurrently; it selects unprocessed rows below the retry budget
// whose NextAttemptAt has passed, in OccurredAt order.
type OutboxRepository interface {
	Append(ctx Context, msgs ...OutboxMessage) error
	LockUnprocessed(ctx Context, now time.Time, limit, maxRetries int) ([]OutboxMessage, error)
	MarkProcessed(ctx Context, id string, at time.Time) error
	MarkFailed(ctx Context, id string, lastError string, nextAttempt time.Time) error
	PurgeProcessedBefore(ctx Context, cutoff time.Time) (int64, error)
}
