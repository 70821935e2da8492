package domain

import (
	"time"

	"github.com/google/uuid"
)

// MaxHandlerRetries is the per-(event, consumer) handler budget before an
// event is declared poison and routed to the dead-letter queue.
const MaxHandlerRetries = 3

// InboxStatus is the processing state of one (event, consumer) pair.
type InboxStatus string

const (
	InboxReceived  InboxStatus = "received"
	InboxProcessed InboxStatus = "processed"
	InboxFailed    InboxStatus = "failed"
)

// InboxMessage deduplicates event consumption. Uniqueness is the composite
// key (EventID, Consumer): the same event may be consumed by several consumer
// groups, but each group processes it at most once. Consumer is required and
// non-empty.
type InboxMessage struct {
	EventID     uuid.UUID
	Consumer    string
	ReceivedAt  time.Time
	ProcessedAt *time.Time
	Status      InboxStatus
	RetryCount  int
	LastError   string
}

// InboxRepository persists inbox markers. Insert must fail with ErrConflict
// when the (event_id, consumer) key already exists; concurrent inserts race
// deterministically and the loser observes the winner's row via Get.
type InboxRepository interface {
	Insert(ctx Context, m InboxMessage) error
	Get(ctx Context, eventID uuid.UUID, consumer string) (InboxMessage, error)
	MarkProcessed(ctx Context, eventID uuid.UUID, consumer string, at time.Time) error
	MarkFailed(ctx Context, eventID uuid.UUID, consumer string, lastError string) error
	// Reset reopens an exhausted marker (back to Received, retry counter
	// zeroed) so a dead-letter redelivery reaches the handler again instead
	// of being swallowed as an already-quarantined duplicate. Missing markers
	// return ErrNotFound.
	Reset(ctx Context, eventID uuid.UUID, consumer string) error
}
