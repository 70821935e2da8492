package domain

import (
	"time"

	"github.com/google/uuid"
)

// DLQStatus is the lifecycle state of a quarantined message. Transitions are
// append-only: a Resolved or Discarded row is never re-quarantined under the
// same attempt identifier.
type DLQStatus string

const (
	DLQQuarantined  DLQStatus = "quarantined"
	DLQReprocessing DLQStatus = "reprocessing"
	DLQResolved     DLQStatus = "resolved"
	DLQDiscarded    DLQStatus = "discarded"
)

// DeadLetterMessage is a snapshot of an event whose handler exhausted its
// retry budget, kept for inspection and manual reprocessing.
type DeadLetterMessage struct {
	ID            string
	EventID       uuid.UUID
	Payload       []byte // serialized Envelope
	EventType     string
	OriginalTopic string
	Consumer      string
	ErrorKind     ErrorKind
	ErrorMessage  string
	StackTrace    string
	AttemptCount  int
	FailedAt      time.Time
	Status        DLQStatus
	StatusChanges []DLQStatusChange
}

// DLQStatusChange is one audit entry of the append-only status history.
type DLQStatusChange struct {
	From   DLQStatus
	To     DLQStatus
	Reason string
	At     time.Time
}

// DLQFilter narrows List results; zero values match everything.
type DLQFilter struct {
	Consumer  string
	EventType string
	Status    DLQStatus
	Limit     int
}

// DeadLetterRepository persists quarantined messages.
type DeadLetterRepository interface {
	Insert(ctx Context, m DeadLetterMessage) error
	Get(ctx Context, id string) (DeadLetterMessage, error)
	List(ctx Context, f DLQFilter) ([]DeadLetterMessage, error)
	// UpdateStatus appends a status change; implementations reject transitions
	// out of Resolved or Discarded with ErrConflict.
	UpdateStatus(ctx Context, id string, change DLQStatusChange) error
}
