package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SagaState is the lifecycle state of one saga instance.
type SagaState string

const (
	SagaRunning      SagaState = "running"
	SagaCompleted    SagaState = "completed"
	SagaCompensating SagaState = "compensating"
	SagaCompensated  SagaState = "compensated"
	SagaFailed       SagaState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s SagaState) Terminal() bool {
	return s == SagaCompleted || s == SagaCompensated || s == SagaFailed
}

// SagaStepRecord is one entry of the ordered step history.
type SagaStepRecord struct {
	Step    string    `json:"step"`
	Outcome string    `json:"outcome"`
	At      time.Time `json:"at"`
}

// Step outcomes recorded in history.
const (
	StepOutcomeStarted     = "started"
	StepOutcomeSucceeded   = "succeeded"
	StepOutcomeFailed      = "failed"
	StepOutcomeTimedOut    = "timed_out"
	StepOutcomeCompensated = "compensated"
)

// SagaInstance is the persisted workflow state machine. Version implements
// optimistic concurrency: concurrent event deliveries for the same saga are
// serialized by retrying on version conflict.
type SagaInstance struct {
	ID            uuid.UUID
	Type          string
	CorrelationID string
	State         SagaState
	CurrentStep   int
	History       []SagaStepRecord
	Data          json.RawMessage
	TimeoutAt     *time.Time
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Record appends a step history entry.
func (s *SagaInstance) Record(step, outcome string, at time.Time) {
	s.History = append(s.History, SagaStepRecord{Step: step, Outcome: outcome, At: at})
}

// SagaRepository persists saga instances. Update must compare-and-swap on
// Version and return ErrConflict on mismatch.
type SagaRepository interface {
	Insert(ctx Context, s SagaInstance) error
	Get(ctx Context, id uuid.UUID) (SagaInstance, error)
	FindByCorrelationID(ctx Context, sagaType, correlationID string) (SagaInstance, error)
	Update(ctx Context, s SagaInstance) error
	// DueTimeouts returns running instances whose TimeoutAt is at or before now.
	DueTimeouts(ctx Context, now time.Time, limit int) ([]SagaInstance, error)
}
