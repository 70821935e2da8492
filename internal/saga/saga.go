// Package saga drives long-running multi-service workflows as persisted step
// machines with compensating actions. Sagas here are coded, not interpreted:
// a Definition is a totally-ordered list of steps written in Go.
package saga

import (
	"time"

	"github.com/fairyhunter13/ordercore/internal/domain"
)

// Step is one unit of a saga: a forward action and its compensation. Both run
// inside the orchestrator's unit of work, so the saga update, any aggregate
// work they do, and the envelopes they return (staged to the outbox) commit
// together.
type Step struct {
	Name string
	// Timeout bounds how long the saga waits for this step's response event.
	Timeout time.Duration
	// Immediate marks steps that complete on forward success without waiting
	// for a response event (e.g. a local aggregate transition).
	Immediate bool
	// Forward emits the step's command events and may mutate local state.
	Forward func(ctx domain.Context, inst *domain.SagaInstance) ([]domain.Envelope, error)
	// Compensate semantically undoes a previously successful forward. Nil for
	// steps with nothing to undo.
	Compensate func(ctx domain.Context, inst *domain.SagaInstance) ([]domain.Envelope, error)
}

// Outcome is the result an incoming event reports for a step.
type Outcome struct {
	Step    int
	Success bool
	Reason  string
}

// Definition is a saga type: its steps plus the routing from response events
// to step outcomes.
type Definition struct {
	Type  string
	Steps []Step
	// Route maps an incoming event to a step outcome; events that do not
	// concern this saga type return ok=false and are ignored.
	Route func(ev domain.Envelope, payload domain.EventPayload) (Outcome, bool)
	// CorrelationID extracts the saga correlation key from a routed event.
	CorrelationID func(ev domain.Envelope, payload domain.EventPayload) string
	// OnCompensated runs after all compensations were emitted, before the
	// instance is marked Compensated. Optional.
	OnCompensated func(ctx domain.Context, inst *domain.SagaInstance, reason string) ([]domain.Envelope, error)
}
