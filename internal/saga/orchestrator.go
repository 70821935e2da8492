package saga

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ordercore/internal/adapter/observability"
	"github.com/fairyhunter13/ordercore/internal/domain"
	"github.com/fairyhunter13/ordercore/internal/outbox"
)

// conflictRetries bounds how often a version conflict from a concurrent
// delivery is retried before surfacing.
const conflictRetries = 3

// Orchestrator persists saga instances of one Definition and advances them in
// reaction to integration events. All event emission goes through the outbox,
// never directly to the bus.
type Orchestrator struct {
	def    Definition
	sagas  domain.SagaRepository
	outbox domain.OutboxRepository
	uow    domain.UnitOfWork
	reg    *domain.Registry
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(def Definition, sagas domain.SagaRepository, outboxRepo domain.OutboxRepository, uow domain.UnitOfWork, reg *domain.Registry) *Orchestrator {
	return &Orchestrator{def: def, sagas: sagas, outbox: outboxRepo, uow: uow, reg: reg}
}

// Start creates a Running instance and executes the first step's forward
// action. It must be called inside the caller's unit of work so the saga, the
// originating aggregate, and the first command events commit atomically.
func (o *Orchestrator) Start(ctx domain.Context, correlationID string, data []byte) (domain.SagaInstance, error) {
	if correlationID == "" {
		return domain.SagaInstance{}, fmt.Errorf("op=saga.start: %w: correlation id required", domain.ErrInvalidArgument)
	}
	now := time.Now().UTC()
	inst := domain.SagaInstance{
		ID:            uuid.New(),
		Type:          o.def.Type,
		CorrelationID: correlationID,
		State:         domain.SagaRunning,
		CurrentStep:   0,
		Data:          data,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	observability.SagaTransitionsTotal.WithLabelValues(o.def.Type, string(domain.SagaRunning)).Inc()
	var pending []domain.Envelope
	if err := o.runStepsFrom(ctx, &inst, 0, &pending); err != nil {
		return domain.SagaInstance{}, err
	}
	if err := o.sagas.Insert(ctx, inst); err != nil {
		return domain.SagaInstance{}, fmt.Errorf("op=saga.start: %w", err)
	}
	if err := outbox.Stage(ctx, o.outbox, pending...); err != nil {
		return domain.SagaInstance{}, err
	}
	slog.Info("saga started",
		slog.String("saga_type", o.def.Type),
		slog.String("saga_id", inst.ID.String()),
		slog.String("correlation_id", correlationID))
	return inst, nil
}

// HandleEvent routes one integration event to its saga instance. It is
// registered as an inbox handler and therefore runs inside the inbox unit of
// work. Events that do not concern this saga type are ignored; duplicate or
// stale outcomes are absorbed by the current-step check.
func (o *Orchestrator) HandleEvent(ctx domain.Context, ev domain.Envelope) error {
	payload, err := o.reg.Decode(ev)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil // not an event this saga knows
		}
		return err
	}
	outcome, ok := o.def.Route(ev, payload)
	if !ok {
		return nil
	}
	correlationID := ev.CorrelationID
	if o.def.CorrelationID != nil {
		correlationID = o.def.CorrelationID(ev, payload)
	}

	var lastErr error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		inst, err := o.sagas.FindByCorrelationID(ctx, o.def.Type, correlationID)
		if err != nil {
			return fmt.Errorf("op=saga.handle: %w", err)
		}
		// Envelopes are collected per attempt and staged only after the
		// version check passes; a lost CAS race discards the stale set so an
		// outcome applied against a superseded instance never emits commands.
		var pending []domain.Envelope
		if err := o.apply(ctx, &inst, outcome, domain.StepOutcomeFailed, &pending); err != nil {
			return err
		}
		if err := o.sagas.Update(ctx, inst); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				lastErr = err
				continue
			}
			return fmt.Errorf("op=saga.handle: %w", err)
		}
		return outbox.Stage(ctx, o.outbox, pending...)
	}
	return fmt.Errorf("op=saga.handle: version conflict persisted after %d attempts: %w", conflictRetries, lastErr)
}

// InjectTimeout fails the current step of a deadline-overdue instance. Called
// by the timeout scanner in its own unit of work.
func (o *Orchestrator) InjectTimeout(ctx domain.Context, id uuid.UUID) error {
	return o.uow.WithinTx(ctx, func(txCtx domain.Context) error {
		inst, err := o.sagas.Get(txCtx, id)
		if err != nil {
			return fmt.Errorf("op=saga.timeout: %w", err)
		}
		if inst.State != domain.SagaRunning || inst.TimeoutAt == nil || inst.TimeoutAt.After(time.Now().UTC()) {
			return nil // raced with a late response; nothing to do
		}
		outcome := Outcome{Step: inst.CurrentStep, Success: false, Reason: "step deadline exceeded"}
		var pending []domain.Envelope
		if err := o.apply(txCtx, &inst, outcome, domain.StepOutcomeTimedOut, &pending); err != nil {
			return err
		}
		if err := o.sagas.Update(txCtx, inst); err != nil {
			return fmt.Errorf("op=saga.timeout: %w", err)
		}
		return outbox.Stage(txCtx, o.outbox, pending...)
	})
}

// apply advances or compensates inst in reaction to one outcome, appending
// the command events it produces to pending; the caller stages them after the
// instance write passes its version check.
// failureLabel names how a failed outcome is recorded (failed vs timed_out).
func (o *Orchestrator) apply(ctx domain.Context, inst *domain.SagaInstance, outcome Outcome, failureLabel string, pending *[]domain.Envelope) error {
	if inst.State.Terminal() || inst.State == domain.SagaCompensating {
		return nil // late or duplicate outcome for a settled saga
	}
	if outcome.Step != inst.CurrentStep {
		slog.Debug("stale saga outcome ignored",
			slog.String("saga_id", inst.ID.String()),
			slog.Int("outcome_step", outcome.Step),
			slog.Int("current_step", inst.CurrentStep))
		return nil
	}
	now := time.Now().UTC()
	step := o.def.Steps[inst.CurrentStep]

	if outcome.Success {
		inst.Record(step.Name, domain.StepOutcomeSucceeded, now)
		o.observeStepDuration(inst, step.Name, now)
		return o.runStepsFrom(ctx, inst, inst.CurrentStep+1, pending)
	}

	inst.Record(step.Name, failureLabel, now)
	return o.compensate(ctx, inst, outcome.Reason, pending)
}

// runStepsFrom executes forward actions starting at step index from,
// advancing through Immediate steps, until the saga either waits on a
// response event or completes. Command events accumulate in pending.
func (o *Orchestrator) runStepsFrom(ctx domain.Context, inst *domain.SagaInstance, from int, pending *[]domain.Envelope) error {
	inst.CurrentStep = from
	for inst.CurrentStep < len(o.def.Steps) {
		step := o.def.Steps[inst.CurrentStep]
		now := time.Now().UTC()
		inst.Record(step.Name, domain.StepOutcomeStarted, now)

		events, err := step.Forward(ctx, inst)
		if err != nil {
			slog.Warn("saga forward action failed",
				slog.String("saga_type", o.def.Type),
				slog.String("saga_id", inst.ID.String()),
				slog.String("step", step.Name),
				slog.Any("error", err))
			inst.Record(step.Name, domain.StepOutcomeFailed, time.Now().UTC())
			return o.compensate(ctx, inst, err.Error(), pending)
		}
		*pending = append(*pending, events...)

		if !step.Immediate {
			timeout := step.Timeout
			if timeout <= 0 {
				timeout = 5 * time.Minute
			}
			deadline := now.Add(timeout)
			inst.TimeoutAt = &deadline
			inst.UpdatedAt = now
			return nil
		}
		inst.Record(step.Name, domain.StepOutcomeSucceeded, time.Now().UTC())
		inst.CurrentStep++
	}

	inst.State = domain.SagaCompleted
	inst.TimeoutAt = nil
	inst.UpdatedAt = time.Now().UTC()
	observability.SagaTransitionsTotal.WithLabelValues(o.def.Type, string(domain.SagaCompleted)).Inc()
	slog.Info("saga completed",
		slog.String("saga_type", o.def.Type),
		slog.String("saga_id", inst.ID.String()))
	return nil
}

// compensate runs the compensations of all completed steps in reverse order.
// A compensation for step K runs only if K's forward action succeeded.
func (o *Orchestrator) compensate(ctx domain.Context, inst *domain.SagaInstance, reason string, pending *[]domain.Envelope) error {
	inst.State = domain.SagaCompensating
	inst.TimeoutAt = nil
	observability.SagaTransitionsTotal.WithLabelValues(o.def.Type, string(domain.SagaCompensating)).Inc()
	slog.Info("saga compensating",
		slog.String("saga_type", o.def.Type),
		slog.String("saga_id", inst.ID.String()),
		slog.String("reason", reason))

	for k := inst.CurrentStep - 1; k >= 0; k-- {
		step := o.def.Steps[k]
		if step.Compensate == nil {
			continue
		}
		events, err := step.Compensate(ctx, inst)
		if err != nil {
			inst.State = domain.SagaFailed
			inst.UpdatedAt = time.Now().UTC()
			observability.SagaTransitionsTotal.WithLabelValues(o.def.Type, string(domain.SagaFailed)).Inc()
			slog.Error("saga compensation failed irrecoverably",
				slog.String("saga_type", o.def.Type),
				slog.String("saga_id", inst.ID.String()),
				slog.String("step", step.Name),
				slog.Any("error", err))
			return nil // persisted as Failed; nothing more to do in this tx
		}
		*pending = append(*pending, events...)
		inst.Record(step.Name, domain.StepOutcomeCompensated, time.Now().UTC())
	}

	if o.def.OnCompensated != nil {
		events, err := o.def.OnCompensated(ctx, inst, reason)
		if err != nil {
			return err
		}
		*pending = append(*pending, events...)
	}

	inst.State = domain.SagaCompensated
	inst.UpdatedAt = time.Now().UTC()
	observability.SagaTransitionsTotal.WithLabelValues(o.def.Type, string(domain.SagaCompensated)).Inc()
	slog.Info("saga compensated",
		slog.String("saga_type", o.def.Type),
		slog.String("saga_id", inst.ID.String()))
	return nil
}

// observeStepDuration measures from the step's last started record.
func (o *Orchestrator) observeStepDuration(inst *domain.SagaInstance, stepName string, end time.Time) {
	for i := len(inst.History) - 1; i >= 0; i-- {
		h := inst.History[i]
		if h.Step == stepName && h.Outcome == domain.StepOutcomeStarted {
			observability.SagaStepDuration.WithLabelValues(o.def.Type, stepName).Observe(end.Sub(h.At).Seconds())
			return
		}
	}
}
