// Package inbox makes event consumption exactly-once from the consumer's
// perspective: handler side effects commit atomically with the dedup marker.
package inbox

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ordercore/internal/adapter/observability"
	"github.com/fairyhunter13/ordercore/internal/dlq"
	"github.com/fairyhunter13/ordercore/internal/domain"
)

// Engine wraps event handlers with inbox deduplication and retry accounting
// for one named consumer. The consumer identity is required and non-empty;
// the same event may be consumed by several consumer groups, each at most
// once.
type Engine struct {
	inbox      domain.InboxRepository
	uow        domain.UnitOfWork
	dlq        *dlq.Service
	consumer   string
	maxRetries int
}

// NewEngine constructs an Engine. maxRetries <= 0 falls back to the core
// default of 3 handler attempts per (event, consumer).
func NewEngine(repo domain.InboxRepository, uow domain.UnitOfWork, dlqSvc *dlq.Service, consumer string, maxRetries int) (*Engine, error) {
	if consumer == "" {
		return nil, fmt.Errorf("op=inbox.new: %w: consumer identity required", domain.ErrInvalidArgument)
	}
	if maxRetries <= 0 {
		maxRetries = domain.MaxHandlerRetries
	}
	return &Engine{inbox: repo, uow: uow, dlq: dlqSvc, consumer: consumer, maxRetries: maxRetries}, nil
}

// Consumer returns the consumer identity the engine deduplicates under.
func (e *Engine) Consumer() string { return e.consumer }

// Consume processes one delivery of an event. Duplicate deliveries of a
// Processed event return nil with no side effects. Handler side effects and
// the Processed marker commit in one unit of work. A failure commits the
// Failed marker separately so retries are accounted across redeliveries;
// once the retry budget is spent the event is quarantined and the error is
// wrapped in ErrPoison so the adapter commits the offset and moves on.
func (e *Engine) Consume(ctx domain.Context, ev domain.Envelope, topic string, handler domain.EventHandler) error {
	lg := observability.LoggerFromContext(ctx).With(
		slog.String("event_id", ev.EventID.String()),
		slog.String("event_type", ev.EventType),
		slog.String("consumer", e.consumer))

	proceed, err := e.begin(ctx, ev)
	if err != nil || !proceed {
		return err
	}

	handlerErr := e.uow.WithinTx(ctx, func(txCtx domain.Context) error {
		if err := handler(txCtx, ev); err != nil {
			return err
		}
		return e.inbox.MarkProcessed(txCtx, ev.EventID, e.consumer, time.Now().UTC())
	})
	if handlerErr == nil {
		observability.InboxProcessedTotal.WithLabelValues(e.consumer, ev.EventType).Inc()
		return nil
	}

	// The business transaction rolled back; account the failure in its own
	// transaction so the retry counter survives.
	observability.InboxFailuresTotal.WithLabelValues(e.consumer, ev.EventType).Inc()
	if err := e.inbox.MarkFailed(ctx, ev.EventID, e.consumer, handlerErr.Error()); err != nil {
		lg.Error("inbox failure marker update failed", slog.Any("error", err))
		return fmt.Errorf("op=inbox.consume: mark failed: %w", err)
	}

	row, err := e.inbox.Get(ctx, ev.EventID, e.consumer)
	if err != nil {
		return fmt.Errorf("op=inbox.consume: reload marker: %w", err)
	}
	if row.RetryCount >= e.maxRetries {
		lg.Warn("handler retry budget exhausted, quarantining event",
			slog.Int("retry_count", row.RetryCount),
			slog.Any("error", handlerErr))
		if e.dlq != nil {
			if qErr := e.dlq.Quarantine(ctx, ev, e.consumer, topic, row.RetryCount, handlerErr); qErr != nil {
				return fmt.Errorf("op=inbox.consume: quarantine: %w", qErr)
			}
		}
		return fmt.Errorf("op=inbox.consume: %w: %v", domain.ErrPoison, handlerErr)
	}

	lg.Warn("handler failed, will retry on redelivery",
		slog.Int("retry_count", row.RetryCount),
		slog.Any("error", handlerErr))
	return handlerErr
}

// begin inserts the (event, consumer) marker, or evaluates the existing one.
// Returns proceed=false for suppressed duplicates.
func (e *Engine) begin(ctx domain.Context, ev domain.Envelope) (bool, error) {
	m := domain.InboxMessage{
		EventID:    ev.EventID,
		Consumer:   e.consumer,
		ReceivedAt: time.Now().UTC(),
		Status:     domain.InboxReceived,
	}
	err := e.inbox.Insert(ctx, m)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, domain.ErrConflict) {
		return false, fmt.Errorf("op=inbox.consume: insert marker: %w", err)
	}

	existing, err := e.inbox.Get(ctx, ev.EventID, e.consumer)
	if err != nil {
		return false, fmt.Errorf("op=inbox.consume: load marker: %w", err)
	}
	switch existing.Status {
	case domain.InboxProcessed:
		observability.InboxDuplicatesTotal.WithLabelValues(e.consumer).Inc()
		observability.LoggerFromContext(ctx).Debug("duplicate delivery suppressed",
			slog.String("event_id", ev.EventID.String()),
			slog.String("consumer", e.consumer))
		return false, nil
	case domain.InboxFailed:
		if existing.RetryCount >= e.maxRetries {
			// Already quarantined; swallow the redelivery.
			return false, fmt.Errorf("op=inbox.consume: %w: retry budget exhausted", domain.ErrPoison)
		}
		return true, nil
	default: // Received: an earlier delivery crashed mid-flight, take over.
		return true, nil
	}
}
