// Package dlq quarantines poison messages for inspection, reprocessing, and
// discard. A DLQ row never disappears silently; every status transition is an
// append-only audit entry.
package dlq

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/ordercore/internal/adapter/observability"
	"github.com/fairyhunter13/ordercore/internal/domain"
)

// Service implements the dead-letter queue operations on top of the
// repository port. The inbox repository is needed on reprocess: a row
// quarantined by the inbox left an exhausted (event, consumer) marker behind,
// and without reopening it the redelivered event would be swallowed as an
// already-quarantined duplicate before any handler runs.
type Service struct {
	repo  domain.DeadLetterRepository
	inbox domain.InboxRepository
}

// NewService constructs a Service. inbox may be nil for wirings that only
// quarantine outbox publish failures.
func NewService(repo domain.DeadLetterRepository, inbox domain.InboxRepository) *Service {
	return &Service{repo: repo, inbox: inbox}
}

// Quarantine snapshots a failing event. attempts is how many handler tries
// were burned before giving up.
func (s *Service) Quarantine(ctx domain.Context, ev domain.Envelope, consumer, originalTopic string, attempts int, cause error) error {
	payload, err := domain.EncodeEnvelope(ev)
	if err != nil {
		return err
	}
	kind := domain.ClassifyError(cause)
	m := domain.DeadLetterMessage{
		ID:            ulid.MustNew(ulid.Now(), rand.Reader).String(),
		EventID:       ev.EventID,
		Payload:       payload,
		EventType:     ev.EventType,
		OriginalTopic: originalTopic,
		Consumer:      consumer,
		ErrorKind:     kind,
		ErrorMessage:  cause.Error(),
		AttemptCount:  attempts,
		FailedAt:      time.Now().UTC(),
		Status:        domain.DLQQuarantined,
	}
	if err := s.repo.Insert(ctx, m); err != nil {
		return fmt.Errorf("op=dlq.quarantine: %w", err)
	}
	observability.DLQQuarantinedTotal.WithLabelValues(consumer, string(kind)).Inc()
	observability.LoggerFromContext(ctx).Warn("event quarantined",
		slog.String("dlq_id", m.ID),
		slog.String("event_id", ev.EventID.String()),
		slog.String("event_type", ev.EventType),
		slog.String("consumer", consumer),
		slog.String("error_kind", string(kind)),
		slog.Int("attempts", attempts))
	return nil
}

// List returns quarantined messages matching the filter.
func (s *Service) List(ctx domain.Context, f domain.DLQFilter) ([]domain.DeadLetterMessage, error) {
	return s.repo.List(ctx, f)
}

// Reprocess re-emits a quarantined message to its original consumer via
// redeliver. The row moves to Reprocessing for the attempt, then Resolved on
// success or back to Quarantined on failure.
func (s *Service) Reprocess(ctx domain.Context, id string, redeliver func(ctx domain.Context, ev domain.Envelope) error) error {
	m, err := s.repo.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("op=dlq.reprocess: %w", err)
	}
	if m.Status != domain.DLQQuarantined {
		return fmt.Errorf("op=dlq.reprocess: %w: message is %s", domain.ErrConflict, m.Status)
	}
	ev, err := domain.DecodeEnvelope(m.Payload)
	if err != nil {
		return fmt.Errorf("op=dlq.reprocess: %w", err)
	}

	now := time.Now().UTC()
	if err := s.repo.UpdateStatus(ctx, id, domain.DLQStatusChange{
		From: m.Status, To: domain.DLQReprocessing, Reason: "manual reprocess", At: now,
	}); err != nil {
		return fmt.Errorf("op=dlq.reprocess: %w", err)
	}

	// Reopen the consumer's dedup marker so the redelivery reaches the
	// handler. Outbox-quarantined rows have no marker; that is not an error.
	if s.inbox != nil {
		if err := s.inbox.Reset(ctx, m.EventID, m.Consumer); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("op=dlq.reprocess: reset inbox marker: %w", err)
		}
	}

	if rErr := redeliver(ctx, ev); rErr != nil {
		observability.DLQReprocessedTotal.WithLabelValues("failed").Inc()
		if err := s.repo.UpdateStatus(ctx, id, domain.DLQStatusChange{
			From: domain.DLQReprocessing, To: domain.DLQQuarantined, Reason: rErr.Error(), At: time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("op=dlq.reprocess: revert status: %w", err)
		}
		return fmt.Errorf("op=dlq.reprocess: redeliver: %w", rErr)
	}

	observability.DLQReprocessedTotal.WithLabelValues("resolved").Inc()
	if err := s.repo.UpdateStatus(ctx, id, domain.DLQStatusChange{
		From: domain.DLQReprocessing, To: domain.DLQResolved, Reason: "reprocess succeeded", At: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("op=dlq.reprocess: resolve status: %w", err)
	}
	return nil
}

// Discard permanently retires a quarantined message with an operator reason.
func (s *Service) Discard(ctx domain.Context, id, reason string) error {
	if reason == "" {
		return fmt.Errorf("op=dlq.discard: %w: reason required", domain.ErrInvalidArgument)
	}
	m, err := s.repo.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("op=dlq.discard: %w", err)
	}
	if m.Status == domain.DLQResolved || m.Status == domain.DLQDiscarded {
		return fmt.Errorf("op=dlq.discard: %w: message already %s", domain.ErrConflict, m.Status)
	}
	if err := s.repo.UpdateStatus(ctx, id, domain.DLQStatusChange{
		From: m.Status, To: domain.DLQDiscarded, Reason: reason, At: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("op=dlq.discard: %w", err)
	}
	return nil
}
