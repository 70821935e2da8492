package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/ordercore/internal/domain"
)

// InboxRepo persists (event, consumer) dedup markers. The composite primary
// key makes concurrent first deliveries race deterministically: the loser's
// insert fails with a unique violation.
type InboxRepo struct{ Pool PgxPool }

// NewInboxRepo constructs an InboxRepo with the given pool.
func NewInboxRepo(p PgxPool) *InboxRepo { return &InboxRepo{Pool: p} }

// Insert writes a new marker; a duplicate key surfaces as ErrConflict.
func (r *InboxRepo) Insert(ctx domain.Context, m domain.InboxMessage) error {
	const stmt = `INSERT INTO inbox_messages
		(event_id, consumer, received_at, processed_at, status, retry_count, last_error)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := q(ctx, r.Pool).Exec(ctx, stmt,
		m.EventID, m.Consumer, m.ReceivedAt, m.ProcessedAt, m.Status, m.RetryCount, m.LastError)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("op=inbox.insert: %w: event %s already seen by %s", domain.ErrConflict, m.EventID, m.Consumer)
		}
		return fmt.Errorf("op=inbox.insert: %w", err)
	}
	return nil
}

// Get loads one marker.
func (r *InboxRepo) Get(ctx domain.Context, eventID uuid.UUID, consumer string) (domain.InboxMessage, error) {
	const stmt = `SELECT event_id, consumer, received_at, processed_at, status, retry_count, last_error
		FROM inbox_messages WHERE event_id=$1 AND consumer=$2`
	var m domain.InboxMessage
	err := q(ctx, r.Pool).QueryRow(ctx, stmt, eventID, consumer).Scan(
		&m.EventID, &m.Consumer, &m.ReceivedAt, &m.ProcessedAt, &m.Status, &m.RetryCount, &m.LastError)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.InboxMessage{}, fmt.Errorf("op=inbox.get: %w", domain.ErrNotFound)
		}
		return domain.InboxMessage{}, fmt.Errorf("op=inbox.get: %w", err)
	}
	return m, nil
}

// MarkProcessed finalizes a marker; it never leaves Processed afterwards.
func (r *InboxRepo) MarkProcessed(ctx domain.Context, eventID uuid.UUID, consumer string, at time.Time) error {
	tag, err := q(ctx, r.Pool).Exec(ctx,
		`UPDATE inbox_messages SET status=$3, processed_at=$4 WHERE event_id=$1 AND consumer=$2`,
		eventID, consumer, domain.InboxProcessed, at)
	if err != nil {
		return fmt.Errorf("op=inbox.mark_processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=inbox.mark_processed: %w", domain.ErrNotFound)
	}
	return nil
}

// Reset reopens an exhausted marker for a dead-letter redelivery.
func (r *InboxRepo) Reset(ctx domain.Context, eventID uuid.UUID, consumer string) error {
	tag, err := q(ctx, r.Pool).Exec(ctx,
		`UPDATE inbox_messages
		 SET status=$3, retry_count = 0, last_error = '', processed_at = NULL
		 WHERE event_id=$1 AND consumer=$2`,
		eventID, consumer, domain.InboxReceived)
	if err != nil {
		return fmt.Errorf("op=inbox.reset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=inbox.reset: %w", domain.ErrNotFound)
	}
	return nil
}

// MarkFailed bumps the retry counter and records the latest error.
func (r *InboxRepo) MarkFailed(ctx domain.Context, eventID uuid.UUID, consumer string, lastError string) error {
	tag, err := q(ctx, r.Pool).Exec(ctx,
		`UPDATE inbox_messages
		 SET status=$3, retry_count = retry_count + 1, last_error=$4
		 WHERE event_id=$1 AND consumer=$2`,
		eventID, consumer, domain.InboxFailed, lastError)
	if err != nil {
		return fmt.Errorf("op=inbox.mark_failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=inbox.mark_failed: %w", domain.ErrNotFound)
	}
	return nil
}
