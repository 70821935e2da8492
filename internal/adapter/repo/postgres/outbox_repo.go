package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ordercore/internal/domain"
)

// OutboxRepo persists outbox rows. LockUnprocessed relies on FOR UPDATE SKIP
// LOCKED so competing processor instances partition the backlog instead of
// blocking on it.
type OutboxRepo struct{ Pool PgxPool }

// NewOutboxRepo constructs an OutboxRepo with the given pool.
func NewOutboxRepo(p PgxPool) *OutboxRepo { return &OutboxRepo{Pool: p} }

// Append inserts rows, joining the caller's transaction when present.
func (r *OutboxRepo) Append(ctx domain.Context, msgs ...domain.OutboxMessage) error {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.Append")
	defer span.End()
	db := q(ctx, r.Pool)
	const stmt = `INSERT INTO outbox_messages
		(id, aggregate_id, event_type, payload, occurred_at, correlation_id, retry_count, last_error, next_attempt_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	for i := range msgs {
		m := msgs[i]
		if _, err := db.Exec(ctx, stmt,
			m.ID, m.AggregateID, m.EventType, m.Payload, m.OccurredAt,
			m.CorrelationID, m.RetryCount, m.LastError, m.NextAttemptAt); err != nil {
			return fmt.Errorf("op=outbox.append: %w", err)
		}
	}
	return nil
}

// LockUnprocessed claims due unprocessed rows in ULID order. Must run inside
// a transaction; the row locks release on commit.
func (r *OutboxRepo) LockUnprocessed(ctx domain.Context, now time.Time, limit, maxRetries int) ([]domain.OutboxMessage, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.LockUnprocessed")
	defer span.End()
	const stmt = `SELECT id, aggregate_id, event_type, payload, occurred_at, correlation_id,
			processed_at, retry_count, last_error, next_attempt_at
		FROM outbox_messages
		WHERE processed_at IS NULL AND next_attempt_at <= $1 AND retry_count <= $2
		ORDER BY id
		LIMIT $3
		FOR UPDATE SKIP LOCKED`
	rows, err := q(ctx, r.Pool).Query(ctx, stmt, now, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("op=outbox.lock: %w", err)
	}
	defer rows.Close()

	var out []domain.OutboxMessage
	for rows.Next() {
		var m domain.OutboxMessage
		if err := rows.Scan(&m.ID, &m.AggregateID, &m.EventType, &m.Payload, &m.OccurredAt,
			&m.CorrelationID, &m.ProcessedAt, &m.RetryCount, &m.LastError, &m.NextAttemptAt); err != nil {
			return nil, fmt.Errorf("op=outbox.lock: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=outbox.lock: %w", err)
	}
	return out, nil
}

// MarkProcessed tombstones a published row; it stays until retention purges it.
func (r *OutboxRepo) MarkProcessed(ctx domain.Context, id string, at time.Time) error {
	tag, err := q(ctx, r.Pool).Exec(ctx,
		`UPDATE outbox_messages SET processed_at=$2 WHERE id=$1`, id, at)
	if err != nil {
		return fmt.Errorf("op=outbox.mark_processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=outbox.mark_processed: %w: id %s", domain.ErrNotFound, id)
	}
	return nil
}

// MarkFailed bumps the retry counter and schedules the next attempt.
func (r *OutboxRepo) MarkFailed(ctx domain.Context, id string, lastError string, nextAttempt time.Time) error {
	tag, err := q(ctx, r.Pool).Exec(ctx,
		`UPDATE outbox_messages
		 SET retry_count = retry_count + 1, last_error = $2, next_attempt_at = $3
		 WHERE id = $1`, id, lastError, nextAttempt)
	if err != nil {
		return fmt.Errorf("op=outbox.mark_failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=outbox.mark_failed: %w: id %s", domain.ErrNotFound, id)
	}
	return nil
}

// PurgeProcessedBefore deletes tombstones older than the cutoff.
func (r *OutboxRepo) PurgeProcessedBefore(ctx domain.Context, cutoff time.Time) (int64, error) {
	tag, err := q(ctx, r.Pool).Exec(ctx,
		`DELETE FROM outbox_messages WHERE processed_at IS NOT NULL AND processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=outbox.purge: %w", err)
	}
	return tag.RowsAffected(), nil
}
