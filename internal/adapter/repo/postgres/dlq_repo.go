package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/ordercore/internal/domain"
)

// DLQRepo persists quarantined messages with their append-only status audit.
type DLQRepo struct{ Pool PgxPool }

// NewDLQRepo constructs a DLQRepo with the given pool.
func NewDLQRepo(p PgxPool) *DLQRepo { return &DLQRepo{Pool: p} }

// Insert stores a freshly quarantined message.
func (r *DLQRepo) Insert(ctx domain.Context, m domain.DeadLetterMessage) error {
	changes, err := json.Marshal(m.StatusChanges)
	if err != nil {
		return fmt.Errorf("op=dlq.insert: marshal history: %w", err)
	}
	const stmt = `INSERT INTO dead_letter_messages
		(id, event_id, payload, event_type, original_topic, consumer, error_kind,
		 error_message, stack_trace, attempt_count, failed_at, status, status_changes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	_, err = q(ctx, r.Pool).Exec(ctx, stmt,
		m.ID, m.EventID, m.Payload, m.EventType, m.OriginalTopic, m.Consumer, string(m.ErrorKind),
		m.ErrorMessage, m.StackTrace, m.AttemptCount, m.FailedAt, string(m.Status), changes)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("op=dlq.insert: %w: id %s", domain.ErrConflict, m.ID)
		}
		return fmt.Errorf("op=dlq.insert: %w", err)
	}
	return nil
}

// Get loads one message by id.
func (r *DLQRepo) Get(ctx domain.Context, id string) (domain.DeadLetterMessage, error) {
	const stmt = `SELECT id, event_id, payload, event_type, original_topic, consumer, error_kind,
			error_message, stack_trace, attempt_count, failed_at, status, status_changes
		FROM dead_letter_messages WHERE id=$1`
	return r.scanOne(ctx, q(ctx, r.Pool).QueryRow(ctx, stmt, id))
}

// List returns messages matching the filter, newest first.
func (r *DLQRepo) List(ctx domain.Context, f domain.DLQFilter) ([]domain.DeadLetterMessage, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Consumer != "" {
		add("consumer=$%d", f.Consumer)
	}
	if f.EventType != "" {
		add("event_type=$%d", f.EventType)
	}
	if f.Status != "" {
		add("status=$%d", string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	stmt := `SELECT id, event_id, payload, event_type, original_topic, consumer, error_kind,
			error_message, stack_trace, attempt_count, failed_at, status, status_changes
		FROM dead_letter_messages`
	if len(conds) > 0 {
		stmt += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	stmt += fmt.Sprintf(" ORDER BY failed_at DESC LIMIT $%d", len(args))

	rows, err := q(ctx, r.Pool).Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("op=dlq.list: %w", err)
	}
	defer rows.Close()

	var out []domain.DeadLetterMessage
	for rows.Next() {
		m, err := r.scanOne(ctx, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=dlq.list: %w", err)
	}
	return out, nil
}

// UpdateStatus appends a status change. The WHERE clause enforces the
// append-only rule in one statement: terminal rows never transition again.
func (r *DLQRepo) UpdateStatus(ctx domain.Context, id string, change domain.DLQStatusChange) error {
	entry, err := json.Marshal([]domain.DLQStatusChange{change})
	if err != nil {
		return fmt.Errorf("op=dlq.update_status: marshal change: %w", err)
	}
	const stmt = `UPDATE dead_letter_messages
		SET status=$2, status_changes = status_changes || $3::jsonb
		WHERE id=$1 AND status NOT IN ('resolved','discarded')`
	tag, err := q(ctx, r.Pool).Exec(ctx, stmt, id, string(change.To), entry)
	if err != nil {
		return fmt.Errorf("op=dlq.update_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish missing from terminal.
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("op=dlq.update_status: %w: message %s is terminal", domain.ErrConflict, id)
	}
	return nil
}

func (r *DLQRepo) scanOne(_ domain.Context, row pgx.Row) (domain.DeadLetterMessage, error) {
	var (
		m       domain.DeadLetterMessage
		kind    string
		status  string
		changes []byte
	)
	err := row.Scan(&m.ID, &m.EventID, &m.Payload, &m.EventType, &m.OriginalTopic, &m.Consumer, &kind,
		&m.ErrorMessage, &m.StackTrace, &m.AttemptCount, &m.FailedAt, &status, &changes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DeadLetterMessage{}, fmt.Errorf("op=dlq.get: %w", domain.ErrNotFound)
		}
		return domain.DeadLetterMessage{}, fmt.Errorf("op=dlq.get: %w", err)
	}
	m.ErrorKind = domain.ErrorKind(kind)
	m.Status = domain.DLQStatus(status)
	if err := json.Unmarshal(changes, &m.StatusChanges); err != nil {
		return domain.DeadLetterMessage{}, fmt.Errorf("op=dlq.get: unmarshal history: %w", err)
	}
	return m, nil
}
