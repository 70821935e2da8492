package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/ordercore/internal/domain"
)

// SagaRepo persists saga instances. Update compare-and-swaps on version so
// concurrent event deliveries for one saga serialize through ErrConflict.
type SagaRepo struct{ Pool PgxPool }

// NewSagaRepo constructs a SagaRepo with the given pool.
func NewSagaRepo(p PgxPool) *SagaRepo { return &SagaRepo{Pool: p} }

// Insert stores a new instance at version 1.
func (r *SagaRepo) Insert(ctx domain.Context, s domain.SagaInstance) error {
	history, err := json.Marshal(s.History)
	if err != nil {
		return fmt.Errorf("op=saga.insert: marshal history: %w", err)
	}
	const stmt = `INSERT INTO saga_instances
		(id, saga_type, correlation_id, state, current_step, history, data, timeout_at, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,1,$9,$10)`
	_, err = q(ctx, r.Pool).Exec(ctx, stmt,
		s.ID, s.Type, s.CorrelationID, string(s.State), s.CurrentStep, history,
		rawOrEmpty(s.Data), s.TimeoutAt, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("op=saga.insert: %w: %s/%s", domain.ErrConflict, s.Type, s.CorrelationID)
		}
		return fmt.Errorf("op=saga.insert: %w", err)
	}
	return nil
}

// Get loads one instance by id.
func (r *SagaRepo) Get(ctx domain.Context, id uuid.UUID) (domain.SagaInstance, error) {
	return r.scanOne(q(ctx, r.Pool).QueryRow(ctx, selectSaga+` WHERE id=$1`, id))
}

// FindByCorrelationID loads the instance of one saga type for a business flow.
func (r *SagaRepo) FindByCorrelationID(ctx domain.Context, sagaType, correlationID string) (domain.SagaInstance, error) {
	return r.scanOne(q(ctx, r.Pool).QueryRow(ctx,
		selectSaga+` WHERE saga_type=$1 AND correlation_id=$2`, sagaType, correlationID))
}

// Update persists the instance if its version is unchanged, bumping it by one.
func (r *SagaRepo) Update(ctx domain.Context, s domain.SagaInstance) error {
	history, err := json.Marshal(s.History)
	if err != nil {
		return fmt.Errorf("op=saga.update: marshal history: %w", err)
	}
	const stmt = `UPDATE saga_instances
		SET state=$2, current_step=$3, history=$4, data=$5, timeout_at=$6,
		    version = version + 1, updated_at=$7
		WHERE id=$1 AND version=$8`
	tag, err := q(ctx, r.Pool).Exec(ctx, stmt,
		s.ID, string(s.State), s.CurrentStep, history, rawOrEmpty(s.Data),
		s.TimeoutAt, time.Now().UTC(), s.Version)
	if err != nil {
		return fmt.Errorf("op=saga.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=saga.update: %w: version %d is stale for saga %s", domain.ErrConflict, s.Version, s.ID)
	}
	return nil
}

// DueTimeouts returns running instances whose deadline has passed.
func (r *SagaRepo) DueTimeouts(ctx domain.Context, now time.Time, limit int) ([]domain.SagaInstance, error) {
	rows, err := q(ctx, r.Pool).Query(ctx,
		selectSaga+` WHERE state=$1 AND timeout_at IS NOT NULL AND timeout_at <= $2 ORDER BY timeout_at LIMIT $3`,
		string(domain.SagaRunning), now, limit)
	if err != nil {
		return nil, fmt.Errorf("op=saga.due_timeouts: %w", err)
	}
	defer rows.Close()

	var out []domain.SagaInstance
	for rows.Next() {
		s, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=saga.due_timeouts: %w", err)
	}
	return out, nil
}

const selectSaga = `SELECT id, saga_type, correlation_id, state, current_step, history, data, timeout_at, version, created_at, updated_at
	FROM saga_instances`

func (r *SagaRepo) scanOne(row pgx.Row) (domain.SagaInstance, error) {
	var (
		s       domain.SagaInstance
		state   string
		history []byte
	)
	err := row.Scan(&s.ID, &s.Type, &s.CorrelationID, &state, &s.CurrentStep, &history,
		&s.Data, &s.TimeoutAt, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SagaInstance{}, fmt.Errorf("op=saga.get: %w", domain.ErrNotFound)
		}
		return domain.SagaInstance{}, fmt.Errorf("op=saga.get: %w", err)
	}
	s.State = domain.SagaState(state)
	if err := json.Unmarshal(history, &s.History); err != nil {
		return domain.SagaInstance{}, fmt.Errorf("op=saga.get: unmarshal history: %w", err)
	}
	return s, nil
}

func rawOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
