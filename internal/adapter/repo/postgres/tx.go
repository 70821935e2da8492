package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/ordercore/internal/domain"
)

type txKey struct{}

// querier is what repositories run statements against: the pool outside a
// unit of work, the transaction inside one.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// q resolves the querier for ctx.
func q(ctx domain.Context, pool PgxPool) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return pool
}

// UnitOfWork implements domain.UnitOfWork by carrying a pgx transaction in
// the context. Nested WithinTx calls join the outer transaction.
type UnitOfWork struct {
	pool PgxPool
}

// NewUnitOfWork constructs a UnitOfWork over the pool.
func NewUnitOfWork(pool PgxPool) *UnitOfWork { return &UnitOfWork{pool: pool} }

// WithinTx begins a transaction, runs fn with it in the context, and commits
// when fn returns nil.
func (u *UnitOfWork) WithinTx(ctx domain.Context, fn func(ctx domain.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	tx, err := u.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=uow.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=uow.commit: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
