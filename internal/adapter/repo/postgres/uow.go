package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/FreeSideNomad/messaging-platform/internal/domain"
)

type txKey struct{}

// txFrom returns the transaction carried in ctx, if any.
func txFrom(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

// dbFrom resolves the executor for a repository call: the context
// transaction when inside a unit-of-work, the fallback pool otherwise.
func dbFrom(ctx context.Context, fallback DB) DB {
	if tx := txFrom(ctx); tx != nil {
		return tx
	}
	return fallback
}

// UnitOfWork scopes a function to one database transaction with commit on
// nil return and rollback on error or panic. Nested Do calls join the
// transaction already carried in context; only the outermost call commits.
type UnitOfWork struct{ Pool *pgxpool.Pool }

// NewUnitOfWork constructs a UnitOfWork over the pool.
func NewUnitOfWork(pool *pgxpool.Pool) *UnitOfWork { return &UnitOfWork{Pool: pool} }

var _ domain.UnitOfWork = (*UnitOfWork)(nil)

// Do runs fn inside a transaction. The transaction travels in the context;
// repositories pick it up via dbFrom.
func (u *UnitOfWork) Do(ctx domain.Context, fn func(ctx domain.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}
	tx, err := u.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=uow.begin: %w", err)
	}
	txCtx := context.WithValue(ctx, txKey{}, tx)

	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				slog.Error("rollback after panic failed", slog.Any("error", rbErr))
			}
			panic(p)
		}
	}()

	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			slog.Error("rollback failed", slog.Any("error", rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=uow.commit: %w", err)
	}
	return nil
}
