package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/apilens/backend/internal/domain/auth"
)

var _ auth.Transactor = (*transactorImpl)(nil)

type transactorImpl struct {
	db     *DB
	logger *zap.Logger
}

func NewTransactor(db *DB, logger *zap.Logger) *transactorImpl {
	return &transactorImpl{db: db, logger: logger}
}

// WithTx runs fn inside a single transaction. The tx travels through the
// context, so every repo call inside fn shares it. Nested calls reuse the
// caller's transaction.
func (t *transactorImpl) WithTx(ctx context.Context, fn func(ctx context.Context) error) (txErr error) {
	ctxWithTx, tx, started, err := injectTx(ctx, t.db)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if !started {
		return fn(ctxWithTx)
	}

	defer func() {
		if txErr != nil {
			if err := tx.Rollback(ctxWithTx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
				t.logger.Error("rollback", zap.Error(err))
			}
			return
		}
		if err := tx.Commit(ctxWithTx); err != nil {
			t.logger.Error("commit", zap.Error(err))
			txErr = fmt.Errorf("commit tx: %w", err)
		}
	}()

	return fn(ctxWithTx)
}

type txInjector struct{}

// injectTx returns a context carrying a transaction; started reports whether
// this call opened it (and therefore owns commit/rollback).
func injectTx(ctx context.Context, db *DB) (context.Context, pgx.Tx, bool, error) {
	if tx, ok := extractTx(ctx); ok {
		return ctx, tx, false, nil
	}
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, nil, false, err
	}
	return context.WithValue(ctx, txInjector{}, tx), tx, true, nil
}

func extractTx(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txInjector{}).(pgx.Tx)
	return tx, ok
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// querier returns the ambient transaction when one is in flight, otherwise
// the pool.
func (db *DB) querier(ctx context.Context) querier {
	if tx, ok := extractTx(ctx); ok {
		return tx
	}
	return db.Pool
}
