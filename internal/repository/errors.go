// Package repository is the MySQL implementation of the reservation store.
// All timestamps are written and compared in UTC; the DSN built by package
// database sets loc=UTC and parseTime so they round-trip unchanged.
package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
)

// errDuplicateEntry is MySQL's ER_DUP_ENTRY, raised when an insert violates a
// UNIQUE key.  For seat_locks it means another session holds the seat.
const errDuplicateEntry = 1062

// isDuplicate reports whether err is a duplicate-key violation.
func isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == errDuplicateEntry
}

// txKey is the context key under which withTx stores the open *sql.Tx.
type txKey struct{}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn in a transaction carried by the context.  Nested calls
// join the outer transaction.
func withTx(ctx context.Context, db *sql.DB, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		// the rollback error is dropped; fn's error is the one worth reporting
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// conn picks the executor for ctx: the open transaction if any, otherwise
// the pool.  Reads outside WithTx therefore run in autocommit mode.
func conn(ctx context.Context, db *sql.DB) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return db
}
