package sqlx

import (
	"context"
	"database/sql"
)

// DB is the subset of *sql.DB and *sql.Tx used to read and write the
// continuum schema.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

var (
	_ DB = (*sql.DB)(nil)
	_ DB = (*sql.Tx)(nil)
)

// Begin starts a new transaction. It panics if the transaction can not be
// started.
func Begin(ctx context.Context, db *sql.DB) *sql.Tx {
	tx, err := db.BeginTx(ctx, nil)
	Must(err)
	return tx
}

// Commit commits tx. It panics if the commit fails.
func Commit(tx *sql.Tx) {
	Must(tx.Commit())
}
