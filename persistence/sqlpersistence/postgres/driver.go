package postgres

import (
	"context"
	"database/sql"

	"github.com/procflow/continuum/internal/x/sqlx"
)

// Driver is an implementation of sqlpersistence.Driver for PostgreSQL.
var Driver = driver{}

type driver struct{}

// IsCompatibleWith returns nil if this driver can be used with db.
func (driver) IsCompatibleWith(ctx context.Context, db *sql.DB) error {
	// Verify that we're using PostgreSQL and that $1-style placeholders are
	// supported.
	err := db.QueryRowContext(
		ctx,
		`SELECT pg_backend_pid() WHERE 1 = $1`,
		1,
	).Err()

	return convertContextErrors(ctx, err)
}

// Begin starts a transaction.
func (driver) Begin(ctx context.Context, db *sql.DB) (*sql.Tx, error) {
	return db.BeginTx(ctx, nil)
}

// CreateSchema creates any SQL schema elements required by the driver.
func (driver) CreateSchema(ctx context.Context, db *sql.DB) (err error) {
	defer sqlx.Recover(&err)

	tx := sqlx.Begin(ctx, db)
	defer tx.Rollback() // nolint:errcheck

	sqlx.Exec(ctx, tx, `CREATE SCHEMA IF NOT EXISTS continuum`)

	createContinuationSchema(ctx, tx)
	createIncidentSchema(ctx, tx)
	createLeaseSchema(ctx, tx)
	createLockSchema(ctx, tx)
	createEntitySchema(ctx, tx)

	sqlx.Commit(tx)

	return nil
}

// DropSchema removes any SQL schema elements created by CreateSchema().
func (driver) DropSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS continuum CASCADE`)
	return convertContextErrors(ctx, err)
}
