package mysql

import (
	"context"
	"database/sql"

	"github.com/procflow/continuum/internal/x/sqlx"
)

// Driver is an implementation of sqlpersistence.Driver for MySQL.
var Driver = driver{}

type driver struct{}

// IsCompatibleWith returns nil if this driver can be used with db.
func (driver) IsCompatibleWith(ctx context.Context, db *sql.DB) error {
	// Verify that ?-style placeholders are supported.
	err := db.QueryRowContext(
		ctx,
		`SELECT ?`,
		1,
	).Err()

	if err != nil {
		return err
	}

	// Verify that we're using something compatible with MySQL (because the SHOW
	// VARIABLES syntax is supported) and that InnoDB is available.
	return db.QueryRowContext(
		ctx,
		`SHOW VARIABLES LIKE "innodb_page_size"`,
	).Err()
}

// Begin starts a transaction.
func (driver) Begin(ctx context.Context, db *sql.DB) (*sql.Tx, error) {
	return db.BeginTx(ctx, nil)
}

// CreateSchema creates any SQL schema elements required by the driver.
//
// MySQL commits DDL statements implicitly, so they are not run within a
// transaction.
func (driver) CreateSchema(ctx context.Context, db *sql.DB) (err error) {
	defer sqlx.Recover(&err)

	createContinuationSchema(ctx, db)
	createIncidentSchema(ctx, db)
	createLeaseSchema(ctx, db)
	createLockSchema(ctx, db)
	createEntitySchema(ctx, db)

	return nil
}

// DropSchema removes any SQL schema elements created by CreateSchema().
func (driver) DropSchema(ctx context.Context, db *sql.DB) (err error) {
	defer sqlx.Recover(&err)

	sqlx.Exec(ctx, db, `DROP TABLE IF EXISTS continuation`)
	sqlx.Exec(ctx, db, `DROP TABLE IF EXISTS incident`)
	sqlx.Exec(ctx, db, `DROP TABLE IF EXISTS lease`)
	sqlx.Exec(ctx, db, `DROP TABLE IF EXISTS entity_lock`)
	sqlx.Exec(ctx, db, `DROP TABLE IF EXISTS entity`)

	return nil
}
