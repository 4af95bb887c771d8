package sqlx

import (
	"context"
	"database/sql"
)

// Query executes a query on the given DB.
func Query(
	ctx context.Context,
	db DB,
	query string,
	args ...interface{},
) *sql.Rows {
	rows, err := db.QueryContext(ctx, query, args...)
	Must(err)
	return rows
}

// TryQueryRow executes a single-row query on the given DB and scans the
// result into values.
//
// It returns false if the query produces no rows.
func TryQueryRow(
	ctx context.Context,
	db DB,
	query string,
	args []interface{},
	values ...interface{},
) bool {
	row := db.QueryRowContext(ctx, query, args...)

	err := row.Scan(values...)
	if err == sql.ErrNoRows {
		return false
	}

	Must(err)

	return true
}

// QueryInt64 executes a single-column, single-row query on the given DB and
// returns a single int64 result.
func QueryInt64(
	ctx context.Context,
	db DB,
	query string,
	args ...interface{},
) (v int64) {
	row := db.QueryRowContext(ctx, query, args...)
	Must(row.Scan(&v))
	return v
}
