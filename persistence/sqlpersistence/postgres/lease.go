package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/procflow/continuum/internal/x/sqlx"
	"github.com/procflow/continuum/internal/x/timex"
	"github.com/procflow/continuum/persistence"
)

// InsertLease inserts a lease.
//
// It returns false if the continuation is already leased.
func (driver) InsertLease(
	ctx context.Context,
	tx *sql.Tx,
	l persistence.Lease,
) (_ bool, err error) {
	defer sqlx.Recover(&err)

	return sqlx.TryExecRow(
		ctx,
		tx,
		`INSERT INTO continuum.lease (
				tenant_id,
				continuation_id,
				node_id,
				token,
				expires_at
			) VALUES (
				$1, $2, $3, $4, $5
			) ON CONFLICT (tenant_id, continuation_id) DO NOTHING`,
		l.TenantID,
		l.ContinuationID,
		l.NodeID,
		l.Token,
		timex.ToUnixNano(l.ExpiresAt),
	), nil
}

// UpdateLease updates the expiry time of a lease.
//
// It returns false if the lease does not exist or has a different token.
func (driver) UpdateLease(
	ctx context.Context,
	tx *sql.Tx,
	l persistence.Lease,
) (_ bool, err error) {
	defer sqlx.Recover(&err)

	return sqlx.TryExecRow(
		ctx,
		tx,
		`UPDATE continuum.lease SET
			expires_at = $1
		WHERE tenant_id = $2
		AND continuation_id = $3
		AND token = $4`,
		timex.ToUnixNano(l.ExpiresAt),
		l.TenantID,
		l.ContinuationID,
		l.Token,
	), nil
}

// DeleteLease deletes a lease.
//
// It returns false if the lease does not exist or has a different token.
func (driver) DeleteLease(
	ctx context.Context,
	tx *sql.Tx,
	l persistence.Lease,
) (_ bool, err error) {
	defer sqlx.Recover(&err)

	return sqlx.TryExecRow(
		ctx,
		tx,
		`DELETE FROM continuum.lease
		WHERE tenant_id = $1
		AND continuation_id = $2
		AND token = $3`,
		l.TenantID,
		l.ContinuationID,
		l.Token,
	), nil
}

// DeleteExpiredLease deletes the lease on a continuation if it has expired.
func (driver) DeleteExpiredLease(
	ctx context.Context,
	tx *sql.Tx,
	tenantID, continuationID string,
	now time.Time,
) (_ bool, err error) {
	defer sqlx.Recover(&err)

	return sqlx.TryExecRow(
		ctx,
		tx,
		`DELETE FROM continuum.lease
		WHERE tenant_id = $1
		AND continuation_id = $2
		AND expires_at <= $3`,
		tenantID,
		continuationID,
		timex.ToUnixNano(now),
	), nil
}

// SelectLease selects the lease on a continuation.
func (driver) SelectLease(
	ctx context.Context,
	db sqlx.DB,
	tenantID, continuationID string,
) (*sql.Rows, error) {
	return db.QueryContext(
		ctx,
		`SELECT
			tenant_id,
			continuation_id,
			node_id,
			token,
			expires_at
		FROM continuum.lease
		WHERE tenant_id = $1
		AND continuation_id = $2`,
		tenantID,
		continuationID,
	)
}

// SelectExpiredLeases selects all leases that have expired at time now.
func (driver) SelectExpiredLeases(
	ctx context.Context,
	db sqlx.DB,
	now time.Time,
) (*sql.Rows, error) {
	return db.QueryContext(
		ctx,
		`SELECT
			tenant_id,
			continuation_id,
			node_id,
			token,
			expires_at
		FROM continuum.lease
		WHERE expires_at <= $1
		ORDER BY tenant_id, continuation_id`,
		timex.ToUnixNano(now),
	)
}

// createLeaseSchema creates the schema elements for continuation leases.
func createLeaseSchema(ctx context.Context, db sqlx.DB) {
	sqlx.Exec(
		ctx,
		db,
		`CREATE TABLE IF NOT EXISTS continuum.lease (
			tenant_id       TEXT NOT NULL,
			continuation_id TEXT NOT NULL,
			node_id         TEXT NOT NULL,
			token           TEXT NOT NULL,
			expires_at      BIGINT NOT NULL,

			PRIMARY KEY (tenant_id, continuation_id)
		)`,
	)
}
