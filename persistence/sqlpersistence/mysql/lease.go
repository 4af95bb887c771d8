package mysql

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
		`INSERT INTO lease SET
			tenant_id = ?,
			continuation_id = ?,
			node_id = ?,
			token = ?,
			expires_at = ?
		ON DUPLICATE KEY UPDATE
			tenant_id = tenant_id`, // do nothing
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
//
// The renewals column is incremented because MySQL does not count a row as
// affected unless one of its values changes.
func (driver) UpdateLease(
	ctx context.Context,
	tx *sql.Tx,
	l persistence.Lease,
) (_ bool, err error) {
	defer sqlx.Recover(&err)

	return sqlx.TryExecRow(
		ctx,
		tx,
		`UPDATE lease SET
			expires_at = ?,
			renewals = renewals + 1
		WHERE tenant_id = ?
		AND continuation_id = ?
		AND token = ?`,
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
		`DELETE FROM lease
		WHERE tenant_id = ?
		AND continuation_id = ?
		AND token = ?`,
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
		`DELETE FROM lease
		WHERE tenant_id = ?
		AND continuation_id = ?
		AND expires_at <= ?`,
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
		FROM lease
		WHERE tenant_id = ?
		AND continuation_id = ?`,
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
		FROM lease
		WHERE expires_at <= ?
		ORDER BY tenant_id, continuation_id`,
		timex.ToUnixNano(now),
	)
}

// createLeaseSchema creates the schema elements for continuation leases.
func createLeaseSchema(ctx context.Context, db sqlx.DB) {
	sqlx.Exec(
		ctx,
		db,
		`CREATE TABLE IF NOT EXISTS lease (
			tenant_id       VARBINARY(255) NOT NULL,
			continuation_id VARBINARY(255) NOT NULL,
			node_id         VARBINARY(255) NOT NULL,
			token           VARBINARY(255) NOT NULL,
			expires_at      BIGINT NOT NULL,
			renewals        BIGINT NOT NULL DEFAULT 0,

			PRIMARY KEY (tenant_id, continuation_id),
			INDEX by_expiry (expires_at)
		) ENGINE=InnoDB`,
	)
}
