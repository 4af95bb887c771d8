package mysql

import (
	"context"
	"database/sql"
	"time"

	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/internal/x/sqlx"
	"github.com/procflow/continuum/internal/x/timex"
	"github.com/procflow/continuum/persistence"
)

// InsertLock inserts a lock with a fencing token of 1.
//
// It returns false if the row already exists.
func (driver) InsertLock(
	ctx context.Context,
	tx *sql.Tx,
	r persistence.LockRecord,
) (_ bool, err error) {
	defer sqlx.Recover(&err)

	return sqlx.TryExecRow(
		ctx,
		tx,
		`INSERT INTO entity_lock SET
			tenant_id = ?,
			entity_type = ?,
			entity_id = ?,
			holder_id = ?,
			token = 1,
			acquired_at = ?,
			expires_at = ?
		ON DUPLICATE KEY UPDATE
			tenant_id = tenant_id`, // do nothing
		r.Key.TenantID,
		r.Key.EntityType,
		r.Key.EntityID,
		r.HolderID,
		timex.ToUnixNano(r.AcquiredAt),
		timex.ToUnixNano(r.ExpiresAt),
	), nil
}

// TakeLock assigns an existing lock to r.HolderID if it is not held at time
// now.
func (driver) TakeLock(
	ctx context.Context,
	tx *sql.Tx,
	r persistence.LockRecord,
	now time.Time,
) (_ bool, err error) {
	defer sqlx.Recover(&err)

	return sqlx.TryExecRow(
		ctx,
		tx,
		`UPDATE entity_lock SET
			holder_id = ?,
			token = token + 1,
			acquired_at = ?,
			expires_at = ?
		WHERE tenant_id = ?
		AND entity_type = ?
		AND entity_id = ?
		AND (holder_id = '' OR expires_at <= ?)`,
		r.HolderID,
		timex.ToUnixNano(r.AcquiredAt),
		timex.ToUnixNano(r.ExpiresAt),
		r.Key.TenantID,
		r.Key.EntityType,
		r.Key.EntityID,
		timex.ToUnixNano(now),
	), nil
}

// UpdateLock updates the expiry time of a lock.
//
// It returns false if the lock has a different holder or token.
func (driver) UpdateLock(
	ctx context.Context,
	tx *sql.Tx,
	r persistence.LockRecord,
) (_ bool, err error) {
	defer sqlx.Recover(&err)

	return sqlx.TryExecRow(
		ctx,
		tx,
		`UPDATE entity_lock SET
			expires_at = ?,
			renewals = renewals + 1
		WHERE tenant_id = ?
		AND entity_type = ?
		AND entity_id = ?
		AND holder_id = ?
		AND token = ?`,
		timex.ToUnixNano(r.ExpiresAt),
		r.Key.TenantID,
		r.Key.EntityType,
		r.Key.EntityID,
		r.HolderID,
		r.Token,
	), nil
}

// ClearLock removes the holder from a lock.
//
// It returns false if the lock has a different holder or token.
func (driver) ClearLock(
	ctx context.Context,
	tx *sql.Tx,
	r persistence.LockRecord,
) (_ bool, err error) {
	defer sqlx.Recover(&err)

	return sqlx.TryExecRow(
		ctx,
		tx,
		`UPDATE entity_lock SET
			holder_id = '',
			acquired_at = 0,
			expires_at = 0
		WHERE tenant_id = ?
		AND entity_type = ?
		AND entity_id = ?
		AND holder_id = ?
		AND token = ?`,
		r.Key.TenantID,
		r.Key.EntityType,
		r.Key.EntityID,
		r.HolderID,
		r.Token,
	), nil
}

// AssertLock returns true if the lock still has the same holder and token.
//
// The row is locked against reassignment until tx ends.
func (driver) AssertLock(
	ctx context.Context,
	tx *sql.Tx,
	r persistence.LockRecord,
) (_ bool, err error) {
	defer sqlx.Recover(&err)

	var found int

	return sqlx.TryQueryRow(
		ctx,
		tx,
		`SELECT 1 FROM entity_lock
		WHERE tenant_id = ?
		AND entity_type = ?
		AND entity_id = ?
		AND holder_id = ?
		AND token = ?
		LOCK IN SHARE MODE`,
		[]interface{}{
			r.Key.TenantID,
			r.Key.EntityType,
			r.Key.EntityID,
			r.HolderID,
			r.Token,
		},
		&found,
	), nil
}

// SelectLock selects the lock for k.
func (driver) SelectLock(
	ctx context.Context,
	db sqlx.DB,
	k continuation.EntityKey,
) (*sql.Rows, error) {
	return db.QueryContext(
		ctx,
		`SELECT
			tenant_id,
			entity_type,
			entity_id,
			holder_id,
			token,
			acquired_at,
			expires_at
		FROM entity_lock
		WHERE tenant_id = ?
		AND entity_type = ?
		AND entity_id = ?`,
		k.TenantID,
		k.EntityType,
		k.EntityID,
	)
}

// createLockSchema creates the schema elements for entity locks.
func createLockSchema(ctx context.Context, db sqlx.DB) {
	sqlx.Exec(
		ctx,
		db,
		`CREATE TABLE IF NOT EXISTS entity_lock (
			tenant_id   VARBINARY(255) NOT NULL,
			entity_type VARBINARY(255) NOT NULL,
			entity_id   VARBINARY(255) NOT NULL,
			holder_id   VARBINARY(255) NOT NULL,
			token       BIGINT UNSIGNED NOT NULL,
			acquired_at BIGINT NOT NULL,
			expires_at  BIGINT NOT NULL,
			renewals    BIGINT NOT NULL DEFAULT 0,

			PRIMARY KEY (tenant_id, entity_type, entity_id)
		) ENGINE=InnoDB`,
	)
}
