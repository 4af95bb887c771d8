package sqlite

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
		`INSERT INTO entity_lock (
				tenant_id,
				entity_type,
				entity_id,
				holder_id,
				token,
				acquired_at,
				expires_at
			) VALUES (
				$1, $2, $3, $4, 1, $5, $6
			) ON CONFLICT (tenant_id, entity_type, entity_id) DO NOTHING`,
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
			holder_id = $1,
			token = token + 1,
			acquired_at = $2,
			expires_at = $3
		WHERE tenant_id = $4
		AND entity_type = $5
		AND entity_id = $6
		AND (holder_id = '' OR expires_at <= $7)`,
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
			expires_at = $1
		WHERE tenant_id = $2
		AND entity_type = $3
		AND entity_id = $4
		AND holder_id = $5
		AND token = $6`,
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
		WHERE tenant_id = $1
		AND entity_type = $2
		AND entity_id = $3
		AND holder_id = $4
		AND token = $5`,
		r.Key.TenantID,
		r.Key.EntityType,
		r.Key.EntityID,
		r.HolderID,
		r.Token,
	), nil
}

// AssertLock returns true if the lock still has the same holder and token.
//
// SQLite serializes writers, so no row lock is necessary.
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
		WHERE tenant_id = $1
		AND entity_type = $2
		AND entity_id = $3
		AND holder_id = $4
		AND token = $5`,
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
		WHERE tenant_id = $1
		AND entity_type = $2
		AND entity_id = $3`,
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
			tenant_id   TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id   TEXT NOT NULL,
			holder_id   TEXT NOT NULL,
			token       INTEGER NOT NULL,
			acquired_at INTEGER NOT NULL,
			expires_at  INTEGER NOT NULL,

			PRIMARY KEY (tenant_id, entity_type, entity_id)
		) WITHOUT ROWID`,
	)
}
