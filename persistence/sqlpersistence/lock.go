package sqlpersistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/internal/x/sqlx"
	"github.com/procflow/continuum/persistence"
)

// AcquireLock acquires the lock for r.Key on behalf of r.HolderID if it is not
// held at time now.
func (ds *dataStore) AcquireLock(
	ctx context.Context,
	r persistence.LockRecord,
	now time.Time,
) (acquired persistence.LockRecord, ok bool, err error) {
	err = ds.withTx(
		ctx,
		func(tx *sql.Tx) error {
			ok, err = ds.driver.TakeLock(ctx, tx, r, now)
			if err != nil {
				return err
			}

			if ok {
				acquired, _, err = ds.selectLock(ctx, tx, r.Key)
				return err
			}

			ok, err = ds.driver.InsertLock(ctx, tx, r)
			if ok {
				acquired = r
				acquired.Token = 1
			}

			return err
		},
	)

	if err != nil || !ok {
		return persistence.LockRecord{}, false, err
	}

	return acquired, true, nil
}

// RenewLock updates the expiry time of a lock that is still held.
func (ds *dataStore) RenewLock(
	ctx context.Context,
	r persistence.LockRecord,
) (ok bool, err error) {
	if r.HolderID == "" {
		return false, nil
	}

	err = ds.withTx(
		ctx,
		func(tx *sql.Tx) error {
			ok, err = ds.driver.UpdateLock(ctx, tx, r)
			return err
		},
	)

	return ok, err
}

// ReleaseLock releases a lock.
//
// The row is retained, without a holder, so that the fencing token continues
// to increase across acquisitions.
func (ds *dataStore) ReleaseLock(
	ctx context.Context,
	r persistence.LockRecord,
) error {
	if r.HolderID == "" {
		return nil
	}

	return ds.withTx(
		ctx,
		func(tx *sql.Tx) error {
			_, err := ds.driver.ClearLock(ctx, tx, r)
			return err
		},
	)
}

// LoadLock loads the current state of the lock for k.
func (ds *dataStore) LoadLock(
	ctx context.Context,
	k continuation.EntityKey,
) (r persistence.LockRecord, ok bool, err error) {
	err = ds.withDB(
		ctx,
		func(db *sql.DB) error {
			r, ok, err = ds.selectLock(ctx, db, k)
			return err
		},
	)

	return r, ok, err
}

// selectLock returns the lock for k.
func (ds *dataStore) selectLock(
	ctx context.Context,
	db sqlx.DB,
	k continuation.EntityKey,
) (persistence.LockRecord, bool, error) {
	rows, err := ds.driver.SelectLock(ctx, db, k)
	if err != nil {
		return persistence.LockRecord{}, false, err
	}
	defer rows.Close()

	if !rows.Next() {
		return persistence.LockRecord{}, false, rows.Err()
	}

	r, err := scanLock(rows)
	return r, err == nil, err
}
