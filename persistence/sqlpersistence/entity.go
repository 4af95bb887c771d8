package sqlpersistence

import (
	"context"
	"database/sql"

	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/persistence"
)

// LoadEntity loads the entity with the given key.
func (ds *dataStore) LoadEntity(
	ctx context.Context,
	k continuation.EntityKey,
) (e persistence.Entity, err error) {
	e.Key = k

	err = ds.withDB(
		ctx,
		func(db *sql.DB) error {
			rows, err := ds.driver.SelectEntity(ctx, db, k)
			if err != nil {
				return err
			}
			defer rows.Close()

			if rows.Next() {
				e, err = scanEntity(rows, k)
				if err != nil {
					return err
				}
			}

			return rows.Err()
		},
	)

	return e, err
}

// VisitSaveEntity applies the changes in a "SaveEntity" operation to the
// database.
func (c *committer) VisitSaveEntity(
	ctx context.Context,
	op persistence.SaveEntity,
) error {
	var (
		ok  bool
		err error
	)

	if op.Entity.Revision == 0 {
		ok, err = c.driver.InsertEntity(ctx, c.tx, op.Entity)
	} else {
		ok, err = c.driver.UpdateEntity(ctx, c.tx, op.Entity)
	}

	return conflictUnless(op, ok, err)
}

// VisitAssertLock checks that the lock in an "AssertLock" operation is still
// held, and locks it against reassignment until the transaction ends.
func (c *committer) VisitAssertLock(
	ctx context.Context,
	op persistence.AssertLock,
) error {
	if op.Lock.HolderID == "" {
		return persistence.ConflictError{
			Cause: op,
		}
	}

	ok, err := c.driver.AssertLock(ctx, c.tx, op.Lock)
	return conflictUnless(op, ok, err)
}
