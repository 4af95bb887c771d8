package sqlpersistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/persistence"
)

// LoadContinuation loads a continuation by its ID.
func (ds *dataStore) LoadContinuation(
	ctx context.Context,
	tenantID, id string,
) (d continuation.Descriptor, ok bool, err error) {
	err = ds.withDB(
		ctx,
		func(db *sql.DB) error {
			rows, err := ds.driver.SelectContinuation(ctx, db, tenantID, id)
			if err != nil {
				return err
			}
			defer rows.Close()

			if rows.Next() {
				d, err = scanContinuation(rows)
				if err != nil {
					return err
				}
				ok = true
			}

			return rows.Err()
		},
	)

	return d, ok, err
}

// LoadReadyContinuations loads up to n continuations belonging to the given
// tenant that are ready to be dispatched at the given time.
func (ds *dataStore) LoadReadyContinuations(
	ctx context.Context,
	tenantID string,
	now time.Time,
	n int,
) (result []continuation.Descriptor, err error) {
	err = ds.withDB(
		ctx,
		func(db *sql.DB) error {
			rows, err := ds.driver.SelectReadyContinuations(ctx, db, tenantID, now, n)
			if err != nil {
				return err
			}
			defer rows.Close()

			for rows.Next() {
				d, err := scanContinuation(rows)
				if err != nil {
					return err
				}

				result = append(result, d)
			}

			return rows.Err()
		},
	)

	return result, err
}

// VisitSaveContinuation applies the changes in a "SaveContinuation" operation
// to the database.
func (c *committer) VisitSaveContinuation(
	ctx context.Context,
	op persistence.SaveContinuation,
) error {
	var (
		ok  bool
		err error
	)

	if op.Continuation.Revision == 0 {
		ok, err = c.driver.InsertContinuation(ctx, c.tx, op.Continuation)
	} else {
		ok, err = c.driver.UpdateContinuation(ctx, c.tx, op.Continuation)
	}

	return conflictUnless(op, ok, err)
}

// VisitRemoveContinuation applies the changes in a "RemoveContinuation"
// operation to the database.
func (c *committer) VisitRemoveContinuation(
	ctx context.Context,
	op persistence.RemoveContinuation,
) error {
	ok, err := c.driver.DeleteContinuation(ctx, c.tx, op.Continuation)
	return conflictUnless(op, ok, err)
}
