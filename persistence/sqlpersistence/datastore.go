package sqlpersistence

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/procflow/continuum/persistence"
)

// dataStore is an implementation of persistence.DataStore for SQL databases.
type dataStore struct {
	db     *sql.DB
	driver Driver

	m       sync.RWMutex
	release func() error
}

// newDataStore returns a new data-store.
func newDataStore(db *sql.DB, d Driver, r func() error) *dataStore {
	return &dataStore{
		db:      db,
		driver:  d,
		release: r,
	}
}

// Persist commits a batch of operations atomically.
//
// If any one of the operations causes an optimistic concurrency conflict
// the entire batch is aborted and a ConflictError is returned.
func (ds *dataStore) Persist(
	ctx context.Context,
	b persistence.Batch,
) error {
	b.MustValidate()

	return ds.withTx(
		ctx,
		func(tx *sql.Tx) error {
			return b.AcceptVisitor(
				ctx,
				&committer{
					tx:     tx,
					driver: ds.driver,
				},
			)
		},
	)
}

// Close closes the data store.
//
// Closing a data-store causes any future calls to Persist() to return
// ErrDataStoreClosed.
func (ds *dataStore) Close() error {
	ds.m.Lock()
	defer ds.m.Unlock()

	if ds.release == nil {
		return persistence.ErrDataStoreClosed
	}

	r := ds.release
	ds.release = nil

	return r()
}

// withTx calls fn within a transaction, provided the data-store is still
// open. The transaction is committed if fn returns nil.
func (ds *dataStore) withTx(
	ctx context.Context,
	fn func(tx *sql.Tx) error,
) error {
	return ds.withDB(
		ctx,
		func(db *sql.DB) error {
			tx, err := ds.driver.Begin(ctx, db)
			if err != nil {
				return err
			}
			defer tx.Rollback() // nolint:errcheck

			if err := fn(tx); err != nil {
				return err
			}

			return tx.Commit()
		},
	)
}

// withDB calls fn with the database, provided the data-store is still open.
//
// Errors other than conflicts are passed through the driver's error
// conversion.
func (ds *dataStore) withDB(
	ctx context.Context,
	fn func(db *sql.DB) error,
) error {
	ds.m.RLock()
	defer ds.m.RUnlock()

	if ds.release == nil {
		return persistence.ErrDataStoreClosed
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	err := fn(ds.db)

	var conflict persistence.ConflictError
	if errors.As(err, &conflict) {
		return err
	}

	return ds.driver.ConvertError(ctx, err)
}

// committer is an implementation of persitence.OperationVisitor that
// applies operations to the database.
//
// The optimistic concurrency checks are part of each statement, so there is
// no separate validation step.
type committer struct {
	tx     *sql.Tx
	driver Driver
}

// conflictUnless returns a ConflictError caused by op if ok is false.
func conflictUnless(op persistence.Operation, ok bool, err error) error {
	if err != nil {
		return err
	}

	if !ok {
		return persistence.ConflictError{
			Cause: op,
		}
	}

	return nil
}
