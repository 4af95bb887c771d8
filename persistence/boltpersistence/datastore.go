package boltpersistence

import (
	"context"
	"sync"

	"github.com/procflow/continuum/internal/x/bboltx"
	"github.com/procflow/continuum/persistence"
	"go.etcd.io/bbolt"
)

// dataStore is an implementation of persistence.DataStore for BoltDB.
type dataStore struct {
	db *bbolt.DB

	m       sync.RWMutex
	release func() error
}

// Persist commits a batch of operations atomically.
//
// If any one of the operations causes an optimistic concurrency conflict
// the entire batch is aborted and a ConflictError is returned.
func (ds *dataStore) Persist(
	ctx context.Context,
	b persistence.Batch,
) (err error) {
	b.MustValidate()

	defer bboltx.Recover(&err)

	ds.m.RLock()
	defer ds.m.RUnlock()

	if ds.release == nil {
		return persistence.ErrDataStoreClosed
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	bboltx.Update(
		ds.db,
		func(tx *bbolt.Tx) {
			bboltx.Must(b.AcceptVisitor(ctx, &committer{tx}))
		},
	)

	return nil
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

// update executes fn in a read-write transaction, provided the data-store is
// still open.
func (ds *dataStore) update(ctx context.Context, fn func(tx *bbolt.Tx)) (err error) {
	defer bboltx.Recover(&err)

	ds.m.RLock()
	defer ds.m.RUnlock()

	if ds.release == nil {
		return persistence.ErrDataStoreClosed
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	bboltx.Update(ds.db, fn)

	return nil
}

// view executes fn in a read-only transaction.
func (ds *dataStore) view(ctx context.Context, fn func(tx *bbolt.Tx)) (err error) {
	defer bboltx.Recover(&err)

	if err := ctx.Err(); err != nil {
		return err
	}

	bboltx.View(ds.db, fn)

	return nil
}

// committer is an implementation of persistence.OperationVisitor that
// validates and applies operations within a BoltDB transaction.
//
// Returning an error from any visit method causes the entire transaction to
// be rolled back.
type committer struct {
	tx *bbolt.Tx
}
