package memorypersistence

import (
	"context"
	"sync"

	"github.com/procflow/continuum/persistence"
)

// dataStore is an implementation of persistence.DataStore that stores data in
// memory.
type dataStore struct {
	db *database

	m      sync.RWMutex
	closed bool
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

	ds.m.RLock()
	defer ds.m.RUnlock()

	if ds.closed {
		return persistence.ErrDataStoreClosed
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	ds.db.mutex.Lock()
	defer ds.db.mutex.Unlock()

	if err := b.AcceptVisitor(ctx, &validator{ds.db}); err != nil {
		return err
	}

	return b.AcceptVisitor(ctx, &committer{ds.db})
}

// Close closes the data store.
func (ds *dataStore) Close() error {
	ds.m.Lock()
	defer ds.m.Unlock()

	if ds.closed {
		return persistence.ErrDataStoreClosed
	}

	ds.closed = true

	return nil
}

// validator is an implementation of persistence.OperationVisitor that
// validates operations against the current state of the database.
type validator struct {
	db *database
}

// committer is an implementation of persistence.OperationVisitor that
// applies operations to the database.
//
// It is expected that the operations have already been validated using
// validator.
type committer struct {
	db *database
}
