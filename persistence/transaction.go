package persistence

import (
	"context"
	"errors"

	"github.com/procflow/continuum/continuation"
)

// ErrTransactionClosed is returned by all methods on Transaction once the
// transaction is committed or rolled-back.
var ErrTransactionClosed = errors.New("transaction already committed or rolled-back")

// ManagedTransaction is a Transaction that can not be committed or rolled-back
// directly because its life-time is managed for the user.
//
// Transactions are not safe for concurrent use.
type ManagedTransaction interface {
	// LoadEntity loads an entity from the entity store.
	//
	// If the entity has been saved within this transaction the pending state
	// is returned.
	LoadEntity(ctx context.Context, k continuation.EntityKey) (Entity, error)

	// SaveEntity creates or updates an entity.
	SaveEntity(e Entity)

	// SaveContinuation creates or updates a continuation.
	SaveContinuation(d continuation.Descriptor)

	// RemoveContinuation removes a continuation.
	RemoveContinuation(d continuation.Descriptor)

	// SaveIncident creates or updates an incident.
	SaveIncident(i continuation.Incident)

	// RemoveIncident removes an incident.
	RemoveIncident(i continuation.Incident)

	// AssertLock causes the commit to fail if r is no longer the current
	// state of the lock.
	AssertLock(r LockRecord)

	// OnCommit registers fn to be called after the transaction is committed
	// successfully.
	OnCommit(fn func())
}

// Transaction exposes persistence operations that are performed atomically.
type Transaction interface {
	ManagedTransaction

	// Commit applies the changes from the transaction.
	Commit(ctx context.Context) error

	// Rollback aborts the transaction.
	//
	// It is not an error to roll back a transaction that has already been
	// committed or rolled-back.
	Rollback() error
}

// Boundary is the transaction boundary used by the kernel.
type Boundary interface {
	// Begin starts a new transaction.
	Begin(ctx context.Context) (Transaction, error)
}

// BatchBoundary is a Boundary that accumulates each transaction's changes into
// a Batch that is persisted atomically when the transaction is committed.
type BatchBoundary struct {
	DataStore DataStore
}

// Begin starts a new transaction.
func (b BatchBoundary) Begin(ctx context.Context) (Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &batchTransaction{ds: b.DataStore}, nil
}

// WithTransaction executes fn inside a transaction.
//
// If fn returns nil the transaction is committed, Otherwise, the transaction is
// rolled-back and the error is returned.
func WithTransaction(
	ctx context.Context,
	b Boundary,
	fn func(ManagedTransaction) error,
) error {
	tx, err := b.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback() // nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// batchTransaction is an implementation of Transaction that collects
// operations into a batch.
type batchTransaction struct {
	ds        DataStore
	batch     Batch
	observers []func()
	closed    bool
}

func (tx *batchTransaction) LoadEntity(ctx context.Context, k continuation.EntityKey) (Entity, error) {
	if tx.closed {
		return Entity{}, ErrTransactionClosed
	}

	for _, op := range tx.batch {
		if op, ok := op.(SaveEntity); ok && op.Entity.Key == k {
			return op.Entity, nil
		}
	}

	return tx.ds.LoadEntity(ctx, k)
}

func (tx *batchTransaction) SaveEntity(e Entity) {
	tx.add(SaveEntity{e})
}

func (tx *batchTransaction) SaveContinuation(d continuation.Descriptor) {
	tx.add(SaveContinuation{d})
}

func (tx *batchTransaction) RemoveContinuation(d continuation.Descriptor) {
	tx.add(RemoveContinuation{d})
}

func (tx *batchTransaction) SaveIncident(i continuation.Incident) {
	tx.add(SaveIncident{i})
}

func (tx *batchTransaction) RemoveIncident(i continuation.Incident) {
	tx.add(RemoveIncident{i})
}

func (tx *batchTransaction) AssertLock(r LockRecord) {
	tx.add(AssertLock{r})
}

func (tx *batchTransaction) OnCommit(fn func()) {
	tx.observers = append(tx.observers, fn)
}

func (tx *batchTransaction) Commit(ctx context.Context) error {
	if tx.closed {
		return ErrTransactionClosed
	}

	tx.closed = true

	if err := ctx.Err(); err != nil {
		return err
	}

	if len(tx.batch) > 0 {
		if err := tx.ds.Persist(ctx, tx.batch); err != nil {
			return err
		}
	}

	for _, fn := range tx.observers {
		fn()
	}

	return nil
}

func (tx *batchTransaction) Rollback() error {
	tx.closed = true
	tx.batch = nil
	tx.observers = nil

	return nil
}

// add adds an operation to the batch, replacing any existing operation on the
// same entity.
func (tx *batchTransaction) add(op Operation) {
	if tx.closed {
		panic(ErrTransactionClosed)
	}

	k := op.entityKey()

	for i, x := range tx.batch {
		if x.entityKey() == k {
			tx.batch[i] = op
			return
		}
	}

	tx.batch = append(tx.batch, op)
}
