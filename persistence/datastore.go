package persistence

import (
	"context"
	"errors"
)

// ErrDataStoreClosed is returned when performing any persistence operation on a
// closed data-store.
var ErrDataStoreClosed = errors.New("data store is closed")

// Provider is an interface used by the engine to obtain the data-store that
// holds the kernel's state.
type Provider interface {
	// Open returns the data-store.
	//
	// A data-store may be opened concurrently by any number of nodes that
	// share the same underlying storage. Each call to Open() must be paired
	// with a call to DataStore.Close().
	Open(ctx context.Context) (DataStore, error)
}

// DataStore is an interface used by the kernel to persist and retrieve its
// state.
type DataStore interface {
	ContinuationRepository
	IncidentRepository
	LeaseRepository
	LockRepository
	EntityRepository
	Persister

	// Close closes the data store.
	//
	// Closing a data-store causes any future calls to Persist() to return
	// ErrDataStoreClosed.
	//
	// The behavior of read operations on a closed data-store is
	// implementation-defined.
	Close() error
}
