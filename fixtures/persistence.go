package fixtures

import (
	"context"
	"time"

	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/persistence"
	"github.com/procflow/continuum/persistence/memorypersistence"
)

// ProviderStub is a test implementation of the persistence.Provider interface.
type ProviderStub struct {
	persistence.Provider

	OpenFunc func(context.Context) (persistence.DataStore, error)
}

// Open returns a data-store.
func (p *ProviderStub) Open(ctx context.Context) (persistence.DataStore, error) {
	if p.OpenFunc != nil {
		return p.OpenFunc(ctx)
	}

	if p.Provider != nil {
		ds, err := p.Provider.Open(ctx)
		if ds != nil {
			ds = &DataStoreStub{DataStore: ds}
		}
		return ds, err
	}

	return nil, nil
}

// DataStoreStub is a test implementation of the persistence.DataStore
// interface.
type DataStoreStub struct {
	persistence.DataStore

	LoadContinuationFunc        func(context.Context, string, string) (continuation.Descriptor, bool, error)
	LoadReadyContinuationsFunc  func(context.Context, string, time.Time, int) ([]continuation.Descriptor, error)
	LoadUnreportedIncidentsFunc func(context.Context, int) ([]continuation.Incident, error)
	AcquireLeaseFunc            func(context.Context, persistence.Lease, time.Time) (bool, error)
	RenewLeaseFunc              func(context.Context, persistence.Lease) (bool, error)
	RenewLockFunc               func(context.Context, persistence.LockRecord) (bool, error)
	ReleaseLockFunc             func(context.Context, persistence.LockRecord) error
	PurgeExpiredLeasesFunc      func(context.Context, time.Time) ([]persistence.Lease, error)
	PersistFunc                 func(context.Context, persistence.Batch) error
	CloseFunc                   func() error
}

// NewDataStoreStub returns a new data-store stub that uses an in-memory
// persistence provider.
func NewDataStoreStub() *DataStoreStub {
	p := &ProviderStub{
		Provider: &memorypersistence.Provider{},
	}

	ds, err := p.Open(context.Background())
	if err != nil {
		panic(err)
	}

	return ds.(*DataStoreStub)
}

// LoadContinuation loads a continuation by its ID.
func (ds *DataStoreStub) LoadContinuation(
	ctx context.Context,
	tenantID, id string,
) (continuation.Descriptor, bool, error) {
	if ds.LoadContinuationFunc != nil {
		return ds.LoadContinuationFunc(ctx, tenantID, id)
	}

	if ds.DataStore != nil {
		return ds.DataStore.LoadContinuation(ctx, tenantID, id)
	}

	return continuation.Descriptor{}, false, nil
}

// LoadReadyContinuations loads continuations that are ready to be dispatched.
func (ds *DataStoreStub) LoadReadyContinuations(
	ctx context.Context,
	tenantID string,
	now time.Time,
	n int,
) ([]continuation.Descriptor, error) {
	if ds.LoadReadyContinuationsFunc != nil {
		return ds.LoadReadyContinuationsFunc(ctx, tenantID, now, n)
	}

	if ds.DataStore != nil {
		return ds.DataStore.LoadReadyContinuations(ctx, tenantID, now, n)
	}

	return nil, nil
}

// LoadUnreportedIncidents loads incidents that have not been delivered to the
// incident sink.
func (ds *DataStoreStub) LoadUnreportedIncidents(
	ctx context.Context,
	n int,
) ([]continuation.Incident, error) {
	if ds.LoadUnreportedIncidentsFunc != nil {
		return ds.LoadUnreportedIncidentsFunc(ctx, n)
	}

	if ds.DataStore != nil {
		return ds.DataStore.LoadUnreportedIncidents(ctx, n)
	}

	return nil, nil
}

// AcquireLease leases a continuation to a node.
func (ds *DataStoreStub) AcquireLease(
	ctx context.Context,
	l persistence.Lease,
	now time.Time,
) (bool, error) {
	if ds.AcquireLeaseFunc != nil {
		return ds.AcquireLeaseFunc(ctx, l, now)
	}

	if ds.DataStore != nil {
		return ds.DataStore.AcquireLease(ctx, l, now)
	}

	return false, nil
}

// RenewLease updates the expiry time of a lease.
func (ds *DataStoreStub) RenewLease(
	ctx context.Context,
	l persistence.Lease,
) (bool, error) {
	if ds.RenewLeaseFunc != nil {
		return ds.RenewLeaseFunc(ctx, l)
	}

	if ds.DataStore != nil {
		return ds.DataStore.RenewLease(ctx, l)
	}

	return false, nil
}

// RenewLock updates the expiry time of an entity lock.
func (ds *DataStoreStub) RenewLock(
	ctx context.Context,
	r persistence.LockRecord,
) (bool, error) {
	if ds.RenewLockFunc != nil {
		return ds.RenewLockFunc(ctx, r)
	}

	if ds.DataStore != nil {
		return ds.DataStore.RenewLock(ctx, r)
	}

	return false, nil
}

// ReleaseLock releases an entity lock.
func (ds *DataStoreStub) ReleaseLock(
	ctx context.Context,
	r persistence.LockRecord,
) error {
	if ds.ReleaseLockFunc != nil {
		return ds.ReleaseLockFunc(ctx, r)
	}

	if ds.DataStore != nil {
		return ds.DataStore.ReleaseLock(ctx, r)
	}

	return nil
}

// PurgeExpiredLeases removes expired leases.
func (ds *DataStoreStub) PurgeExpiredLeases(
	ctx context.Context,
	now time.Time,
) ([]persistence.Lease, error) {
	if ds.PurgeExpiredLeasesFunc != nil {
		return ds.PurgeExpiredLeasesFunc(ctx, now)
	}

	if ds.DataStore != nil {
		return ds.DataStore.PurgeExpiredLeases(ctx, now)
	}

	return nil, nil
}

// Persist commits a batch of operations atomically.
func (ds *DataStoreStub) Persist(
	ctx context.Context,
	b persistence.Batch,
) error {
	if ds.PersistFunc != nil {
		return ds.PersistFunc(ctx, b)
	}

	if ds.DataStore != nil {
		return ds.DataStore.Persist(ctx, b)
	}

	return nil
}

// Close closes the data store.
func (ds *DataStoreStub) Close() error {
	if ds.CloseFunc != nil {
		return ds.CloseFunc()
	}

	if ds.DataStore != nil {
		return ds.DataStore.Close()
	}

	return nil
}
