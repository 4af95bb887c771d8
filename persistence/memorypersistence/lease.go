package memorypersistence

import (
	"context"
	"time"

	"github.com/procflow/continuum/persistence"
)

// AcquireLease creates l if the continuation is not already leased, or if the
// existing lease has expired.
func (ds *dataStore) AcquireLease(
	ctx context.Context,
	l persistence.Lease,
	now time.Time,
) (bool, error) {
	if err := ds.checkOpen(ctx); err != nil {
		return false, err
	}

	ds.db.mutex.Lock()
	defer ds.db.mutex.Unlock()

	k := recordKey{l.TenantID, l.ContinuationID}

	if x, ok := ds.db.leases[k]; ok && !x.Expired(now) {
		return false, nil
	}

	ds.db.leases[k] = l

	return true, nil
}

// RenewLease updates the expiry time of a lease that is still held.
func (ds *dataStore) RenewLease(
	ctx context.Context,
	l persistence.Lease,
) (bool, error) {
	if err := ds.checkOpen(ctx); err != nil {
		return false, err
	}

	ds.db.mutex.Lock()
	defer ds.db.mutex.Unlock()

	k := recordKey{l.TenantID, l.ContinuationID}

	if x, ok := ds.db.leases[k]; ok && x.Token == l.Token {
		x.ExpiresAt = l.ExpiresAt
		ds.db.leases[k] = x
		return true, nil
	}

	return false, nil
}

// ReleaseLease removes a lease.
func (ds *dataStore) ReleaseLease(
	ctx context.Context,
	l persistence.Lease,
) error {
	if err := ds.checkOpen(ctx); err != nil {
		return err
	}

	ds.db.mutex.Lock()
	defer ds.db.mutex.Unlock()

	k := recordKey{l.TenantID, l.ContinuationID}

	if x, ok := ds.db.leases[k]; ok && x.Token == l.Token {
		delete(ds.db.leases, k)
	}

	return nil
}

// LoadLease loads the current lease for a continuation.
func (ds *dataStore) LoadLease(
	_ context.Context,
	tenantID, continuationID string,
) (persistence.Lease, bool, error) {
	ds.db.mutex.RLock()
	defer ds.db.mutex.RUnlock()

	l, ok := ds.db.leases[recordKey{tenantID, continuationID}]
	return l, ok, nil
}

// PurgeExpiredLeases removes all leases that have expired at time now and
// returns them.
func (ds *dataStore) PurgeExpiredLeases(
	ctx context.Context,
	now time.Time,
) ([]persistence.Lease, error) {
	if err := ds.checkOpen(ctx); err != nil {
		return nil, err
	}

	ds.db.mutex.Lock()
	defer ds.db.mutex.Unlock()

	var expired []persistence.Lease

	for k, l := range ds.db.leases {
		if l.Expired(now) {
			expired = append(expired, l)
			delete(ds.db.leases, k)
		}
	}

	return expired, nil
}

// checkOpen returns an error if the data-store is closed or ctx is done.
func (ds *dataStore) checkOpen(ctx context.Context) error {
	ds.m.RLock()
	defer ds.m.RUnlock()

	if ds.closed {
		return persistence.ErrDataStoreClosed
	}

	return ctx.Err()
}
