package memorypersistence

import (
	"context"
	"time"

	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/persistence"
)

// AcquireLock acquires the lock for r.Key on behalf of r.HolderID if it is not
// held at time now.
func (ds *dataStore) AcquireLock(
	ctx context.Context,
	r persistence.LockRecord,
	now time.Time,
) (persistence.LockRecord, bool, error) {
	if err := ds.checkOpen(ctx); err != nil {
		return persistence.LockRecord{}, false, err
	}

	ds.db.mutex.Lock()
	defer ds.db.mutex.Unlock()

	x := ds.db.locks[r.Key]
	if x.Held(now) {
		return persistence.LockRecord{}, false, nil
	}

	r.Token = x.Token + 1
	ds.db.locks[r.Key] = r

	return r, true, nil
}

// RenewLock updates the expiry time of a lock that is still held.
func (ds *dataStore) RenewLock(
	ctx context.Context,
	r persistence.LockRecord,
) (bool, error) {
	if err := ds.checkOpen(ctx); err != nil {
		return false, err
	}

	ds.db.mutex.Lock()
	defer ds.db.mutex.Unlock()

	x, ok := ds.db.locks[r.Key]
	if !ok || x.HolderID == "" || x.HolderID != r.HolderID || x.Token != r.Token {
		return false, nil
	}

	x.ExpiresAt = r.ExpiresAt
	ds.db.locks[r.Key] = x

	return true, nil
}

// ReleaseLock releases a lock.
//
// The record is retained, without a holder, so that the fencing token
// continues to increase across acquisitions.
func (ds *dataStore) ReleaseLock(
	ctx context.Context,
	r persistence.LockRecord,
) error {
	if err := ds.checkOpen(ctx); err != nil {
		return err
	}

	ds.db.mutex.Lock()
	defer ds.db.mutex.Unlock()

	x, ok := ds.db.locks[r.Key]
	if !ok || x.HolderID != r.HolderID || x.Token != r.Token {
		return nil
	}

	ds.db.locks[r.Key] = persistence.LockRecord{
		Key:   x.Key,
		Token: x.Token,
	}

	return nil
}

// LoadLock loads the current state of the lock for k.
func (ds *dataStore) LoadLock(
	_ context.Context,
	k continuation.EntityKey,
) (persistence.LockRecord, bool, error) {
	ds.db.mutex.RLock()
	defer ds.db.mutex.RUnlock()

	r, ok := ds.db.locks[k]
	return r, ok, nil
}
