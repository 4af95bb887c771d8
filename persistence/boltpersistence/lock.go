package boltpersistence

import (
	"context"
	"time"

	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/internal/x/bboltx"
	"github.com/procflow/continuum/internal/x/timex"
	"github.com/procflow/continuum/persistence"
	"go.etcd.io/bbolt"
)

var (
	// locksBucketKey is the key for the root bucket for entity locks.
	//
	// It contains nested buckets for each tenant and entity type. Within each
	// entity type bucket the keys are entity IDs and the values are lockRecord
	// values marshaled using CBOR.
	locksBucketKey = []byte("locks")
)

// AcquireLock acquires the lock for r.Key on behalf of r.HolderID if it is not
// held at time now.
func (ds *dataStore) AcquireLock(
	ctx context.Context,
	r persistence.LockRecord,
	now time.Time,
) (acquired persistence.LockRecord, ok bool, err error) {
	err = ds.update(
		ctx,
		func(tx *bbolt.Tx) {
			b := lockBucket(tx, r.Key)

			x, _ := loadLock(b, r.Key)
			if x.Held(now) {
				return
			}

			r.Token = x.Token + 1
			saveLock(b, r)

			acquired, ok = r, true
		},
	)

	return acquired, ok, err
}

// RenewLock updates the expiry time of a lock that is still held.
func (ds *dataStore) RenewLock(
	ctx context.Context,
	r persistence.LockRecord,
) (ok bool, err error) {
	err = ds.update(
		ctx,
		func(tx *bbolt.Tx) {
			b := lockBucket(tx, r.Key)

			x, exists := loadLock(b, r.Key)
			if !exists || x.HolderID == "" || x.HolderID != r.HolderID || x.Token != r.Token {
				return
			}

			x.ExpiresAt = r.ExpiresAt
			saveLock(b, x)
			ok = true
		},
	)

	return ok, err
}

// ReleaseLock releases a lock.
//
// The record is retained, without a holder, so that the fencing token
// continues to increase across acquisitions.
func (ds *dataStore) ReleaseLock(
	ctx context.Context,
	r persistence.LockRecord,
) error {
	return ds.update(
		ctx,
		func(tx *bbolt.Tx) {
			b := lockBucket(tx, r.Key)

			x, exists := loadLock(b, r.Key)
			if !exists || x.HolderID != r.HolderID || x.Token != r.Token {
				return
			}

			saveLock(b, persistence.LockRecord{
				Key:   x.Key,
				Token: x.Token,
			})
		},
	)
}

// LoadLock loads the current state of the lock for k.
func (ds *dataStore) LoadLock(
	ctx context.Context,
	k continuation.EntityKey,
) (r persistence.LockRecord, ok bool, err error) {
	err = ds.view(
		ctx,
		func(tx *bbolt.Tx) {
			if b, exists := bboltx.TryBucket(
				tx,
				locksBucketKey,
				[]byte(k.TenantID),
				[]byte(k.EntityType),
			); exists {
				r, ok = loadLock(b, k)
			}
		},
	)

	return r, ok, err
}

// lockBucket returns the bucket that contains the lock for k.
func lockBucket(tx *bbolt.Tx, k continuation.EntityKey) *bbolt.Bucket {
	return bboltx.CreateBucketIfNotExists(
		tx,
		locksBucketKey,
		[]byte(k.TenantID),
		[]byte(k.EntityType),
	)
}

// loadLock loads the lock for k from b.
func loadLock(b *bbolt.Bucket, k continuation.EntityKey) (persistence.LockRecord, bool) {
	data := b.Get([]byte(k.EntityID))
	if data == nil {
		return persistence.LockRecord{Key: k}, false
	}

	var r lockRecord
	unmarshal(data, &r)

	return persistence.LockRecord{
		Key:        k,
		HolderID:   r.HolderID,
		Token:      r.Token,
		AcquiredAt: timex.FromUnixNano(r.AcquiredAt),
		ExpiresAt:  timex.FromUnixNano(r.ExpiresAt),
	}, true
}

// saveLock writes r to b.
func saveLock(b *bbolt.Bucket, r persistence.LockRecord) {
	bboltx.Put(
		b,
		[]byte(r.Key.EntityID),
		marshal(lockRecord{
			HolderID:   r.HolderID,
			Token:      r.Token,
			AcquiredAt: timex.ToUnixNano(r.AcquiredAt),
			ExpiresAt:  timex.ToUnixNano(r.ExpiresAt),
		}),
	)
}
