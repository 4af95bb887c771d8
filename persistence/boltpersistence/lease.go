package boltpersistence

import (
	"context"
	"time"

	"github.com/procflow/continuum/internal/x/bboltx"
	"github.com/procflow/continuum/internal/x/timex"
	"github.com/procflow/continuum/persistence"
	"go.etcd.io/bbolt"
)

var (
	// leasesBucketKey is the key for the root bucket for continuation leases.
	//
	// It contains a child bucket for each tenant. Within each tenant bucket
	// the keys are continuation IDs and the values are leaseRecord values
	// marshaled using CBOR.
	leasesBucketKey = []byte("leases")
)

// AcquireLease creates l if the continuation is not already leased, or if the
// existing lease has expired.
func (ds *dataStore) AcquireLease(
	ctx context.Context,
	l persistence.Lease,
	now time.Time,
) (ok bool, err error) {
	err = ds.update(
		ctx,
		func(tx *bbolt.Tx) {
			b := bboltx.CreateBucketIfNotExists(
				tx,
				leasesBucketKey,
				[]byte(l.TenantID),
			)

			if x, exists := loadLease(b, l.TenantID, l.ContinuationID); exists && !x.Expired(now) {
				return
			}

			saveLease(b, l)
			ok = true
		},
	)

	return ok, err
}

// RenewLease updates the expiry time of a lease that is still held.
func (ds *dataStore) RenewLease(
	ctx context.Context,
	l persistence.Lease,
) (ok bool, err error) {
	err = ds.update(
		ctx,
		func(tx *bbolt.Tx) {
			b := bboltx.CreateBucketIfNotExists(
				tx,
				leasesBucketKey,
				[]byte(l.TenantID),
			)

			x, exists := loadLease(b, l.TenantID, l.ContinuationID)
			if !exists || x.Token != l.Token {
				return
			}

			x.ExpiresAt = l.ExpiresAt
			saveLease(b, x)
			ok = true
		},
	)

	return ok, err
}

// ReleaseLease removes a lease.
func (ds *dataStore) ReleaseLease(
	ctx context.Context,
	l persistence.Lease,
) error {
	return ds.update(
		ctx,
		func(tx *bbolt.Tx) {
			b, ok := bboltx.TryBucket(
				tx,
				leasesBucketKey,
				[]byte(l.TenantID),
			)
			if !ok {
				return
			}

			if x, exists := loadLease(b, l.TenantID, l.ContinuationID); exists && x.Token == l.Token {
				bboltx.Delete(b, []byte(l.ContinuationID))
			}
		},
	)
}

// LoadLease loads the current lease for a continuation.
func (ds *dataStore) LoadLease(
	ctx context.Context,
	tenantID, continuationID string,
) (l persistence.Lease, ok bool, err error) {
	err = ds.view(
		ctx,
		func(tx *bbolt.Tx) {
			if b, exists := bboltx.TryBucket(tx, leasesBucketKey, []byte(tenantID)); exists {
				l, ok = loadLease(b, tenantID, continuationID)
			}
		},
	)

	return l, ok, err
}

// PurgeExpiredLeases removes all leases that have expired at time now and
// returns them.
func (ds *dataStore) PurgeExpiredLeases(
	ctx context.Context,
	now time.Time,
) (expired []persistence.Lease, err error) {
	err = ds.update(
		ctx,
		func(tx *bbolt.Tx) {
			root, ok := bboltx.TryBucket(tx, leasesBucketKey)
			if !ok {
				return
			}

			bboltx.Must(root.ForEach(func(tenantID, _ []byte) error {
				b := root.Bucket(tenantID)

				var keys [][]byte
				bboltx.Must(b.ForEach(func(k, _ []byte) error {
					if l, _ := loadLease(b, string(tenantID), string(k)); l.Expired(now) {
						expired = append(expired, l)
						keys = append(keys, k)
					}
					return nil
				}))

				// Keys can not be deleted while iterating with ForEach().
				for _, k := range keys {
					bboltx.Delete(b, k)
				}

				return nil
			}))
		},
	)

	return expired, err
}

// loadLease loads a lease from a tenant's lease bucket.
func loadLease(
	b *bbolt.Bucket,
	tenantID, continuationID string,
) (persistence.Lease, bool) {
	data := b.Get([]byte(continuationID))
	if data == nil {
		return persistence.Lease{}, false
	}

	var r leaseRecord
	unmarshal(data, &r)

	return persistence.Lease{
		TenantID:       tenantID,
		ContinuationID: continuationID,
		NodeID:         r.NodeID,
		Token:          r.Token,
		ExpiresAt:      timex.FromUnixNano(r.ExpiresAt),
	}, true
}

// saveLease writes a lease to a tenant's lease bucket.
func saveLease(b *bbolt.Bucket, l persistence.Lease) {
	bboltx.Put(
		b,
		[]byte(l.ContinuationID),
		marshal(leaseRecord{
			NodeID:    l.NodeID,
			Token:     l.Token,
			ExpiresAt: timex.ToUnixNano(l.ExpiresAt),
		}),
	)
}
