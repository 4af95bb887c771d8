package boltpersistence

import (
	"context"
	"sort"
	"time"

	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/internal/x/bboltx"
	"github.com/procflow/continuum/persistence"
	"go.etcd.io/bbolt"
)

var (
	// continuationsBucketKey is the key for the root bucket for queued
	// continuations.
	//
	// It contains a child bucket for each tenant. Within each tenant bucket
	// the keys are continuation IDs and the values are the descriptors
	// marshaled using the codec package.
	continuationsBucketKey = []byte("continuations")
)

// LoadContinuation loads a continuation by its ID.
func (ds *dataStore) LoadContinuation(
	ctx context.Context,
	tenantID, id string,
) (d continuation.Descriptor, ok bool, err error) {
	err = ds.view(
		ctx,
		func(tx *bbolt.Tx) {
			d, ok = loadContinuation(tx, tenantID, id)
		},
	)

	return d, ok, err
}

// LoadReadyContinuations loads up to n continuations belonging to the given
// tenant that are ready to be dispatched at the given time.
func (ds *dataStore) LoadReadyContinuations(
	ctx context.Context,
	tenantID string,
	now time.Time,
	n int,
) (ready []continuation.Descriptor, err error) {
	err = ds.view(
		ctx,
		func(tx *bbolt.Tx) {
			continuations, ok := bboltx.TryBucket(
				tx,
				continuationsBucketKey,
				[]byte(tenantID),
			)
			if !ok {
				return
			}

			leases, _ := bboltx.TryBucket(
				tx,
				leasesBucketKey,
				[]byte(tenantID),
			)

			bboltx.Must(continuations.ForEach(func(k, v []byte) error {
				d := unmarshalContinuation(v)
				if d.ScheduledAt.After(now) {
					return nil
				}

				if leases != nil {
					if l, ok := loadLease(leases, tenantID, d.ID); ok && !l.Expired(now) {
						return nil
					}
				}

				ready = append(ready, d)
				return nil
			}))
		},
	)

	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]

		if a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ID < b.ID
		}

		return a.ScheduledAt.Before(b.ScheduledAt)
	})

	if len(ready) > n {
		ready = ready[:n]
	}

	return ready, err
}

// VisitSaveContinuation applies the changes in a "SaveContinuation" operation
// to the database.
func (c *committer) VisitSaveContinuation(
	_ context.Context,
	op persistence.SaveContinuation,
) error {
	d := op.Continuation
	x, _ := loadContinuation(c.tx, d.TenantID, d.ID)

	if d.Revision != x.Revision {
		return persistence.ConflictError{
			Cause: op,
		}
	}

	d.Revision++

	bboltx.Put(
		bboltx.CreateBucketIfNotExists(
			c.tx,
			continuationsBucketKey,
			[]byte(d.TenantID),
		),
		[]byte(d.ID),
		marshalContinuation(d),
	)

	return nil
}

// VisitRemoveContinuation applies the changes in a "RemoveContinuation"
// operation to the database.
func (c *committer) VisitRemoveContinuation(
	_ context.Context,
	op persistence.RemoveContinuation,
) error {
	d := op.Continuation
	x, ok := loadContinuation(c.tx, d.TenantID, d.ID)

	if !ok || d.Revision != x.Revision {
		return persistence.ConflictError{
			Cause: op,
		}
	}

	bboltx.Delete(
		bboltx.CreateBucketIfNotExists(
			c.tx,
			continuationsBucketKey,
			[]byte(d.TenantID),
		),
		[]byte(d.ID),
	)

	return nil
}

// loadContinuation loads a continuation from the database.
func loadContinuation(
	tx *bbolt.Tx,
	tenantID, id string,
) (continuation.Descriptor, bool) {
	b, ok := bboltx.TryBucket(
		tx,
		continuationsBucketKey,
		[]byte(tenantID),
	)
	if !ok {
		return continuation.Descriptor{}, false
	}

	data := b.Get([]byte(id))
	if data == nil {
		return continuation.Descriptor{}, false
	}

	return unmarshalContinuation(data), true
}
