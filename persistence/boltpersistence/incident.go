package boltpersistence

import (
	"context"
	"sort"

	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/internal/x/bboltx"
	"github.com/procflow/continuum/persistence"
	"go.etcd.io/bbolt"
)

var (
	// incidentsBucketKey is the key for the root bucket for incidents.
	//
	// It contains a child bucket for each tenant. Within each tenant bucket
	// the keys are continuation IDs and the values are the incidents marshaled
	// using the codec package.
	incidentsBucketKey = []byte("incidents")
)

// LoadIncident loads the incident for a parked continuation.
func (ds *dataStore) LoadIncident(
	ctx context.Context,
	tenantID, continuationID string,
) (i continuation.Incident, ok bool, err error) {
	err = ds.view(
		ctx,
		func(tx *bbolt.Tx) {
			i, ok = loadIncident(tx, tenantID, continuationID)
		},
	)

	return i, ok, err
}

// LoadUnreportedIncidents loads up to n incidents that have not yet been
// delivered to the incident sink.
func (ds *dataStore) LoadUnreportedIncidents(
	ctx context.Context,
	n int,
) (result []continuation.Incident, err error) {
	err = ds.view(
		ctx,
		func(tx *bbolt.Tx) {
			root, ok := bboltx.TryBucket(tx, incidentsBucketKey)
			if !ok {
				return
			}

			bboltx.Must(root.ForEach(func(tenantID, _ []byte) error {
				return root.Bucket(tenantID).ForEach(func(_, v []byte) error {
					if i := unmarshalIncident(v); !i.Reported {
						result = append(result, i)
					}

					return nil
				})
			}))
		},
	)

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]

		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ContinuationID() < b.ContinuationID()
		}

		return a.CreatedAt.Before(b.CreatedAt)
	})

	if len(result) > n {
		result = result[:n]
	}

	return result, err
}

// VisitSaveIncident applies the changes in a "SaveIncident" operation to the
// database.
func (c *committer) VisitSaveIncident(
	_ context.Context,
	op persistence.SaveIncident,
) error {
	i := op.Incident
	x, _ := loadIncident(c.tx, i.TenantID(), i.ContinuationID())

	if i.Revision != x.Revision {
		return persistence.ConflictError{
			Cause: op,
		}
	}

	i.Revision++

	bboltx.Put(
		bboltx.CreateBucketIfNotExists(
			c.tx,
			incidentsBucketKey,
			[]byte(i.TenantID()),
		),
		[]byte(i.ContinuationID()),
		marshalIncident(i),
	)

	return nil
}

// VisitRemoveIncident applies the changes in a "RemoveIncident" operation to
// the database.
func (c *committer) VisitRemoveIncident(
	_ context.Context,
	op persistence.RemoveIncident,
) error {
	i := op.Incident
	x, ok := loadIncident(c.tx, i.TenantID(), i.ContinuationID())

	if !ok || i.Revision != x.Revision {
		return persistence.ConflictError{
			Cause: op,
		}
	}

	bboltx.Delete(
		bboltx.CreateBucketIfNotExists(
			c.tx,
			incidentsBucketKey,
			[]byte(i.TenantID()),
		),
		[]byte(i.ContinuationID()),
	)

	return nil
}

// loadIncident loads an incident from the database.
func loadIncident(
	tx *bbolt.Tx,
	tenantID, continuationID string,
) (continuation.Incident, bool) {
	b, ok := bboltx.TryBucket(
		tx,
		incidentsBucketKey,
		[]byte(tenantID),
	)
	if !ok {
		return continuation.Incident{}, false
	}

	data := b.Get([]byte(continuationID))
	if data == nil {
		return continuation.Incident{}, false
	}

	return unmarshalIncident(data), true
}
