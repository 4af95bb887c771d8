package memorypersistence

import (
	"context"
	"sort"

	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/persistence"
)

// LoadIncident loads the incident for a parked continuation.
func (ds *dataStore) LoadIncident(
	_ context.Context,
	tenantID, continuationID string,
) (continuation.Incident, bool, error) {
	ds.db.mutex.RLock()
	defer ds.db.mutex.RUnlock()

	if i, ok := ds.db.incidents[recordKey{tenantID, continuationID}]; ok {
		return cloneIncident(i), true, nil
	}

	return continuation.Incident{}, false, nil
}

// LoadUnreportedIncidents loads up to n incidents that have not yet been
// delivered to the incident sink.
func (ds *dataStore) LoadUnreportedIncidents(
	ctx context.Context,
	n int,
) ([]continuation.Incident, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ds.db.mutex.RLock()
	defer ds.db.mutex.RUnlock()

	var result []continuation.Incident

	for _, i := range ds.db.incidents {
		if !i.Reported {
			result = append(result, i)
		}
	}

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

	for x, i := range result {
		result[x] = cloneIncident(i)
	}

	return result, nil
}

// VisitSaveIncident returns an error if a "SaveIncident" operation can not be
// applied to the database.
func (v *validator) VisitSaveIncident(
	_ context.Context,
	op persistence.SaveIncident,
) error {
	i := op.Incident
	x := v.db.incidents[recordKey{i.TenantID(), i.ContinuationID()}]

	if i.Revision == x.Revision {
		return nil
	}

	return persistence.ConflictError{
		Cause: op,
	}
}

// VisitRemoveIncident returns an error if a "RemoveIncident" operation can not
// be applied to the database.
func (v *validator) VisitRemoveIncident(
	_ context.Context,
	op persistence.RemoveIncident,
) error {
	i := op.Incident

	if x, ok := v.db.incidents[recordKey{i.TenantID(), i.ContinuationID()}]; ok {
		if i.Revision == x.Revision {
			return nil
		}
	}

	return persistence.ConflictError{
		Cause: op,
	}
}

// VisitSaveIncident applies the changes in a "SaveIncident" operation to the
// database.
func (c *committer) VisitSaveIncident(
	_ context.Context,
	op persistence.SaveIncident,
) error {
	i := cloneIncident(op.Incident)
	i.Revision++

	c.db.incidents[recordKey{i.TenantID(), i.ContinuationID()}] = i

	return nil
}

// VisitRemoveIncident applies the changes in a "RemoveIncident" operation to
// the database.
func (c *committer) VisitRemoveIncident(
	_ context.Context,
	op persistence.RemoveIncident,
) error {
	i := op.Incident
	delete(c.db.incidents, recordKey{i.TenantID(), i.ContinuationID()})

	return nil
}
