package memorypersistence

import (
	"context"
	"sort"
	"time"

	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/persistence"
)

// LoadContinuation loads a continuation by its ID.
func (ds *dataStore) LoadContinuation(
	_ context.Context,
	tenantID, id string,
) (continuation.Descriptor, bool, error) {
	ds.db.mutex.RLock()
	defer ds.db.mutex.RUnlock()

	if d, ok := ds.db.continuations[recordKey{tenantID, id}]; ok {
		return cloneDescriptor(d), true, nil
	}

	return continuation.Descriptor{}, false, nil
}

// LoadReadyContinuations loads up to n continuations belonging to the given
// tenant that are ready to be dispatched at the given time.
func (ds *dataStore) LoadReadyContinuations(
	ctx context.Context,
	tenantID string,
	now time.Time,
	n int,
) ([]continuation.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ds.db.mutex.RLock()
	defer ds.db.mutex.RUnlock()

	var ready []continuation.Descriptor

	for k, d := range ds.db.continuations {
		if k.TenantID != tenantID || d.ScheduledAt.After(now) {
			continue
		}

		if l, ok := ds.db.leases[k]; ok && !l.Expired(now) {
			continue
		}

		ready = append(ready, d)
	}

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

	for i, d := range ready {
		ready[i] = cloneDescriptor(d)
	}

	return ready, nil
}

// VisitSaveContinuation returns an error if a "SaveContinuation" operation can
// not be applied to the database.
func (v *validator) VisitSaveContinuation(
	_ context.Context,
	op persistence.SaveContinuation,
) error {
	d := op.Continuation
	x := v.db.continuations[recordKey{d.TenantID, d.ID}]

	if d.Revision == x.Revision {
		return nil
	}

	return persistence.ConflictError{
		Cause: op,
	}
}

// VisitRemoveContinuation returns an error if a "RemoveContinuation" operation
// can not be applied to the database.
func (v *validator) VisitRemoveContinuation(
	_ context.Context,
	op persistence.RemoveContinuation,
) error {
	d := op.Continuation

	if x, ok := v.db.continuations[recordKey{d.TenantID, d.ID}]; ok {
		if d.Revision == x.Revision {
			return nil
		}
	}

	return persistence.ConflictError{
		Cause: op,
	}
}

// VisitSaveContinuation applies the changes in a "SaveContinuation" operation
// to the database.
func (c *committer) VisitSaveContinuation(
	_ context.Context,
	op persistence.SaveContinuation,
) error {
	d := cloneDescriptor(op.Continuation)
	d.Revision++

	c.db.continuations[recordKey{d.TenantID, d.ID}] = d

	return nil
}

// VisitRemoveContinuation applies the changes in a "RemoveContinuation"
// operation to the database.
func (c *committer) VisitRemoveContinuation(
	_ context.Context,
	op persistence.RemoveContinuation,
) error {
	d := op.Continuation
	delete(c.db.continuations, recordKey{d.TenantID, d.ID})

	return nil
}
