package memorypersistence

import (
	"context"

	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/persistence"
)

// LoadEntity loads the entity with the given key.
func (ds *dataStore) LoadEntity(
	_ context.Context,
	k continuation.EntityKey,
) (persistence.Entity, error) {
	ds.db.mutex.RLock()
	defer ds.db.mutex.RUnlock()

	if e, ok := ds.db.entities[k]; ok {
		e.Data = cloneBytes(e.Data)
		return e, nil
	}

	return persistence.Entity{Key: k}, nil
}

// VisitSaveEntity returns an error if a "SaveEntity" operation can not be
// applied to the database.
func (v *validator) VisitSaveEntity(
	_ context.Context,
	op persistence.SaveEntity,
) error {
	e := op.Entity
	x := v.db.entities[e.Key]

	if e.Revision == x.Revision {
		return nil
	}

	return persistence.ConflictError{
		Cause: op,
	}
}

// VisitAssertLock returns an error if the lock in an "AssertLock" operation is
// no longer held by the expected holder.
func (v *validator) VisitAssertLock(
	_ context.Context,
	op persistence.AssertLock,
) error {
	r := op.Lock
	x := v.db.locks[r.Key]

	if r.HolderID != "" && r.HolderID == x.HolderID && r.Token == x.Token {
		return nil
	}

	return persistence.ConflictError{
		Cause: op,
	}
}

// VisitSaveEntity applies the changes in a "SaveEntity" operation to the
// database.
func (c *committer) VisitSaveEntity(
	_ context.Context,
	op persistence.SaveEntity,
) error {
	e := op.Entity
	e.Data = cloneBytes(e.Data)
	e.Revision++

	c.db.entities[e.Key] = e

	return nil
}

// VisitAssertLock does nothing. The assertion is checked by the validator.
func (c *committer) VisitAssertLock(
	context.Context,
	persistence.AssertLock,
) error {
	return nil
}
