package boltpersistence

import (
	"context"

	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/internal/x/bboltx"
	"github.com/procflow/continuum/persistence"
	"go.etcd.io/bbolt"
)

var (
	// entitiesBucketKey is the key for the root bucket for the entity store.
	//
	// It contains nested buckets for each tenant and entity type. Within each
	// entity type bucket the keys are entity IDs and the values are
	// entityRecord values marshaled using CBOR.
	entitiesBucketKey = []byte("entities")
)

// LoadEntity loads the entity with the given key.
func (ds *dataStore) LoadEntity(
	ctx context.Context,
	k continuation.EntityKey,
) (e persistence.Entity, err error) {
	err = ds.view(
		ctx,
		func(tx *bbolt.Tx) {
			e = loadEntity(tx, k)
		},
	)

	return e, err
}

// VisitSaveEntity applies the changes in a "SaveEntity" operation to the
// database.
func (c *committer) VisitSaveEntity(
	_ context.Context,
	op persistence.SaveEntity,
) error {
	e := op.Entity
	x := loadEntity(c.tx, e.Key)

	if e.Revision != x.Revision {
		return persistence.ConflictError{
			Cause: op,
		}
	}

	bboltx.Put(
		bboltx.CreateBucketIfNotExists(
			c.tx,
			entitiesBucketKey,
			[]byte(e.Key.TenantID),
			[]byte(e.Key.EntityType),
		),
		[]byte(e.Key.EntityID),
		marshal(entityRecord{
			Revision: e.Revision + 1,
			Data:     e.Data,
		}),
	)

	return nil
}

// VisitAssertLock returns a ConflictError if the lock in an "AssertLock"
// operation is no longer held by the expected holder.
func (c *committer) VisitAssertLock(
	_ context.Context,
	op persistence.AssertLock,
) error {
	r := op.Lock

	if b, ok := bboltx.TryBucket(
		c.tx,
		locksBucketKey,
		[]byte(r.Key.TenantID),
		[]byte(r.Key.EntityType),
	); ok {
		x, _ := loadLock(b, r.Key)

		if r.HolderID != "" && r.HolderID == x.HolderID && r.Token == x.Token {
			return nil
		}
	}

	return persistence.ConflictError{
		Cause: op,
	}
}

// loadEntity loads an entity from the database.
func loadEntity(tx *bbolt.Tx, k continuation.EntityKey) persistence.Entity {
	e := persistence.Entity{Key: k}

	b, ok := bboltx.TryBucket(
		tx,
		entitiesBucketKey,
		[]byte(k.TenantID),
		[]byte(k.EntityType),
	)
	if !ok {
		return e
	}

	if data := b.Get([]byte(k.EntityID)); data != nil {
		var r entityRecord
		unmarshal(data, &r)

		e.Revision = r.Revision
		e.Data = r.Data
	}

	return e
}
