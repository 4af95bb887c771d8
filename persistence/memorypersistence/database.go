package memorypersistence

import (
	"sync"

	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/persistence"
)

// database is an in-memory database that is shared by all of the data-stores
// opened from the same provider.
type database struct {
	mutex sync.RWMutex

	continuations map[recordKey]continuation.Descriptor
	incidents     map[recordKey]continuation.Incident
	leases        map[recordKey]persistence.Lease
	locks         map[continuation.EntityKey]persistence.LockRecord
	entities      map[continuation.EntityKey]persistence.Entity
}

// recordKey identifies a per-tenant record by its ID.
type recordKey struct {
	TenantID string
	ID       string
}

func newDatabase() *database {
	return &database{
		continuations: map[recordKey]continuation.Descriptor{},
		incidents:     map[recordKey]continuation.Incident{},
		leases:        map[recordKey]persistence.Lease{},
		locks:         map[continuation.EntityKey]persistence.LockRecord{},
		entities:      map[continuation.EntityKey]persistence.Entity{},
	}
}

// cloneDescriptor returns a deep copy of d.
func cloneDescriptor(d continuation.Descriptor) continuation.Descriptor {
	d.Payload = cloneBytes(d.Payload)

	if d.History != nil {
		h := make([]continuation.Attempt, len(d.History))
		copy(h, d.History)
		d.History = h
	}

	return d
}

// cloneIncident returns a deep copy of i.
func cloneIncident(i continuation.Incident) continuation.Incident {
	i.Continuation = cloneDescriptor(i.Continuation)
	return i
}

func cloneBytes(data []byte) []byte {
	if data == nil {
		return nil
	}

	c := make([]byte, len(data))
	copy(c, data)
	return c
}
