package memorypersistence

import (
	"context"
	"sync"

	"github.com/procflow/continuum/persistence"
)

// Provider is an implementation of persistence.Provider that stores data in
// memory.
//
// All data-stores opened from the same provider share the same data, which
// allows several engines within a single process to behave as the nodes of a
// cluster.
type Provider struct {
	m  sync.Mutex
	db *database
}

// Open returns the data-store.
func (p *Provider) Open(ctx context.Context) (persistence.DataStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.m.Lock()
	defer p.m.Unlock()

	if p.db == nil {
		p.db = newDatabase()
	}

	return &dataStore{db: p.db}, nil
}
