package persistence

import (
	"context"
	"time"

	"github.com/procflow/continuum/continuation"
)

// ContinuationRepository is an interface for reading persisted continuations.
type ContinuationRepository interface {
	// LoadContinuation loads a continuation by its ID.
	//
	// ok is false if the continuation does not exist.
	LoadContinuation(
		ctx context.Context,
		tenantID, id string,
	) (_ continuation.Descriptor, ok bool, _ error)

	// LoadReadyContinuations loads up to n continuations belonging to the
	// given tenant that are ready to be dispatched at the given time.
	//
	// A continuation is ready if its ScheduledAt time is not after now and it
	// is not under a lease that expires after now. Continuations are ordered
	// by their ScheduledAt time, then by ID.
	LoadReadyContinuations(
		ctx context.Context,
		tenantID string,
		now time.Time,
		n int,
	) ([]continuation.Descriptor, error)
}

// IncidentRepository is an interface for reading persisted incidents.
type IncidentRepository interface {
	// LoadIncident loads the incident for a parked continuation.
	//
	// ok is false if there is no such incident.
	LoadIncident(
		ctx context.Context,
		tenantID, continuationID string,
	) (_ continuation.Incident, ok bool, _ error)

	// LoadUnreportedIncidents loads up to n incidents, across all tenants, that
	// have not yet been delivered to the incident sink. Incidents are ordered
	// by their creation time.
	LoadUnreportedIncidents(
		ctx context.Context,
		n int,
	) ([]continuation.Incident, error)
}

// Entity is a process-instance record in the entity store.
type Entity struct {
	// Key identifies the entity.
	Key continuation.EntityKey

	// Revision is the persisted revision of the entity. Zero means it has not
	// been persisted.
	Revision uint64

	// Data is the application-defined state of the entity.
	Data []byte
}

// EntityRepository is an interface for reading entities from the entity store.
type EntityRepository interface {
	// LoadEntity loads the entity with the given key.
	//
	// If the entity does not exist, a new entity with a zero revision is
	// returned.
	LoadEntity(ctx context.Context, k continuation.EntityKey) (Entity, error)
}
