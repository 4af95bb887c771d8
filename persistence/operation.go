package persistence

import (
	"context"
	"fmt"

	"github.com/procflow/continuum/continuation"
)

// Operation is a persistence operation that can be performed as part of an
// atomic batch.
type Operation interface {
	// AcceptVisitor calls the appropriate visit method on the given visitor.
	AcceptVisitor(context.Context, OperationVisitor) error

	// entityKey returns the key of the entity that the operation affects.
	entityKey() entityKey
}

// OperationVisitor visits persistence operations.
type OperationVisitor interface {
	VisitSaveContinuation(context.Context, SaveContinuation) error
	VisitRemoveContinuation(context.Context, RemoveContinuation) error
	VisitSaveIncident(context.Context, SaveIncident) error
	VisitRemoveIncident(context.Context, RemoveIncident) error
	VisitSaveEntity(context.Context, SaveEntity) error
	VisitAssertLock(context.Context, AssertLock) error
}

// SaveContinuation is a persistence operation that creates or updates a
// continuation on the queue.
type SaveContinuation struct {
	// Continuation is the continuation to persist.
	//
	// Continuation.Revision must be the revision of the continuation as
	// currently persisted, otherwise an optimistic concurrency conflict occurs
	// and the entire batch of operations is rejected.
	Continuation continuation.Descriptor
}

// RemoveContinuation is a persistence operation that removes a continuation
// from the queue.
type RemoveContinuation struct {
	// Continuation is the continuation to remove.
	//
	// Continuation.Revision must be the revision of the continuation as
	// currently persisted, otherwise an optimistic concurrency conflict occurs
	// and the entire batch of operations is rejected.
	Continuation continuation.Descriptor
}

// SaveIncident is a persistence operation that creates or updates an incident.
type SaveIncident struct {
	// Incident is the incident to persist.
	//
	// Incident.Revision must be the revision of the incident as currently
	// persisted, otherwise an optimistic concurrency conflict occurs and the
	// entire batch of operations is rejected.
	Incident continuation.Incident
}

// RemoveIncident is a persistence operation that discards an incident.
type RemoveIncident struct {
	// Incident is the incident to remove.
	//
	// Incident.Revision must be the revision of the incident as currently
	// persisted, otherwise an optimistic concurrency conflict occurs and the
	// entire batch of operations is rejected.
	Incident continuation.Incident
}

// SaveEntity is a persistence operation that creates or updates an entity in
// the entity store.
type SaveEntity struct {
	// Entity is the entity to persist.
	//
	// Entity.Revision must be the revision of the entity as currently
	// persisted, otherwise an optimistic concurrency conflict occurs and the
	// entire batch of operations is rejected.
	Entity Entity
}

// AssertLock is a persistence operation that makes no changes but causes the
// batch to be rejected if a lock is no longer held by the expected holder.
//
// It is the fencing check that prevents a node whose lock has been reassigned
// from committing changes.
type AssertLock struct {
	// Lock is the lock that must still be held. The HolderID and Token must
	// match the lock as currently persisted.
	Lock LockRecord
}

// AcceptVisitor calls v.VisitSaveContinuation().
func (op SaveContinuation) AcceptVisitor(ctx context.Context, v OperationVisitor) error {
	return v.VisitSaveContinuation(ctx, op)
}

// AcceptVisitor calls v.VisitRemoveContinuation().
func (op RemoveContinuation) AcceptVisitor(ctx context.Context, v OperationVisitor) error {
	return v.VisitRemoveContinuation(ctx, op)
}

// AcceptVisitor calls v.VisitSaveIncident().
func (op SaveIncident) AcceptVisitor(ctx context.Context, v OperationVisitor) error {
	return v.VisitSaveIncident(ctx, op)
}

// AcceptVisitor calls v.VisitRemoveIncident().
func (op RemoveIncident) AcceptVisitor(ctx context.Context, v OperationVisitor) error {
	return v.VisitRemoveIncident(ctx, op)
}

// AcceptVisitor calls v.VisitSaveEntity().
func (op SaveEntity) AcceptVisitor(ctx context.Context, v OperationVisitor) error {
	return v.VisitSaveEntity(ctx, op)
}

// AcceptVisitor calls v.VisitAssertLock().
func (op AssertLock) AcceptVisitor(ctx context.Context, v OperationVisitor) error {
	return v.VisitAssertLock(ctx, op)
}

func (op SaveContinuation) entityKey() entityKey {
	return continuationKey(op.Continuation)
}

func (op RemoveContinuation) entityKey() entityKey {
	return continuationKey(op.Continuation)
}

func (op SaveIncident) entityKey() entityKey {
	return incidentKey(op.Incident)
}

func (op RemoveIncident) entityKey() entityKey {
	return incidentKey(op.Incident)
}

func (op SaveEntity) entityKey() entityKey {
	return entityKey{"entity", op.Entity.Key.String()}
}

func (op AssertLock) entityKey() entityKey {
	return entityKey{"lock", op.Lock.Key.String()}
}

// entityKey identifies the persisted entity affected by an operation.
type entityKey struct {
	kind string
	id   string
}

func (k entityKey) String() string {
	return fmt.Sprintf("%s %s", k.kind, k.id)
}

func continuationKey(d continuation.Descriptor) entityKey {
	return entityKey{"continuation", d.TenantID + "/" + d.ID}
}

func incidentKey(i continuation.Incident) entityKey {
	return entityKey{"incident", i.TenantID() + "/" + i.ContinuationID()}
}
