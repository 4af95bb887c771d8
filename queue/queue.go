package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dogmatiq/linger"
	"github.com/google/uuid"
	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/persistence"
)

const (
	// cancelNodeID is the node ID of the lease held while a continuation is
	// cancelled.
	cancelNodeID = "<cancel>"

	// cancelLeaseTTL bounds the time for which a failed cancellation prevents
	// the continuation from being dispatched.
	cancelLeaseTTL = 10 * time.Second
)

// DefaultMaxAttempts is the retry budget given to continuations that are
// enqueued without one, when the queue has no per-tenant budget.
var DefaultMaxAttempts = 5

var (
	// ErrInFlight is returned by Queue.Cancel() if the continuation is
	// currently being executed.
	ErrInFlight = errors.New("continuation is in-flight")

	// ErrNotFound is returned when there is no queued or parked continuation
	// with the given ID.
	ErrNotFound = errors.New("continuation not found")
)

// A Queue is a durable collection of continuations awaiting execution,
// partitioned by tenant.
//
// Continuations are only ever made visible by committing the transaction
// that enqueued them.
type Queue struct {
	// DataStore is the data-store that stores the queued continuations.
	DataStore persistence.DataStore

	// MaxAttempts returns the retry budget for continuations belonging to the
	// given tenant that are enqueued without one. If it is nil, or returns a
	// non-positive value, DefaultMaxAttempts is used.
	MaxAttempts func(tenantID string) int

	// Now returns the current time. If it is nil, time.Now() is used.
	Now func() time.Time

	m    sync.Mutex
	wake chan struct{} // closed when an enqueue is committed
}

// Enqueue adds d to the queue within tx.
//
// d is not visible to DequeueReady() unless tx is committed. Missing fields
// are populated with defaults; the populated descriptor is returned.
func (q *Queue) Enqueue(
	tx persistence.ManagedTransaction,
	d continuation.Descriptor,
) (continuation.Descriptor, error) {
	if d.Revision != 0 {
		return d, fmt.Errorf("continuation %s has already been enqueued", d.ID)
	}

	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	now := q.now()

	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}

	if d.ScheduledAt.IsZero() {
		d.ScheduledAt = now
	}

	if d.MaxAttempts <= 0 {
		d.MaxAttempts = q.maxAttempts(d.TenantID)
	}

	if err := d.Validate(); err != nil {
		return d, err
	}

	tx.SaveContinuation(d)
	tx.OnCommit(q.Notify)

	return d, nil
}

// Push adds d to the queue in its own transaction.
func (q *Queue) Push(
	ctx context.Context,
	d continuation.Descriptor,
) (continuation.Descriptor, error) {
	err := persistence.WithTransaction(
		ctx,
		persistence.BatchBoundary{DataStore: q.DataStore},
		func(tx persistence.ManagedTransaction) error {
			var err error
			d, err = q.Enqueue(tx, d)
			return err
		},
	)
	if err != nil {
		return continuation.Descriptor{}, err
	}

	d.Revision++

	return d, nil
}

// DequeueReady returns up to n of the tenant's continuations that are ready
// for execution.
//
// Continuations are ordered by their scheduled time, oldest first.
// Continuations under an unexpired lease are excluded. Dequeuing does not
// remove a continuation; it is removed when its unit of work commits.
func (q *Queue) DequeueReady(
	ctx context.Context,
	tenantID string,
	n int,
) ([]continuation.Descriptor, error) {
	return q.DataStore.LoadReadyContinuations(ctx, tenantID, q.now(), n)
}

// Wait blocks until a continuation is enqueued by this queue, d elapses, or
// ctx is canceled.
//
// It returns nil when d elapses. Continuations enqueued by other nodes, or
// that become ready due to the passage of time, do not wake the caller.
func (q *Queue) Wait(ctx context.Context, d time.Duration) error {
	q.m.Lock()
	if q.wake == nil {
		q.wake = make(chan struct{})
	}
	wake := q.wake
	q.m.Unlock()

	parent := ctx
	ctx, cancel := linger.ContextWithTimeout(ctx, d)
	defer cancel()

	select {
	case <-wake:
		return nil
	case <-ctx.Done():
		return parent.Err()
	}
}

// Reschedule records a failed attempt of d and makes d visible for dispatch
// again after delay.
//
// The attempt count is incremented. The persisted descriptor is returned.
func (q *Queue) Reschedule(
	ctx context.Context,
	d continuation.Descriptor,
	delay time.Duration,
	a continuation.Attempt,
) (continuation.Descriptor, error) {
	if d.Exhausted() {
		return d, fmt.Errorf("continuation %s has no remaining attempts", d.ID)
	}

	d = d.WithFailure(a)
	d.ScheduledAt = q.now().Add(delay)

	return q.save(ctx, d)
}

// Resume records that d is no longer waiting to retry a failed attempt. It is
// called immediately before the next attempt begins.
//
// It returns false if d has been cancelled while it was waiting.
func (q *Queue) Resume(
	ctx context.Context,
	d continuation.Descriptor,
) (continuation.Descriptor, bool, error) {
	x, err := q.save(ctx, d.Resumed())
	if err == nil {
		return x, true, nil
	}

	if !persistence.IsSuperseded(err, d.TenantID, d.ID) {
		return d, false, err
	}

	if _, ok, lerr := q.DataStore.LoadContinuation(ctx, d.TenantID, d.ID); lerr != nil || ok {
		return d, false, err
	}

	return d, false, nil
}

// Defer makes d visible for dispatch again after delay without recording a
// failed attempt.
//
// It is used when d could not be executed for reasons unrelated to its unit
// of work, such as lock contention.
func (q *Queue) Defer(
	ctx context.Context,
	d continuation.Descriptor,
	delay time.Duration,
) (continuation.Descriptor, error) {
	d.ScheduledAt = q.now().Add(delay)
	return q.save(ctx, d)
}

// Park permanently removes d from the queue and records i as its incident.
func (q *Queue) Park(
	ctx context.Context,
	d continuation.Descriptor,
	i continuation.Incident,
) (continuation.Incident, error) {
	if err := q.DataStore.Persist(
		ctx,
		persistence.Batch{
			persistence.RemoveContinuation{Continuation: d},
			persistence.SaveIncident{Incident: i},
		},
	); err != nil {
		return i, err
	}

	i.Revision++

	return i, nil
}

// Cancel discards the continuation with the given ID.
//
// A queued continuation is removed before it is dispatched. A continuation
// that is leased to a dispatcher is removed only while it is waiting to retry
// a failed attempt. A parked continuation has its incident discarded.
//
// It returns ErrInFlight if the continuation is being executed, and
// ErrNotFound if there is no such continuation.
func (q *Queue) Cancel(ctx context.Context, tenantID, id string) error {
	now := q.now()

	// The continuation is leased for the duration of the cancellation so that
	// it cannot be dispatched between being loaded and removed.
	l := persistence.Lease{
		TenantID:       tenantID,
		ContinuationID: id,
		NodeID:         cancelNodeID,
		Token:          uuid.NewString(),
		ExpiresAt:      now.Add(cancelLeaseTTL),
	}

	ok, err := q.DataStore.AcquireLease(ctx, l, now)
	if err != nil {
		return err
	}

	if ok {
		defer q.DataStore.ReleaseLease(context.WithoutCancel(ctx), l) // nolint:errcheck
	}

	d, found, err := q.DataStore.LoadContinuation(ctx, tenantID, id)
	if err != nil {
		return err
	}

	if found {
		if !ok && !d.Waiting() {
			return ErrInFlight
		}

		err := q.DataStore.Persist(
			ctx,
			persistence.Batch{
				persistence.RemoveContinuation{Continuation: d},
			},
		)
		if persistence.IsSuperseded(err, tenantID, id) {
			return ErrInFlight
		}

		return err
	}

	i, found, err := q.DataStore.LoadIncident(ctx, tenantID, id)
	if err != nil {
		return err
	}

	if found {
		return q.DataStore.Persist(
			ctx,
			persistence.Batch{
				persistence.RemoveIncident{Incident: i},
			},
		)
	}

	return ErrNotFound
}

// Requeue discards the incident of a parked continuation and enqueues the
// continuation again with a fresh retry budget.
func (q *Queue) Requeue(
	ctx context.Context,
	tenantID, id string,
) (continuation.Descriptor, error) {
	i, ok, err := q.DataStore.LoadIncident(ctx, tenantID, id)
	if err != nil {
		return continuation.Descriptor{}, err
	}

	if !ok {
		return continuation.Descriptor{}, ErrNotFound
	}

	d := i.Continuation
	d.AttemptCount = 0
	d.History = nil
	d.ScheduledAt = q.now()
	d.Revision = 0

	if err := q.DataStore.Persist(
		ctx,
		persistence.Batch{
			persistence.RemoveIncident{Incident: i},
			persistence.SaveContinuation{Continuation: d},
		},
	); err != nil {
		return continuation.Descriptor{}, err
	}

	q.Notify()
	d.Revision++

	return d, nil
}

// Load returns the queued continuation with the given ID.
func (q *Queue) Load(
	ctx context.Context,
	tenantID, id string,
) (continuation.Descriptor, bool, error) {
	return q.DataStore.LoadContinuation(ctx, tenantID, id)
}

// Incident returns the incident of the parked continuation with the given ID.
func (q *Queue) Incident(
	ctx context.Context,
	tenantID, id string,
) (continuation.Incident, bool, error) {
	return q.DataStore.LoadIncident(ctx, tenantID, id)
}

// save persists a modified descriptor and returns it with its new revision.
func (q *Queue) save(
	ctx context.Context,
	d continuation.Descriptor,
) (continuation.Descriptor, error) {
	if err := q.DataStore.Persist(
		ctx,
		persistence.Batch{
			persistence.SaveContinuation{Continuation: d},
		},
	); err != nil {
		return d, err
	}

	d.Revision++

	return d, nil
}

// Notify wakes any blocked calls to Wait().
//
// It is called when continuations that were enqueued by this node become
// available for dispatch after the transaction that enqueued them commits.
func (q *Queue) Notify() {
	q.m.Lock()
	defer q.m.Unlock()

	if q.wake != nil {
		close(q.wake)
		q.wake = nil
	}
}

func (q *Queue) maxAttempts(tenantID string) int {
	if q.MaxAttempts != nil {
		if n := q.MaxAttempts(tenantID); n > 0 {
			return n
		}
	}

	return DefaultMaxAttempts
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}

	return time.Now()
}
