package continuum

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/procflow/continuum/cluster"
	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/dispatcher"
	"github.com/procflow/continuum/incident"
	"github.com/procflow/continuum/internal/mlog"
	"github.com/procflow/continuum/locktable"
	"github.com/procflow/continuum/persistence"
	"github.com/procflow/continuum/queue"
	"github.com/procflow/continuum/retry"
	"github.com/procflow/continuum/semaphore"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Engine is a single node of a continuum cluster. It executes the
// continuations of its tenants.
type Engine struct {
	opts    *engineOptions
	running atomic.Bool
	ready   chan struct{}
	queue   *queue.Queue
}

// New returns a new engine.
//
// It panics if the options are invalid, for example if no interpreter or
// tenant is configured.
func New(options ...EngineOption) *Engine {
	return &Engine{
		opts:  resolveEngineOptions(options...),
		ready: make(chan struct{}),
	}
}

// Run runs a new engine until ctx is canceled or an error occurs.
func Run(ctx context.Context, options ...EngineOption) error {
	return New(options...).Run(ctx)
}

// Run executes continuations until ctx is canceled or an error occurs.
//
// It must not be called more than once.
func (e *Engine) Run(ctx context.Context) (err error) {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine is already running")
	}

	ds, err := e.opts.PersistenceProvider.Open(ctx)
	if err != nil {
		return fmt.Errorf("unable to open data-store: %w", err)
	}
	defer func() {
		err = multierr.Append(err, ds.Close())
	}()

	logger := e.opts.Logger
	nodeID := e.opts.NodeID

	q := &queue.Queue{
		DataStore: ds,
		MaxAttempts: func(tenantID string) int {
			return e.opts.policy(tenantID).MaxAttempts
		},
	}

	coordinator := &cluster.Coordinator{
		NodeID:   nodeID,
		Leases:   ds,
		LeaseTTL: e.opts.LeaseTTL,
		Logger:   logger,
	}

	var locks locktable.Table = &locktable.Shared{
		Repository: ds,
		HolderID:   nodeID,
		TTL:        e.opts.LeaseTTL,
		Logger:     logger,
	}

	if e.opts.LocalLocks {
		locks = &locktable.Local{HolderID: nodeID}
	}

	relay := &incident.Relay{
		DataStore: ds,
		Sink:      e.opts.IncidentSink,
		Logger:    logger,
	}

	d := &dispatcher.Dispatcher{
		Tenants:     e.opts.Tenants,
		Queue:       q,
		Coordinator: coordinator,
		Locks:       locks,
		Executor: &retry.Executor{
			Boundary: persistence.BatchBoundary{DataStore: ds},
			Journal:  q,
			Logger:   logger,
		},
		Interpreter: e.opts.Interpreter,
		Policies: func(tenantID string) retry.Policy {
			return e.opts.policy(tenantID).retryPolicy()
		},
		Incidents:    relay,
		Semaphore:    semaphore.New(int(e.opts.ConcurrencyLimit)),
		LockTimeout:  e.opts.LockTimeout,
		PollInterval: e.opts.PollInterval,
		Observer:     e.opts.Observer,
		Logger:       logger,
	}

	e.queue = q
	close(e.ready)

	mlog.LogSystem(
		logger,
		nodeID,
		"node started, hosting %d tenant(s)",
		len(e.opts.Tenants),
	)

	parent := ctx
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.Run(ctx)
	})

	g.Go(func() error {
		return coordinator.RunSweeper(ctx)
	})

	g.Go(func() error {
		return relay.Run(ctx)
	})

	err = g.Wait()

	if parent.Err() != nil {
		return parent.Err()
	}

	return err
}

// Enqueue adds a continuation to the queue.
//
// It blocks until the engine is running. Missing fields of d are populated
// with defaults; the enqueued descriptor is returned.
func (e *Engine) Enqueue(
	ctx context.Context,
	d continuation.Descriptor,
) (continuation.Descriptor, error) {
	q, err := e.wait(ctx)
	if err != nil {
		return continuation.Descriptor{}, err
	}

	return q.Push(ctx, d)
}

// Continuation returns the queued continuation with the given ID.
func (e *Engine) Continuation(
	ctx context.Context,
	tenantID, id string,
) (continuation.Descriptor, bool, error) {
	q, err := e.wait(ctx)
	if err != nil {
		return continuation.Descriptor{}, false, err
	}

	return q.Load(ctx, tenantID, id)
}

// Cancel discards a queued or parked continuation.
//
// It returns queue.ErrInFlight if the continuation is being executed, and
// queue.ErrNotFound if there is no such continuation.
func (e *Engine) Cancel(ctx context.Context, tenantID, id string) error {
	q, err := e.wait(ctx)
	if err != nil {
		return err
	}

	return q.Cancel(ctx, tenantID, id)
}

// Incident returns the incident of a parked continuation.
func (e *Engine) Incident(
	ctx context.Context,
	tenantID, id string,
) (continuation.Incident, bool, error) {
	q, err := e.wait(ctx)
	if err != nil {
		return continuation.Incident{}, false, err
	}

	return q.Incident(ctx, tenantID, id)
}

// Requeue discards the incident of a parked continuation and enqueues it
// again with a fresh retry budget.
func (e *Engine) Requeue(
	ctx context.Context,
	tenantID, id string,
) (continuation.Descriptor, error) {
	q, err := e.wait(ctx)
	if err != nil {
		return continuation.Descriptor{}, err
	}

	return q.Requeue(ctx, tenantID, id)
}

// Ready returns a channel that is closed once the engine has opened its
// data-store and begun executing continuations.
func (e *Engine) Ready() <-chan struct{} {
	return e.ready
}

// wait blocks until the engine is running and returns its queue.
func (e *Engine) wait(ctx context.Context) (*queue.Queue, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.ready:
		return e.queue, nil
	}
}
