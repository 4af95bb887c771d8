package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"
	"github.com/procflow/continuum/cluster"
	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/incident"
	"github.com/procflow/continuum/internal/mlog"
	"github.com/procflow/continuum/internal/x/loggingx"
	"github.com/procflow/continuum/locktable"
	"github.com/procflow/continuum/persistence"
	"github.com/procflow/continuum/queue"
	"github.com/procflow/continuum/retry"
	"github.com/procflow/continuum/semaphore"
	"golang.org/x/sync/errgroup"
)

var (
	// DefaultLockTimeout is the default duration to wait for the lock of a
	// continuation's entity before deferring the continuation.
	DefaultLockTimeout = 5 * time.Second

	// DefaultPollInterval is the default maximum interval between polls of
	// the queue when no continuations are enqueued on this node.
	DefaultPollInterval = 1 * time.Second

	// DefaultBatchSize is the default number of continuations dequeued at
	// once.
	DefaultBatchSize = 100

	// DefaultContentionBackoff is the default strategy for computing how long
	// a continuation is deferred when its entity is locked.
	DefaultContentionBackoff backoff.Strategy = backoff.WithTransforms(
		backoff.Constant(250*time.Millisecond),
		linger.FullJitter,
		linger.Limiter(10*time.Millisecond, 5*time.Second),
	)

	// DefaultPollBackoff is the default strategy for delaying queue polls
	// after a failure.
	DefaultPollBackoff backoff.Strategy = backoff.WithTransforms(
		backoff.Exponential(100*time.Millisecond),
		linger.FullJitter,
		linger.Limiter(0, 30*time.Second),
	)

	// cleanupTimeout is the time allowed to release a continuation's lease
	// and lock, regardless of whether the dispatcher is stopping.
	cleanupTimeout = 5 * time.Second
)

// Interpreter advances a process instance by executing a continuation's unit
// of work.
//
// It performs its state changes within tx and returns any follow-up
// continuations, which are enqueued in the same transaction. It may be called
// several times for the same continuation if earlier attempts fail.
type Interpreter func(
	ctx context.Context,
	tx persistence.ManagedTransaction,
	d continuation.Descriptor,
) ([]continuation.Descriptor, error)

// Dispatcher executes the continuations of a set of tenants.
//
// Each continuation is leased to this node, the lock of its entity is
// acquired, and its unit of work is executed by the retry executor. A
// continuation that fails permanently is parked as an incident.
type Dispatcher struct {
	// Tenants is the set of tenants whose continuations are executed.
	Tenants []string

	// Queue is the queue from which continuations are dequeued.
	Queue *queue.Queue

	// Coordinator leases continuations to this node.
	Coordinator *cluster.Coordinator

	// Locks is the table of entity locks.
	Locks locktable.Table

	// Executor executes each unit of work.
	Executor *retry.Executor

	// Interpreter is the process interpreter that performs each unit of work.
	Interpreter Interpreter

	// Policies returns the retry policy for the given tenant. If it is nil,
	// the zero-value policy is used, which retries without delay.
	Policies func(tenantID string) retry.Policy

	// Incidents delivers incidents to the incident sink. If it is nil,
	// incidents are parked but not reported.
	Incidents *incident.Relay

	// Semaphore limits the number of continuations executed concurrently.
	Semaphore semaphore.Semaphore

	// LockTimeout is the duration to wait for an entity lock. If it is
	// non-positive, DefaultLockTimeout is used.
	LockTimeout time.Duration

	// ContentionBackoff computes how long a continuation is deferred when its
	// entity lock is unavailable. If it is nil, DefaultContentionBackoff is
	// used.
	ContentionBackoff backoff.Strategy

	// PollInterval is the maximum interval between queue polls. If it is
	// non-positive, DefaultPollInterval is used.
	PollInterval time.Duration

	// BatchSize is the number of continuations dequeued at once. If it is
	// non-positive, DefaultBatchSize is used.
	BatchSize int

	// Observer, if non-nil, is notified of each state change.
	Observer Observer

	// Logger is the target for log messages about dispatched continuations.
	// If it is nil, logging.DefaultLogger is used.
	Logger logging.Logger
}

// Run executes continuations until ctx is canceled or an error occurs.
//
// In-flight units of work are interrupted when ctx is canceled; their
// continuations remain queued.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, t := range d.Tenants {
		t := t // capture loop variable

		g.Go(func() error {
			return d.poll(ctx, g, t)
		})
	}

	return g.Wait()
}

// poll dequeues the tenant's ready continuations and starts a worker for each
// of them.
func (d *Dispatcher) poll(
	ctx context.Context,
	g *errgroup.Group,
	tenantID string,
) error {
	logger := loggingx.WithPrefix(d.logger(), "[%s] ", tenantID)
	counter := backoff.Counter{Strategy: d.pollBackoff()}
	n := d.batchSize()

	for {
		ready, err := d.Queue.DequeueReady(ctx, tenantID, n)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			mlog.LogSystem(
				logger,
				d.Coordinator.NodeID,
				"unable to dequeue continuations: %s",
				err,
			)

			if err := counter.Sleep(ctx, err); err != nil {
				return err
			}

			continue
		}

		counter.Reset()
		busy := false

		for _, c := range ready {
			if !d.Semaphore.TryAcquire() {
				// The rest of the batch is dequeued again once a worker is
				// free, as it may have been leased or cancelled meanwhile.
				if err := d.Semaphore.Acquire(ctx); err != nil {
					return err
				}

				d.Semaphore.Release()
				busy = true

				break
			}

			d.observe(c, Queued)

			l, ok, err := d.Coordinator.Acquire(ctx, c)
			if !ok || err != nil {
				d.Semaphore.Release()

				if ctx.Err() != nil {
					return ctx.Err()
				}

				if err != nil {
					mlog.LogSystem(
						logger,
						d.Coordinator.NodeID,
						"unable to lease continuation %s: %s",
						mlog.FormatID(c.ID),
						err,
					)
				}

				continue
			}

			c := c // capture loop variable

			g.Go(func() error {
				defer d.Semaphore.Release()
				d.dispatch(ctx, logger, c, l)
				return nil
			})
		}

		if !busy && len(ready) < n {
			if err := d.Queue.Wait(ctx, d.pollInterval()); err != nil {
				return err
			}
		}
	}
}

// dispatch executes a single leased continuation.
func (d *Dispatcher) dispatch(
	ctx context.Context,
	logger logging.Logger,
	c continuation.Descriptor,
	l persistence.Lease,
) {
	defer func() {
		cctx, cancel := cleanupContext(ctx)
		defer cancel()

		if err := d.Coordinator.Release(cctx, l); err != nil {
			logging.Log(
				logger,
				"unable to release lease of continuation %s: %s",
				c.ID,
				err,
			)
		}
	}()

	// The continuation may have changed between being dequeued and leased.
	x, ok, err := d.Queue.Load(ctx, c.TenantID, c.ID)
	if err != nil {
		if ctx.Err() == nil {
			logging.Log(logger, "unable to load continuation %s: %s", c.ID, err)
		}
		d.observe(c, Interrupted)
		return
	}

	if !ok || x.Revision != c.Revision {
		d.observe(c, Superseded)
		return
	}

	d.observe(c, Leased)

	// Follow-ups remain leased to this node until the entity lock is
	// released, so none of them is dispatched while the lock is still held.
	var held []persistence.Lease
	defer func() {
		d.releaseFollowUps(ctx, logger, held)
	}()

	h, err := d.Locks.Acquire(ctx, c.Key(), d.lockTimeout())
	if err != nil {
		if ctx.Err() != nil {
			d.observe(c, Interrupted)
			return
		}

		if !isUnavailable(err) {
			logging.Log(
				logger,
				"unable to acquire lock of %s: %s",
				c.Key(),
				err,
			)
		}

		d.deferContinuation(ctx, logger, c, err)
		return
	}

	defer func() {
		cctx, cancel := cleanupContext(ctx)
		defer cancel()

		if err := d.Locks.Release(cctx, h); err != nil {
			logging.Log(
				logger,
				"unable to release lock of %s: %s",
				h.Key,
				err,
			)
		}
	}()

	d.observe(c, Locked)
	mlog.LogDispatch(logger, c, d.Coordinator.NodeID)

	out, followUps := d.execute(ctx, logger, c, &l, h, &held)

	switch out.Kind {
	case retry.Committed:
		for _, f := range followUps {
			mlog.LogEnqueue(logger, f)
		}

		mlog.LogComplete(logger, out.Continuation, len(followUps))
		d.observe(out.Continuation, Committed)

	case retry.RolledBackFatal:
		d.park(ctx, logger, out)

	default:
		switch out.Reason {
		case retry.Superseded:
			mlog.LogSuperseded(logger, out.Continuation, out.Cause)
			d.observe(out.Continuation, Superseded)
			return

		case retry.Cancelled:
			mlog.LogCancel(logger, out.Continuation)
			d.observe(out.Continuation, Cancelled)
			return
		}

		logging.Debug(
			logger,
			"execution of continuation %s was interrupted: %s",
			c.ID,
			out.Cause,
		)
		d.observe(out.Continuation, Interrupted)
	}
}

// execute runs the unit of work for c while keeping its lease and lock alive.
//
// It returns the outcome and the follow-up continuations enqueued by the
// final attempt. The leases of follow-ups enqueued by any attempt are added
// to held.
func (d *Dispatcher) execute(
	ctx context.Context,
	logger logging.Logger,
	c continuation.Descriptor,
	l *persistence.Lease,
	h *locktable.Handle,
	held *[]persistence.Lease,
) (retry.Outcome, []continuation.Descriptor) {
	// The heartbeat modifies h as the lock is renewed, so the fencing
	// assertion uses a copy taken before it starts.
	fence := *h

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hctx, stop := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)

		err := d.Coordinator.Heartbeat(
			hctx,
			l,
			func(ctx context.Context) error {
				return d.Locks.Renew(ctx, h)
			},
		)

		if hctx.Err() == nil {
			logging.Log(
				logger,
				"lost ownership of continuation %s, abandoning execution: %s",
				c.ID,
				err,
			)
			cancel()
		}
	}()

	var followUps []continuation.Descriptor

	e := *d.Executor
	e.Journal = observedJournal{
		e.Journal,
		func(x continuation.Descriptor) {
			d.observe(x, Retrying)
		},
	}

	out := e.Execute(
		ctx,
		c,
		d.policy(c.TenantID),
		func(
			ctx context.Context,
			tx persistence.ManagedTransaction,
			x continuation.Descriptor,
		) error {
			d.observe(x, Executing)

			// The assertion is added first so that a lost lock is reported in
			// preference to any conflict caused by the interpreter.
			d.Locks.Fence(tx, &fence)

			next, err := d.Interpreter(ctx, tx, x)
			if err != nil {
				return err
			}

			followUps = followUps[:0]

			for _, n := range next {
				if n.TenantID == "" {
					n.TenantID = x.TenantID
				}

				f, err := d.Queue.Enqueue(tx, n)
				if err != nil {
					return err
				}

				if err := d.leaseFollowUp(ctx, held, f); err != nil {
					return err
				}

				followUps = append(followUps, f)
			}

			tx.RemoveContinuation(x)

			return nil
		},
	)

	stop()
	<-done

	return out, followUps
}

// leaseFollowUp leases the follow-up continuation f to this node before the
// transaction that enqueues it commits.
//
// A lease already held for f by an earlier attempt is renewed.
func (d *Dispatcher) leaseFollowUp(
	ctx context.Context,
	held *[]persistence.Lease,
	f continuation.Descriptor,
) error {
	var x *persistence.Lease

	for i := range *held {
		if (*held)[i].TenantID == f.TenantID && (*held)[i].ContinuationID == f.ID {
			x = &(*held)[i]
			break
		}
	}

	if x != nil {
		err := d.Coordinator.Renew(ctx, x)
		if !errors.Is(err, cluster.ErrLeaseLost) {
			return err
		}
	}

	l, ok, err := d.Coordinator.Acquire(ctx, f)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("follow-up continuation %s is leased by another node", f.ID)
	}

	if x != nil {
		*x = l
	} else {
		*held = append(*held, l)
	}

	return nil
}

// releaseFollowUps releases the leases of follow-up continuations once the
// lock of their parent's entity has been released, and wakes the poller so
// that they are dispatched without waiting for the next poll.
func (d *Dispatcher) releaseFollowUps(
	ctx context.Context,
	logger logging.Logger,
	held []persistence.Lease,
) {
	if len(held) == 0 {
		return
	}

	cctx, cancel := cleanupContext(ctx)
	defer cancel()

	for _, l := range held {
		if err := d.Coordinator.Release(cctx, l); err != nil {
			logging.Log(
				logger,
				"unable to release lease of follow-up continuation %s: %s",
				l.ContinuationID,
				err,
			)
		}
	}

	d.Queue.Notify()
}

// park records a continuation that failed permanently as an incident, and
// reports the incident.
func (d *Dispatcher) park(
	ctx context.Context,
	logger logging.Logger,
	out retry.Outcome,
) {
	c := out.Continuation

	cctx, cancel := cleanupContext(ctx)
	defer cancel()

	i, err := d.Queue.Park(
		cctx,
		c,
		continuation.NewIncident(
			out.Reason.IncidentKind(),
			c,
			out.Cause,
			d.now(),
		),
	)
	if err != nil {
		if persistence.IsSuperseded(err, c.TenantID, c.ID) {
			mlog.LogSuperseded(logger, c, err)
			d.observe(c, Superseded)
			return
		}

		logging.Log(
			logger,
			"unable to park continuation %s: %s",
			c.ID,
			err,
		)
		d.observe(c, Interrupted)

		return
	}

	mlog.LogPark(logger, i)
	d.observe(c, Parked)

	if d.Incidents == nil {
		return
	}

	if _, err := d.Incidents.Report(ctx, i); err != nil {
		logging.Log(
			logger,
			"unable to report incident for continuation %s, it will be redelivered: %s",
			c.ID,
			err,
		)
	}
}

// deferContinuation returns c to the queue without consuming an attempt
// because its entity lock could not be acquired.
func (d *Dispatcher) deferContinuation(
	ctx context.Context,
	logger logging.Logger,
	c continuation.Descriptor,
	cause error,
) {
	delay := d.contentionBackoff()(cause, 0)

	if _, err := d.Queue.Defer(ctx, c, delay); err != nil {
		if persistence.IsSuperseded(err, c.TenantID, c.ID) {
			d.observe(c, Superseded)
			return
		}

		logging.Log(
			logger,
			"unable to defer continuation %s: %s",
			c.ID,
			err,
		)
		d.observe(c, Interrupted)

		return
	}

	mlog.LogDefer(logger, c, cause, delay)
	d.observe(c, Deferred)
}

func (d *Dispatcher) observe(c continuation.Descriptor, s State) {
	if d.Observer != nil {
		d.Observer(c, s)
	}
}

func (d *Dispatcher) policy(tenantID string) retry.Policy {
	if d.Policies != nil {
		return d.Policies(tenantID)
	}

	return retry.Policy{}
}

func (d *Dispatcher) logger() logging.Logger {
	if d.Logger != nil {
		return d.Logger
	}

	return logging.DefaultLogger
}

func (d *Dispatcher) lockTimeout() time.Duration {
	if d.LockTimeout > 0 {
		return d.LockTimeout
	}

	return DefaultLockTimeout
}

func (d *Dispatcher) pollInterval() time.Duration {
	if d.PollInterval > 0 {
		return d.PollInterval
	}

	return DefaultPollInterval
}

func (d *Dispatcher) batchSize() int {
	if d.BatchSize > 0 {
		return d.BatchSize
	}

	return DefaultBatchSize
}

func (d *Dispatcher) contentionBackoff() backoff.Strategy {
	if d.ContentionBackoff != nil {
		return d.ContentionBackoff
	}

	return DefaultContentionBackoff
}

func (d *Dispatcher) pollBackoff() backoff.Strategy {
	return DefaultPollBackoff
}

func (d *Dispatcher) now() time.Time {
	if d.Executor != nil && d.Executor.Now != nil {
		return d.Executor.Now()
	}

	return time.Now()
}

// observedJournal is a retry.Journal that notifies fn of each continuation
// that is rescheduled.
type observedJournal struct {
	retry.Journal
	fn func(continuation.Descriptor)
}

func (j observedJournal) Reschedule(
	ctx context.Context,
	d continuation.Descriptor,
	delay time.Duration,
	a continuation.Attempt,
) (continuation.Descriptor, error) {
	x, err := j.Journal.Reschedule(ctx, d, delay, a)
	if err == nil {
		j.fn(x)
	}

	return x, err
}

// cleanupContext returns a context for releasing resources that is not
// canceled when ctx is canceled.
func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

// isUnavailable returns true if err indicates lock contention rather than a
// failure of the lock table.
func isUnavailable(err error) bool {
	return errors.Is(err, locktable.ErrLockUnavailable)
}
