package retry

import (
	"context"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/linger"
	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/internal/mlog"
	"github.com/procflow/continuum/persistence"
)

// Work is a unit of work executed within a transaction.
//
// d is the current state of the continuation being executed; its revision
// changes between attempts as failures are recorded.
type Work func(
	ctx context.Context,
	tx persistence.ManagedTransaction,
	d continuation.Descriptor,
) error

// Journal records failed attempts between retries, so that a retry that
// survives a process restart resumes from the correct attempt count.
type Journal interface {
	// Reschedule records a failed attempt of d and makes d visible for
	// dispatch again after delay. It returns the persisted descriptor.
	Reschedule(
		ctx context.Context,
		d continuation.Descriptor,
		delay time.Duration,
		a continuation.Attempt,
	) (continuation.Descriptor, error)

	// Resume records that d is no longer waiting to retry, immediately before
	// its next attempt. It returns false if d was cancelled while waiting.
	Resume(
		ctx context.Context,
		d continuation.Descriptor,
	) (continuation.Descriptor, bool, error)
}

// Executor executes units of work within transactions, retrying them after
// retryable failures.
//
// It holds no state between calls to Execute(). All retry bookkeeping is kept
// in the continuation descriptor.
type Executor struct {
	// Boundary is the transaction boundary within which units of work are
	// executed.
	Boundary persistence.Boundary

	// Journal records failed attempts between retries.
	Journal Journal

	// Sleep blocks for the given duration or until ctx is canceled. If it is
	// nil, linger.Sleep() is used.
	Sleep func(ctx context.Context, d time.Duration) error

	// Now returns the current time. If it is nil, time.Now() is used.
	Now func() time.Time

	// Logger is the target for log messages about retries.
	// If it is nil, logging.DefaultLogger is used.
	Logger logging.Logger
}

// Execute executes w for the continuation d.
//
// Retryable failures are retried after a delay computed from p, until d's
// retry budget is exhausted. No delay is applied before the first attempt.
// Any other failure is fatal and is not retried. A continuation that is
// cancelled while waiting to retry is not attempted again.
func (e *Executor) Execute(
	ctx context.Context,
	d continuation.Descriptor,
	p Policy,
	w Work,
) Outcome {
	for {
		if d.Waiting() {
			x, ok, err := e.Journal.Resume(ctx, d)
			if err != nil {
				return e.journalFailure(d, err)
			}

			if !ok {
				return Outcome{
					Kind:         RolledBackRetryable,
					Reason:       Cancelled,
					Continuation: d,
				}
			}

			d = x
		}

		started := e.now()
		err := e.attempt(ctx, d, p, w)

		if err == nil {
			return Outcome{
				Kind:         Committed,
				Continuation: d,
			}
		}

		if ctx.Err() != nil {
			return Outcome{
				Kind:         RolledBackRetryable,
				Reason:       Interrupted,
				Cause:        err,
				Continuation: d,
			}
		}

		if persistence.IsSuperseded(err, d.TenantID, d.ID) {
			return Outcome{
				Kind:         RolledBackRetryable,
				Reason:       Superseded,
				Cause:        err,
				Continuation: d,
			}
		}

		retryable := persistence.IsRetryable(err)

		a := continuation.Attempt{
			Number:    d.AttemptCount + 1,
			StartedAt: started,
			EndedAt:   e.now(),
			Cause:     err.Error(),
			Retryable: retryable,
		}

		if !retryable {
			return Outcome{
				Kind:         RolledBackFatal,
				Reason:       Defect,
				Cause:        err,
				Continuation: d.WithFailure(a),
			}
		}

		if a.Number >= d.MaxAttempts {
			return Outcome{
				Kind:         RolledBackFatal,
				Reason:       Exhausted,
				Cause:        err,
				Continuation: d.WithFailure(a),
			}
		}

		delay := p.Delay(d.AttemptCount)

		mlog.LogRetry(e.Logger, d, a, delay)

		x, err := e.Journal.Reschedule(ctx, d, delay, a)
		if err != nil {
			return e.journalFailure(d, err)
		}

		d = x

		if err := e.sleep(ctx, delay); err != nil {
			return Outcome{
				Kind:         RolledBackRetryable,
				Reason:       Interrupted,
				Cause:        err,
				Continuation: d,
			}
		}
	}
}

// journalFailure returns the outcome of a failure to record the state of d
// between attempts.
func (e *Executor) journalFailure(d continuation.Descriptor, err error) Outcome {
	r := Interrupted
	if persistence.IsSuperseded(err, d.TenantID, d.ID) {
		r = Superseded
	}

	return Outcome{
		Kind:         RolledBackRetryable,
		Reason:       r,
		Cause:        err,
		Continuation: d,
	}
}

// attempt executes w once, within its own transaction.
func (e *Executor) attempt(
	ctx context.Context,
	d continuation.Descriptor,
	p Policy,
	w Work,
) error {
	ctx, cancel := linger.ContextWithTimeout(ctx, p.AttemptTimeout)
	defer cancel()

	tx, err := e.Boundary.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback() // nolint:errcheck

	if err := w(ctx, tx, d); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}

	return linger.Sleep(ctx, d)
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}

	return time.Now()
}
