package locktable

import (
	"context"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"
	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/persistence"
)

// DefaultTTL is the default lifetime of a lock acquired from a Shared table
// that is not renewed.
const DefaultTTL = 30 * time.Second

// DefaultPollStrategy is the default strategy used to delay successive
// attempts to acquire a contended lock.
var DefaultPollStrategy backoff.Strategy = backoff.WithTransforms(
	backoff.Exponential(5*time.Millisecond),
	linger.FullJitter,
	linger.Limiter(time.Millisecond, 250*time.Millisecond),
)

// Shared is a Table whose locks are shared by every node that uses the same
// lock repository.
//
// Each lock is a row with a fencing token and an expiry time. A lock whose
// holder crashes is abandoned once it expires, after which it may be acquired
// by any node.
type Shared struct {
	// Repository is the store of lock records.
	Repository persistence.LockRepository

	// HolderID identifies this table as the holder of its locks. It should be
	// unique to each node.
	HolderID string

	// TTL is the lifetime of a lock that is not renewed. If it is
	// non-positive, DefaultTTL is used.
	TTL time.Duration

	// PollStrategy is the strategy used to delay successive attempts to
	// acquire a contended lock. If it is nil, DefaultPollStrategy is used.
	PollStrategy backoff.Strategy

	// Now returns the current time. If it is nil, time.Now() is used.
	Now func() time.Time

	// Logger is the target for log messages about lock contention.
	// If it is nil, logging.DefaultLogger is used.
	Logger logging.Logger
}

// Acquire acquires the lock for k.
//
// The repository is polled until the lock is acquired or timeout elapses.
func (t *Shared) Acquire(
	ctx context.Context,
	k continuation.EntityKey,
	timeout time.Duration,
) (*Handle, error) {
	parent := ctx
	ctx, cancel := linger.ContextWithTimeout(ctx, timeout)
	defer cancel()

	s := t.PollStrategy
	if s == nil {
		s = DefaultPollStrategy
	}

	counter := backoff.Counter{Strategy: s}
	contended := 0

	for {
		h, ok, err := t.TryAcquire(ctx, k)
		if ok {
			if contended > 0 {
				logging.Debug(
					t.Logger,
					"acquired lock for %s (token %d) after %d contended attempt(s)",
					k,
					h.Token,
					contended,
				)
			}

			return h, nil
		}

		if err != nil {
			if ctx.Err() != nil {
				return nil, unavailable(parent, ctx, k, timeout)
			}

			return nil, err
		}

		contended++

		if err := counter.Sleep(ctx, nil); err != nil {
			return nil, unavailable(parent, ctx, k, timeout)
		}
	}
}

// TryAcquire acquires the lock for k only if it is not currently held.
func (t *Shared) TryAcquire(
	ctx context.Context,
	k continuation.EntityKey,
) (*Handle, bool, error) {
	now := t.now()

	r, ok, err := t.Repository.AcquireLock(
		ctx,
		persistence.LockRecord{
			Key:        k,
			HolderID:   t.HolderID,
			AcquiredAt: now,
			ExpiresAt:  now.Add(t.ttl()),
		},
		now,
	)
	if !ok || err != nil {
		return nil, false, err
	}

	return &Handle{
		Key:        r.Key,
		HolderID:   r.HolderID,
		Token:      r.Token,
		AcquiredAt: r.AcquiredAt,
		ExpiresAt:  r.ExpiresAt,
	}, true, nil
}

// Release releases the lock represented by h.
func (t *Shared) Release(ctx context.Context, h *Handle) error {
	return t.Repository.ReleaseLock(ctx, h.record())
}

// Renew extends the expiry time of the lock represented by h by the TTL.
//
// A lock that has expired but has not been acquired by another holder is
// still renewed.
func (t *Shared) Renew(ctx context.Context, h *Handle) error {
	r := h.record()
	r.ExpiresAt = t.now().Add(t.ttl())

	ok, err := t.Repository.RenewLock(ctx, r)
	if err != nil {
		return err
	}

	if !ok {
		return ErrLockLost
	}

	h.ExpiresAt = r.ExpiresAt

	return nil
}

// Fence adds an assertion to tx that causes it to fail on commit if h is no
// longer the current holder of the lock.
func (t *Shared) Fence(tx persistence.ManagedTransaction, h *Handle) {
	tx.AssertLock(h.record())
}

func (t *Shared) ttl() time.Duration {
	if t.TTL > 0 {
		return t.TTL
	}

	return DefaultTTL
}

func (t *Shared) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}

	return time.Now()
}
