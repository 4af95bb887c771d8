package locktable

import (
	"context"
	"sync"
	"time"

	"github.com/dogmatiq/linger"
	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/persistence"
)

// Local is an in-process Table.
//
// It is only suitable for single-node deployments, or when every node that
// can mutate the same entities runs within the same process. Local locks never
// expire; they are released when the process exits.
type Local struct {
	// HolderID identifies this table as the holder of its locks.
	HolderID string

	// Now returns the current time. If it is nil, time.Now() is used.
	Now func() time.Time

	m      sync.Mutex
	locks  map[continuation.EntityKey]*localLock
	tokens uint64
}

// localLock is a per-key lock.
type localLock struct {
	guard   chan struct{} // buffered guard, write = lock, read = unlock
	lockers int           // number of pending or successful acquisitions
	token   uint64        // token of the current holder, zero if unlocked
}

// Acquire acquires the lock for k.
func (t *Local) Acquire(
	ctx context.Context,
	k continuation.EntityKey,
	timeout time.Duration,
) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	parent := ctx
	ctx, cancel := linger.ContextWithTimeout(ctx, timeout)
	defer cancel()

	l := t.get(k)

	select {
	case <-ctx.Done():
		t.m.Lock()
		t.drop(k, l)
		t.m.Unlock()

		return nil, unavailable(parent, ctx, k, timeout)

	case l.guard <- struct{}{}:
		return t.handle(k, l), nil
	}
}

// TryAcquire acquires the lock for k only if it is not currently held.
func (t *Local) TryAcquire(
	ctx context.Context,
	k continuation.EntityKey,
) (*Handle, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	l := t.get(k)

	select {
	case l.guard <- struct{}{}:
		return t.handle(k, l), true, nil
	default:
		t.m.Lock()
		t.drop(k, l)
		t.m.Unlock()

		return nil, false, nil
	}
}

// Release releases the lock represented by h.
func (t *Local) Release(_ context.Context, h *Handle) error {
	t.m.Lock()
	defer t.m.Unlock()

	l, ok := t.locks[h.Key]
	if !ok || l.token != h.Token {
		return nil
	}

	l.token = 0
	<-l.guard
	t.drop(h.Key, l)

	return nil
}

// Renew returns ErrLockLost if h has been released. Local locks never expire,
// so there is nothing to extend.
func (t *Local) Renew(_ context.Context, h *Handle) error {
	t.m.Lock()
	defer t.m.Unlock()

	if l, ok := t.locks[h.Key]; ok && l.token == h.Token {
		return nil
	}

	return ErrLockLost
}

// Fence does nothing. Local locks can not be lost while the process is
// running, so there is no persisted state to assert against.
func (t *Local) Fence(persistence.ManagedTransaction, *Handle) {}

// get returns the lock for k, creating it if necessary, and registers the
// caller as a locker.
func (t *Local) get(k continuation.EntityKey) *localLock {
	t.m.Lock()
	defer t.m.Unlock()

	if t.locks == nil {
		t.locks = map[continuation.EntityKey]*localLock{}
	}

	l, ok := t.locks[k]
	if !ok {
		l = &localLock{
			guard: make(chan struct{}, 1),
		}
		t.locks[k] = l
	}

	l.lockers++

	return l
}

// handle records a successful acquisition of l and returns its handle.
func (t *Local) handle(k continuation.EntityKey, l *localLock) *Handle {
	t.m.Lock()
	defer t.m.Unlock()

	t.tokens++
	l.token = t.tokens

	return &Handle{
		Key:        k,
		HolderID:   t.HolderID,
		Token:      l.token,
		AcquiredAt: t.now(),
	}
}

// drop removes the caller from the locker count of l, removing l from the map
// when there are no other lockers. t.m must be held.
func (t *Local) drop(k continuation.EntityKey, l *localLock) {
	l.lockers--

	if l.lockers == 0 {
		delete(t.locks, k)
	}
}

func (t *Local) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}

	return time.Now()
}
