package semaphore

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Semaphore limits the number of continuations that a node executes
// concurrently.
//
// The zero-value imposes no limit.
type Semaphore struct {
	n   int
	sem *semaphore.Weighted
}

// New returns a semaphore that allows n continuations to execute
// concurrently. If n is non-positive there is no limit.
func New(n int) Semaphore {
	if n <= 0 {
		return Semaphore{}
	}

	return Semaphore{
		n,
		semaphore.NewWeighted(int64(n)),
	}
}

// Limit returns the number of continuations that can execute concurrently.
//
// It returns 0 if there is no limit.
func (s *Semaphore) Limit() int {
	if s.sem == nil {
		return 0
	}

	return s.n
}

// Acquire blocks until it is ok for the caller to execute a continuation, or
// until ctx is canceled.
func (s *Semaphore) Acquire(ctx context.Context) error {
	if s.sem == nil {
		return ctx.Err()
	}

	return s.sem.Acquire(ctx, 1)
}

// TryAcquire acquires a slot without blocking. It returns false if all slots
// are in use.
func (s *Semaphore) TryAcquire() bool {
	if s.sem == nil {
		return true
	}

	return s.sem.TryAcquire(1)
}

// Release signals that the execution of a continuation has completed.
func (s *Semaphore) Release() {
	if s.sem != nil {
		s.sem.Release(1)
	}
}
