package persistence

import (
	"context"
	"errors"
	"fmt"
)

// ConflictError is an error indicating one or more operations within a batch
// caused an optimistic concurrency conflict.
type ConflictError struct {
	// Cause is the operation that caused the conflict.
	Cause Operation
}

func (e ConflictError) Error() string {
	return fmt.Sprintf(
		"optimistic concurrency conflict in %T operation",
		e.Cause,
	)
}

// Retryable returns true. Conflicts are resolved by re-reading the current
// state and attempting the operation again.
func (e ConflictError) Retryable() bool {
	return true
}

// TransientError is an error indicating that the data store failed in a way
// that is expected to resolve itself, such as a deadlock, a serialization
// failure or a busy database file.
type TransientError struct {
	Cause error
}

// Transient marks err as a transient failure. It returns nil if err is nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return TransientError{err}
}

func (e TransientError) Error() string {
	return "transient persistence failure: " + e.Cause.Error()
}

// Unwrap returns the underlying cause.
func (e TransientError) Unwrap() error {
	return e.Cause
}

// Retryable returns true.
func (e TransientError) Retryable() bool {
	return true
}

// IsRetryable returns true if err is in the retryable category.
//
// An error is retryable if it (or any error it wraps) has a Retryable() method
// that returns true, or if it is a context deadline. Deadlines are retryable
// because a unit of work that exceeds its per-attempt timeout is treated as
// transient contention.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) && r.Retryable() {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}

// IsSuperseded returns true if err indicates that the continuation identified
// by tenantID and id is no longer owned by the caller, either because its
// entity lock was reassigned or because the continuation itself was modified
// by another node.
//
// A superseded unit of work must not be retried; the continuation's current
// owner is responsible for it.
func IsSuperseded(err error, tenantID, id string) bool {
	var c ConflictError
	if !errors.As(err, &c) {
		return false
	}

	switch op := c.Cause.(type) {
	case AssertLock:
		return true
	case RemoveContinuation:
		return op.Continuation.TenantID == tenantID && op.Continuation.ID == id
	case SaveContinuation:
		return op.Continuation.TenantID == tenantID && op.Continuation.ID == id
	default:
		return false
	}
}
