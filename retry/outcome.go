package retry

import (
	"fmt"

	"github.com/procflow/continuum/continuation"
)

// Kind is the category of a transaction outcome.
type Kind int

const (
	// Committed indicates that the unit of work succeeded and its transaction
	// was committed.
	Committed Kind = iota + 1

	// RolledBackRetryable indicates that the transaction was rolled back, and
	// the continuation remains queued for a later attempt, is now owned by
	// another node, or was cancelled while waiting to retry.
	RolledBackRetryable

	// RolledBackFatal indicates that the transaction was rolled back and the
	// continuation must be parked.
	RolledBackFatal
)

func (k Kind) String() string {
	switch k {
	case Committed:
		return "committed"
	case RolledBackRetryable:
		return "rolled back (retryable)"
	case RolledBackFatal:
		return "rolled back (fatal)"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Reason describes why a transaction was rolled back.
type Reason int

const (
	// NoReason is the reason of a committed outcome.
	NoReason Reason = iota

	// Exhausted means the unit of work failed with retryable errors until its
	// retry budget was exhausted.
	Exhausted

	// Defect means the unit of work failed with a non-retryable error.
	Defect

	// Superseded means the continuation is now owned by another node, either
	// because its entity lock was reassigned or because the continuation was
	// modified concurrently.
	Superseded

	// Interrupted means execution stopped between attempts, usually because
	// the context was canceled.
	Interrupted

	// Cancelled means the continuation was cancelled while waiting to retry a
	// failed attempt. No further attempts are made.
	Cancelled
)

func (r Reason) String() string {
	switch r {
	case NoReason:
		return "none"
	case Exhausted:
		return "retry budget exhausted"
	case Defect:
		return "defect"
	case Superseded:
		return "superseded"
	case Interrupted:
		return "interrupted"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// IncidentKind returns the kind of incident to raise for a fatal outcome with
// this reason.
func (r Reason) IncidentKind() continuation.IncidentKind {
	if r == Exhausted {
		return continuation.IncidentExhausted
	}

	return continuation.IncidentDefect
}

// Outcome is the result of executing a unit of work. It is never persisted.
type Outcome struct {
	Kind   Kind
	Reason Reason

	// Cause is the error from the last attempt. It is nil if the outcome is
	// Committed.
	Cause error

	// Continuation is the state of the continuation after execution,
	// including the history of every failed attempt.
	Continuation continuation.Descriptor
}

func (o Outcome) String() string {
	if o.Cause == nil {
		return o.Kind.String()
	}

	return fmt.Sprintf("%s: %s: %s", o.Kind, o.Reason, o.Cause)
}
