package dispatcher

import (
	"fmt"

	"github.com/procflow/continuum/continuation"
)

// State is the state of a continuation as it moves through a dispatcher.
type State int

const (
	// Queued indicates that the continuation has been dequeued and is about
	// to be leased.
	Queued State = iota + 1

	// Leased indicates that this node holds the continuation's lease.
	Leased

	// Locked indicates that this node holds the lock of the continuation's
	// entity.
	Locked

	// Executing indicates that an attempt of the continuation's unit of work
	// has started.
	Executing

	// Retrying indicates that an attempt failed with a retryable error and
	// the continuation will be attempted again after a delay.
	Retrying

	// Committed indicates that the unit of work succeeded and the
	// continuation has been removed from the queue.
	Committed

	// Parked indicates that the continuation failed permanently and has been
	// recorded as an incident.
	Parked

	// Deferred indicates that the continuation could not be executed because
	// its entity was locked, and has been returned to the queue without
	// consuming an attempt.
	Deferred

	// Superseded indicates that the continuation is now owned by another
	// node, or was modified while this node was executing it.
	Superseded

	// Interrupted indicates that execution stopped before an outcome was
	// reached, typically because the node is shutting down. The continuation
	// remains queued.
	Interrupted

	// Cancelled indicates that the continuation was cancelled while it was
	// waiting to retry a failed attempt.
	Cancelled
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Leased:
		return "leased"
	case Locked:
		return "locked"
	case Executing:
		return "executing"
	case Retrying:
		return "retrying"
	case Committed:
		return "committed"
	case Parked:
		return "parked"
	case Deferred:
		return "deferred"
	case Superseded:
		return "superseded"
	case Interrupted:
		return "interrupted"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal returns true if the dispatcher stops tracking a continuation once
// it enters this state.
func (s State) Terminal() bool {
	switch s {
	case Committed, Parked, Deferred, Superseded, Interrupted, Cancelled:
		return true
	default:
		return false
	}
}

// Observer is notified each time a continuation changes state.
//
// It is called from many goroutines and must be safe for concurrent use.
type Observer func(d continuation.Descriptor, s State)
