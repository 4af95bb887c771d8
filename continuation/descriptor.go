package continuation

import (
	"errors"
	"fmt"
	"time"
)

// EntityKey identifies the logical entity that a continuation mutates.
//
// It is the unit of mutual exclusion; two continuations with the same key never
// execute concurrently, regardless of whether they are otherwise related.
type EntityKey struct {
	TenantID   string
	EntityType string
	EntityID   string
}

// Validate returns an error if any component of the key is empty.
func (k EntityKey) Validate() error {
	if k.TenantID == "" {
		return errors.New("entity key must have a non-empty tenant ID")
	}

	if k.EntityType == "" {
		return errors.New("entity key must have a non-empty entity type")
	}

	if k.EntityID == "" {
		return errors.New("entity key must have a non-empty entity ID")
	}

	return nil
}

func (k EntityKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.TenantID, k.EntityType, k.EntityID)
}

// Descriptor describes a unit of deferred work that advances one process
// instance by one step.
//
// Descriptors are immutable once enqueued, with the exception of the retry
// bookkeeping (AttemptCount, History and ScheduledAt) which is maintained by
// the kernel, and Revision which is maintained by the persistence layer.
type Descriptor struct {
	// ID uniquely identifies the continuation within its tenant.
	ID string

	// TenantID is the tenant that owns the process instance.
	TenantID string

	// EntityType and EntityID identify the entity mutated by the continuation.
	EntityType string
	EntityID   string

	// Payload is opaque data defined by the process interpreter.
	Payload []byte

	// CreatedAt is the time at which the continuation was first enqueued.
	CreatedAt time.Time

	// ScheduledAt is the earliest time at which the continuation may be
	// dispatched.
	ScheduledAt time.Time

	// AttemptCount is the number of failed execution attempts.
	AttemptCount int

	// MaxAttempts is the retry budget. Once AttemptCount reaches MaxAttempts
	// the continuation is parked as an incident.
	MaxAttempts int

	// History contains an entry for each failed attempt, oldest first.
	History []Attempt

	// Revision is the persisted revision of the descriptor. Zero means it has
	// not been persisted.
	Revision uint64
}

// Key returns the key of the entity that d mutates.
func (d Descriptor) Key() EntityKey {
	return EntityKey{
		TenantID:   d.TenantID,
		EntityType: d.EntityType,
		EntityID:   d.EntityID,
	}
}

// Validate returns an error if d is not well-formed.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return errors.New("continuation must have a non-empty ID")
	}

	if err := d.Key().Validate(); err != nil {
		return fmt.Errorf("continuation %s: %w", d.ID, err)
	}

	if d.MaxAttempts <= 0 {
		return fmt.Errorf("continuation %s: max attempts must be positive", d.ID)
	}

	if d.AttemptCount < 0 || d.AttemptCount > d.MaxAttempts {
		return fmt.Errorf(
			"continuation %s: attempt count %d is outside of the range [0, %d]",
			d.ID,
			d.AttemptCount,
			d.MaxAttempts,
		)
	}

	if len(d.History) != d.AttemptCount {
		return fmt.Errorf(
			"continuation %s: attempt history has %d entries, expected %d",
			d.ID,
			len(d.History),
			d.AttemptCount,
		)
	}

	return nil
}

// Exhausted returns true if d has no remaining attempts.
func (d Descriptor) Exhausted() bool {
	return d.AttemptCount >= d.MaxAttempts
}

// WithFailure returns a copy of d with a failed attempt added to its history.
//
// The attempt count is incremented. The returned descriptor shares no memory
// with d.
func (d Descriptor) WithFailure(a Attempt) Descriptor {
	h := make([]Attempt, len(d.History), len(d.History)+1)
	copy(h, d.History)

	d.History = append(h, a)
	d.AttemptCount++

	return d
}

// Waiting returns true if d is waiting out the delay that follows a failed
// attempt.
//
// A waiting continuation has not begun its next attempt and may be cancelled
// even while it is leased.
func (d Descriptor) Waiting() bool {
	n := len(d.History)
	return n != 0 && d.ScheduledAt.After(d.History[n-1].EndedAt)
}

// Resumed returns a copy of d that is no longer waiting, as recorded
// immediately before its next attempt begins.
func (d Descriptor) Resumed() Descriptor {
	if n := len(d.History); n != 0 {
		d.ScheduledAt = d.History[n-1].EndedAt
	}

	return d
}

// Attempt is a record of a single failed execution attempt.
type Attempt struct {
	// Number is the 1-based attempt number.
	Number int

	// StartedAt and EndedAt bound the execution of the attempt.
	StartedAt time.Time
	EndedAt   time.Time

	// Cause is the description of the error that caused the attempt to fail.
	Cause string

	// Retryable is true if the failure was classified as transient.
	Retryable bool
}
