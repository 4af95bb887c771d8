package continuation

import (
	"fmt"
	"time"
)

// IncidentKind distinguishes the reason a continuation was parked.
type IncidentKind int

const (
	// IncidentDefect indicates that the unit of work failed with a
	// non-retryable error.
	IncidentDefect IncidentKind = iota + 1

	// IncidentExhausted indicates that the unit of work failed with retryable
	// errors until its retry budget was exhausted.
	IncidentExhausted
)

func (k IncidentKind) String() string {
	switch k {
	case IncidentDefect:
		return "defect"
	case IncidentExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("IncidentKind(%d)", int(k))
	}
}

// RecoveryHint returns a short operator-facing description of how an incident
// of this kind is typically resolved.
func (k IncidentKind) RecoveryHint() string {
	switch k {
	case IncidentDefect:
		return "the unit of work failed with a non-transient error; fix the cause then re-enqueue or cancel the continuation"
	case IncidentExhausted:
		return "the unit of work failed repeatedly with transient errors; check for contention or infrastructure problems then re-enqueue the continuation"
	default:
		return ""
	}
}

// Incident is the terminal state of a continuation that could not be
// completed.
type Incident struct {
	// Kind is the reason the continuation was parked.
	Kind IncidentKind

	// Continuation is a snapshot of the continuation at the time it was
	// parked, including its complete attempt history.
	Continuation Descriptor

	// Cause is a description of the error from the last attempt.
	Cause string

	// RecoveryHint is an operator-facing suggestion for resolving the
	// incident.
	RecoveryHint string

	// CreatedAt is the time at which the continuation was parked.
	CreatedAt time.Time

	// Reported is true once the incident has been delivered to the incident
	// sink.
	Reported bool

	// Revision is the persisted revision of the incident. Zero means it has
	// not been persisted.
	Revision uint64
}

// NewIncident returns a new incident for d.
func NewIncident(
	k IncidentKind,
	d Descriptor,
	cause error,
	now time.Time,
) Incident {
	d.Revision = 0

	return Incident{
		Kind:         k,
		Continuation: d,
		Cause:        cause.Error(),
		RecoveryHint: k.RecoveryHint(),
		CreatedAt:    now,
	}
}

// TenantID returns the ID of the tenant that owns the parked continuation.
func (i Incident) TenantID() string {
	return i.Continuation.TenantID
}

// ContinuationID returns the ID of the parked continuation.
//
// Incidents are identified by the continuation ID; there is at most one
// incident per continuation.
func (i Incident) ContinuationID() string {
	return i.Continuation.ID
}
