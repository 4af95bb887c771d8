// Package codec marshals continuations and incidents into a compact binary
// representation for storage by persistence providers.
package codec

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/internal/x/timex"
)

// continuationRecord is the CBOR representation of a continuation.Descriptor.
type continuationRecord struct {
	ID           string          `cbor:"1,keyasint"`
	TenantID     string          `cbor:"2,keyasint"`
	EntityType   string          `cbor:"3,keyasint"`
	EntityID     string          `cbor:"4,keyasint"`
	Payload      []byte          `cbor:"5,keyasint"`
	CreatedAt    int64           `cbor:"6,keyasint"`
	ScheduledAt  int64           `cbor:"7,keyasint"`
	AttemptCount int             `cbor:"8,keyasint"`
	MaxAttempts  int             `cbor:"9,keyasint"`
	History      []attemptRecord `cbor:"10,keyasint"`
	Revision     uint64          `cbor:"11,keyasint"`
}

// attemptRecord is the CBOR representation of a continuation.Attempt.
type attemptRecord struct {
	Number    int    `cbor:"1,keyasint"`
	StartedAt int64  `cbor:"2,keyasint"`
	EndedAt   int64  `cbor:"3,keyasint"`
	Cause     string `cbor:"4,keyasint"`
	Retryable bool   `cbor:"5,keyasint"`
}

// incidentRecord is the CBOR representation of a continuation.Incident.
type incidentRecord struct {
	Kind         int                `cbor:"1,keyasint"`
	Continuation continuationRecord `cbor:"2,keyasint"`
	Cause        string             `cbor:"3,keyasint"`
	RecoveryHint string             `cbor:"4,keyasint"`
	CreatedAt    int64              `cbor:"5,keyasint"`
	Reported     bool               `cbor:"6,keyasint"`
	Revision     uint64             `cbor:"7,keyasint"`
}

// MarshalContinuation marshals d to its binary representation.
func MarshalContinuation(d continuation.Descriptor) ([]byte, error) {
	return cbor.Marshal(fromContinuation(d))
}

// UnmarshalContinuation unmarshals a descriptor from its binary
// representation.
func UnmarshalContinuation(data []byte) (continuation.Descriptor, error) {
	var r continuationRecord
	err := cbor.Unmarshal(data, &r)
	return r.toContinuation(), err
}

// MarshalIncident marshals i to its binary representation.
func MarshalIncident(i continuation.Incident) ([]byte, error) {
	return cbor.Marshal(incidentRecord{
		Kind:         int(i.Kind),
		Continuation: fromContinuation(i.Continuation),
		Cause:        i.Cause,
		RecoveryHint: i.RecoveryHint,
		CreatedAt:    timex.ToUnixNano(i.CreatedAt),
		Reported:     i.Reported,
		Revision:     i.Revision,
	})
}

// UnmarshalIncident unmarshals an incident from its binary representation.
func UnmarshalIncident(data []byte) (continuation.Incident, error) {
	var r incidentRecord
	if err := cbor.Unmarshal(data, &r); err != nil {
		return continuation.Incident{}, err
	}

	return continuation.Incident{
		Kind:         continuation.IncidentKind(r.Kind),
		Continuation: r.Continuation.toContinuation(),
		Cause:        r.Cause,
		RecoveryHint: r.RecoveryHint,
		CreatedAt:    timex.FromUnixNano(r.CreatedAt),
		Reported:     r.Reported,
		Revision:     r.Revision,
	}, nil
}

// MarshalHistory marshals an attempt history to its binary representation.
//
// A nil or empty history is represented as nil.
func MarshalHistory(h []continuation.Attempt) ([]byte, error) {
	if len(h) == 0 {
		return nil, nil
	}

	return cbor.Marshal(fromHistory(h))
}

// UnmarshalHistory unmarshals an attempt history from its binary
// representation.
func UnmarshalHistory(data []byte) ([]continuation.Attempt, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var r []attemptRecord
	err := cbor.Unmarshal(data, &r)
	return toHistory(r), err
}

func fromContinuation(d continuation.Descriptor) continuationRecord {
	return continuationRecord{
		ID:           d.ID,
		TenantID:     d.TenantID,
		EntityType:   d.EntityType,
		EntityID:     d.EntityID,
		Payload:      d.Payload,
		CreatedAt:    timex.ToUnixNano(d.CreatedAt),
		ScheduledAt:  timex.ToUnixNano(d.ScheduledAt),
		AttemptCount: d.AttemptCount,
		MaxAttempts:  d.MaxAttempts,
		History:      fromHistory(d.History),
		Revision:     d.Revision,
	}
}

func (r continuationRecord) toContinuation() continuation.Descriptor {
	return continuation.Descriptor{
		ID:           r.ID,
		TenantID:     r.TenantID,
		EntityType:   r.EntityType,
		EntityID:     r.EntityID,
		Payload:      r.Payload,
		CreatedAt:    timex.FromUnixNano(r.CreatedAt),
		ScheduledAt:  timex.FromUnixNano(r.ScheduledAt),
		AttemptCount: r.AttemptCount,
		MaxAttempts:  r.MaxAttempts,
		History:      toHistory(r.History),
		Revision:     r.Revision,
	}
}

func fromHistory(h []continuation.Attempt) []attemptRecord {
	var records []attemptRecord

	for _, a := range h {
		records = append(records, attemptRecord{
			Number:    a.Number,
			StartedAt: timex.ToUnixNano(a.StartedAt),
			EndedAt:   timex.ToUnixNano(a.EndedAt),
			Cause:     a.Cause,
			Retryable: a.Retryable,
		})
	}

	return records
}

func toHistory(records []attemptRecord) []continuation.Attempt {
	var h []continuation.Attempt

	for _, r := range records {
		h = append(h, continuation.Attempt{
			Number:    r.Number,
			StartedAt: timex.FromUnixNano(r.StartedAt),
			EndedAt:   timex.FromUnixNano(r.EndedAt),
			Cause:     r.Cause,
			Retryable: r.Retryable,
		})
	}

	return h
}
