package incident

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/internal/mlog"
)

// Sink is the external collaborator that incidents are reported to.
//
// Delivery is at-least-once. Implementations must tolerate duplicate reports
// of the same incident.
type Sink interface {
	Report(ctx context.Context, i continuation.Incident) error
}

// SinkFunc is an adaptor to allow the use of an ordinary function as a Sink.
type SinkFunc func(ctx context.Context, i continuation.Incident) error

// Report calls fn(ctx, i).
func (fn SinkFunc) Report(ctx context.Context, i continuation.Incident) error {
	return fn(ctx, i)
}

// LogSink is a Sink that writes incidents, including their attempt history,
// to a logger.
type LogSink struct {
	// Logger is the target for the incident reports.
	// If it is nil, logging.DefaultLogger is used.
	Logger logging.Logger
}

// Report logs i.
func (s LogSink) Report(_ context.Context, i continuation.Incident) error {
	mlog.LogPark(s.Logger, i)

	for _, a := range i.Continuation.History {
		logging.Log(
			s.Logger,
			"  attempt %d: %s -> %s: %s%s",
			a.Number,
			a.StartedAt.Format(time.RFC3339Nano),
			a.EndedAt.Format(time.RFC3339Nano),
			a.Cause,
			transientSuffix(a),
		)
	}

	logging.Log(s.Logger, "  hint: %s", i.RecoveryHint)

	return nil
}

func transientSuffix(a continuation.Attempt) string {
	if a.Retryable {
		return " (transient)"
	}

	return ""
}

// Deduplicator is a Sink that forwards each distinct incident to another sink
// only once.
//
// Incidents are identified by their tenant, continuation ID and creation time,
// so a continuation that is re-enqueued and parked again is reported again.
type Deduplicator struct {
	// Next is the sink that receives the distinct incidents.
	Next Sink

	m    sync.Mutex
	seen map[string]struct{}
}

// Report forwards i to the next sink if it has not already been reported
// successfully.
func (d *Deduplicator) Report(ctx context.Context, i continuation.Incident) error {
	k := identity(i)

	d.m.Lock()
	defer d.m.Unlock()

	if _, ok := d.seen[k]; ok {
		return nil
	}

	if err := d.Next.Report(ctx, i); err != nil {
		return err
	}

	if d.seen == nil {
		d.seen = map[string]struct{}{}
	}

	d.seen[k] = struct{}{}

	return nil
}

// identity returns a string that uniquely identifies i.
func identity(i continuation.Incident) string {
	return strings.Join(
		[]string{
			i.TenantID(),
			i.ContinuationID(),
			fmt.Sprint(i.CreatedAt.UnixNano()),
		},
		"\x00",
	)
}
