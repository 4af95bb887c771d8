package incident

import (
	"context"
	"errors"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/linger"
	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/persistence"
	"go.uber.org/multierr"
)

// DefaultRelayInterval is the default interval at which a Relay redelivers
// unreported incidents.
var DefaultRelayInterval = 10 * time.Second

// DefaultRelayBatchSize is the default number of unreported incidents loaded
// at once.
var DefaultRelayBatchSize = 100

// Relay delivers incidents to a sink and records their delivery, so that
// incidents that could not be delivered are redelivered later.
type Relay struct {
	// DataStore is the data-store that holds the incidents.
	DataStore persistence.DataStore

	// Sink is the target for the incidents.
	Sink Sink

	// Interval is the interval at which unreported incidents are redelivered.
	// If it is non-positive, DefaultRelayInterval is used.
	Interval time.Duration

	// BatchSize is the maximum number of incidents to load at once. If it is
	// non-positive, DefaultRelayBatchSize is used.
	BatchSize int

	// Logger is the target for log messages about delivery failures.
	// If it is nil, logging.DefaultLogger is used.
	Logger logging.Logger
}

// Report delivers i to the sink and marks it as reported.
//
// It returns the incident as persisted.
func (r *Relay) Report(
	ctx context.Context,
	i continuation.Incident,
) (continuation.Incident, error) {
	if i.Reported {
		return i, nil
	}

	if err := r.Sink.Report(ctx, i); err != nil {
		return i, err
	}

	i.Reported = true

	err := r.DataStore.Persist(
		ctx,
		persistence.Batch{
			persistence.SaveIncident{Incident: i},
		},
	)

	var conflict persistence.ConflictError
	if errors.As(err, &conflict) {
		// The incident has been discarded or reported by another node.
		return i, nil
	}

	if err != nil {
		return i, err
	}

	i.Revision++

	return i, nil
}

// Flush delivers all unreported incidents.
//
// An incident that the sink rejects is logged and left unreported, and the
// remaining incidents are still delivered. It returns the number of incidents
// delivered, and the errors of any that were not.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	n := r.BatchSize
	if n <= 0 {
		n = DefaultRelayBatchSize
	}

	count := 0
	var errs error

	for {
		incidents, err := r.DataStore.LoadUnreportedIncidents(ctx, n)
		if err != nil {
			return count, multierr.Append(errs, err)
		}

		delivered := 0

		for _, i := range incidents {
			if _, err := r.Report(ctx, i); err != nil {
				if ctx.Err() != nil {
					return count, multierr.Append(errs, err)
				}

				logging.Log(
					r.Logger,
					"unable to deliver incident for continuation %s: %s",
					i.ContinuationID(),
					err,
				)

				errs = multierr.Append(errs, err)

				continue
			}

			delivered++
		}

		count += delivered

		// Undelivered incidents are loaded again by the next batch, so a
		// batch that delivers nothing ends the flush.
		if len(incidents) < n || delivered == 0 {
			return count, errs
		}
	}
}

// Run delivers unreported incidents at the relay interval until ctx is
// canceled.
func (r *Relay) Run(ctx context.Context) error {
	d := r.Interval
	if d <= 0 {
		d = DefaultRelayInterval
	}

	for {
		if _, err := r.Flush(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			logging.Log(
				r.Logger,
				"unable to deliver incidents: %s",
				err,
			)
		}

		if err := linger.Sleep(ctx, d); err != nil {
			return err
		}
	}
}
