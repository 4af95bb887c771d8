package incident_test

import (
	"context"
	"errors"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/procflow/continuum/continuation"
	. "github.com/procflow/continuum/incident"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func newIncident(id string, createdAt time.Time) continuation.Incident {
	d := continuation.Descriptor{
		ID:          id,
		TenantID:    "t1",
		EntityType:  "Process",
		EntityID:    "42",
		MaxAttempts: 2,
	}

	d = d.WithFailure(continuation.Attempt{
		Number:    1,
		StartedAt: createdAt,
		EndedAt:   createdAt,
		Cause:     "<conflict>",
		Retryable: true,
	})

	d = d.WithFailure(continuation.Attempt{
		Number:    2,
		StartedAt: createdAt,
		EndedAt:   createdAt,
		Cause:     "<conflict>",
		Retryable: true,
	})

	return continuation.NewIncident(
		continuation.IncidentExhausted,
		d,
		errors.New("<conflict>"),
		createdAt,
	)
}

var _ = Describe("type LogSink", func() {
	It("logs the incident and its attempt history", func() {
		logger := &logging.BufferedLogger{}
		sink := LogSink{Logger: logger}

		i := newIncident("<id>", time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC))

		err := sink.Report(context.Background(), i)
		Expect(err).ShouldNot(HaveOccurred())

		Expect(logger.Messages()).To(Equal([]logging.BufferedLogMessage{
			{Message: "= <id>  ∴ t1/Process/42  # 2/2  ⊘ ✖  exhausted ● <conflict>"},
			{Message: "  attempt 1: 2020-01-02T03:04:05Z -> 2020-01-02T03:04:05Z: <conflict> (transient)"},
			{Message: "  attempt 2: 2020-01-02T03:04:05Z -> 2020-01-02T03:04:05Z: <conflict> (transient)"},
			{Message: "  hint: " + continuation.IncidentExhausted.RecoveryHint()},
		}))
	})
})

var _ = Describe("type Deduplicator", func() {
	var (
		ctx      context.Context
		reported []continuation.Incident
		fail     error
		dedup    *Deduplicator
	)

	BeforeEach(func() {
		ctx = context.Background()
		reported = nil
		fail = nil

		dedup = &Deduplicator{
			Next: SinkFunc(func(_ context.Context, i continuation.Incident) error {
				if fail != nil {
					return fail
				}

				reported = append(reported, i)
				return nil
			}),
		}
	})

	It("forwards each incident only once", func() {
		i := newIncident("<id>", time.Now())

		err := dedup.Report(ctx, i)
		Expect(err).ShouldNot(HaveOccurred())

		err = dedup.Report(ctx, i)
		Expect(err).ShouldNot(HaveOccurred())

		Expect(reported).To(HaveLen(1))
	})

	It("forwards incidents for different continuations", func() {
		now := time.Now()

		err := dedup.Report(ctx, newIncident("<id-1>", now))
		Expect(err).ShouldNot(HaveOccurred())

		err = dedup.Report(ctx, newIncident("<id-2>", now))
		Expect(err).ShouldNot(HaveOccurred())

		Expect(reported).To(HaveLen(2))
	})

	It("forwards a later incident for the same continuation", func() {
		now := time.Now()

		err := dedup.Report(ctx, newIncident("<id>", now))
		Expect(err).ShouldNot(HaveOccurred())

		err = dedup.Report(ctx, newIncident("<id>", now.Add(time.Second)))
		Expect(err).ShouldNot(HaveOccurred())

		Expect(reported).To(HaveLen(2))
	})

	It("forwards the incident again if the first delivery failed", func() {
		i := newIncident("<id>", time.Now())

		fail = errors.New("<error>")
		err := dedup.Report(ctx, i)
		Expect(err).To(MatchError("<error>"))

		fail = nil
		err = dedup.Report(ctx, i)
		Expect(err).ShouldNot(HaveOccurred())

		Expect(reported).To(HaveLen(1))
	})
})
