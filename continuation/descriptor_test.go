package continuation_test

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	. "github.com/procflow/continuum/continuation"
)

var errTest = errors.New("<error>")

var _ = Describe("type Descriptor", func() {
	var desc Descriptor

	BeforeEach(func() {
		desc = Descriptor{
			ID:          "<id>",
			TenantID:    "<tenant>",
			EntityType:  "Process",
			EntityID:    "42",
			MaxAttempts: 3,
		}
	})

	Describe("func Key()", func() {
		It("returns the entity key", func() {
			Expect(desc.Key()).To(Equal(EntityKey{
				TenantID:   "<tenant>",
				EntityType: "Process",
				EntityID:   "42",
			}))
		})
	})

	Describe("func Validate()", func() {
		It("returns nil if the descriptor is well-formed", func() {
			Expect(desc.Validate()).To(Succeed())
		})

		It("returns an error if the ID is empty", func() {
			desc.ID = ""
			Expect(desc.Validate()).To(MatchError("continuation must have a non-empty ID"))
		})

		It("returns an error if the entity key is incomplete", func() {
			desc.EntityType = ""
			Expect(desc.Validate()).To(MatchError("continuation <id>: entity key must have a non-empty entity type"))
		})

		It("returns an error if the attempt count exceeds the budget", func() {
			desc.AttemptCount = 4
			Expect(desc.Validate()).To(MatchError("continuation <id>: attempt count 4 is outside of the range [0, 3]"))
		})

		It("returns an error if the history does not match the attempt count", func() {
			desc.AttemptCount = 1
			Expect(desc.Validate()).To(MatchError("continuation <id>: attempt history has 0 entries, expected 1"))
		})
	})

	Describe("func WithFailure()", func() {
		It("increments the attempt count and appends to the history", func() {
			a := Attempt{
				Number:    1,
				StartedAt: time.Now(),
				Cause:     "<cause>",
				Retryable: true,
			}

			d := desc.WithFailure(a)

			Expect(d.AttemptCount).To(Equal(1))
			Expect(d.History).To(Equal([]Attempt{a}))
		})

		It("does not modify the original descriptor", func() {
			desc = desc.WithFailure(Attempt{Number: 1})
			d := desc.WithFailure(Attempt{Number: 2})

			Expect(desc.History).To(HaveLen(1))
			Expect(d.History).To(HaveLen(2))
		})
	})

	Describe("func Exhausted()", func() {
		It("returns true once the attempt count reaches the budget", func() {
			for i := 1; i <= 3; i++ {
				Expect(desc.Exhausted()).To(BeFalse())
				desc = desc.WithFailure(Attempt{Number: i})
			}

			Expect(desc.Exhausted()).To(BeTrue())
		})
	})

	Describe("func Waiting()", func() {
		It("returns false if no attempt has failed", func() {
			desc.ScheduledAt = time.Now().Add(time.Hour)
			Expect(desc.Waiting()).To(BeFalse())
		})

		It("returns true while the delay after a failed attempt has not been resumed", func() {
			now := time.Now()
			desc = desc.WithFailure(Attempt{Number: 1, EndedAt: now})
			desc.ScheduledAt = now.Add(time.Second)

			Expect(desc.Waiting()).To(BeTrue())
			Expect(desc.Resumed().Waiting()).To(BeFalse())
		})
	})

	Describe("func Resumed()", func() {
		It("schedules the continuation at the end of its last failed attempt", func() {
			now := time.Now()
			desc = desc.WithFailure(Attempt{Number: 1, EndedAt: now})
			desc.ScheduledAt = now.Add(time.Second)

			Expect(desc.Resumed().ScheduledAt).To(Equal(now))
			Expect(desc.ScheduledAt).To(Equal(now.Add(time.Second)))
		})

		It("does not modify a continuation with no failed attempts", func() {
			desc.ScheduledAt = time.Now()
			Expect(desc.Resumed()).To(Equal(desc))
		})
	})
})

var _ = Describe("type Packer", func() {
	var (
		now    time.Time
		packer *Packer
		key    EntityKey
	)

	BeforeEach(func() {
		now = time.Now()
		packer = &Packer{
			GenerateID: func() string { return "<id>" },
			Now:        func() time.Time { return now },
		}
		key = EntityKey{TenantID: "<tenant>", EntityType: "Process", EntityID: "42"}
	})

	Describe("func Pack()", func() {
		It("returns a descriptor that is ready now", func() {
			d := packer.Pack(key, []byte("<payload>"), 5)

			Expect(d).To(Equal(Descriptor{
				ID:          "<id>",
				TenantID:    "<tenant>",
				EntityType:  "Process",
				EntityID:    "42",
				Payload:     []byte("<payload>"),
				CreatedAt:   now,
				ScheduledAt: now,
				MaxAttempts: 5,
			}))
		})

		It("generates a UUID if no generator is provided", func() {
			packer.GenerateID = nil
			d := packer.Pack(key, nil, 5)
			Expect(d.ID).To(HaveLen(36))
		})
	})

	Describe("func PackAt()", func() {
		It("schedules the descriptor for the given time", func() {
			at := now.Add(time.Hour)
			d := packer.PackAt(key, nil, 5, at)

			Expect(d.CreatedAt).To(Equal(now))
			Expect(d.ScheduledAt).To(Equal(at))
		})
	})
})

var _ = Describe("type Incident", func() {
	Describe("func NewIncident()", func() {
		It("captures a snapshot of the continuation", func() {
			now := time.Now()
			d := Descriptor{
				ID:           "<id>",
				TenantID:     "<tenant>",
				AttemptCount: 1,
				History:      []Attempt{{Number: 1}},
				Revision:     7,
			}

			i := NewIncident(IncidentExhausted, d, errTest, now)

			Expect(i.Kind).To(Equal(IncidentExhausted))
			Expect(i.ContinuationID()).To(Equal("<id>"))
			Expect(i.TenantID()).To(Equal("<tenant>"))
			Expect(i.Continuation.History).To(HaveLen(1))
			Expect(i.Continuation.Revision).To(BeZero())
			Expect(i.Cause).To(Equal("<error>"))
			Expect(i.RecoveryHint).NotTo(BeEmpty())
			Expect(i.CreatedAt).To(Equal(now))
		})
	})

	Describe("type IncidentKind", func() {
		It("distinguishes defects from exhausted retries", func() {
			Expect(IncidentDefect.String()).To(Equal("defect"))
			Expect(IncidentExhausted.String()).To(Equal("exhausted"))
			Expect(IncidentDefect.RecoveryHint()).NotTo(Equal(IncidentExhausted.RecoveryHint()))
		})
	})
})
