package providertest

import (
	"time"

	"github.com/jmalloc/gomegax"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/persistence"
)

// declareContinuationTests declares a functional test-suite for a specific
// persistence.ContinuationRepository implementation, and the operations that
// modify continuations.
func declareContinuationTests(tc *TestContext) {
	ginkgo.Describe("type persistence.ContinuationRepository", func() {
		var (
			dataStore persistence.DataStore
			tearDown  func()
			now       time.Time
		)

		ginkgo.BeforeEach(func() {
			dataStore, tearDown = tc.SetupDataStore()
			now = tc.In.Now
		})

		ginkgo.AfterEach(func() {
			tearDown()
		})

		ginkgo.Describe("func LoadContinuation()", func() {
			ginkgo.It("returns false if the continuation does not exist", func() {
				expectContinuationToNotExist(tc.Context, dataStore, "<tenant>", "<id>")
			})

			ginkgo.It("returns the persisted continuation", func() {
				d := newDescriptor("<tenant>", "<id>", now)
				persist(tc.Context, dataStore, persistence.SaveContinuation{Continuation: d})

				d.Revision = 1
				x := loadContinuation(tc.Context, dataStore, "<tenant>", "<id>")
				gomega.Expect(x).To(gomegax.EqualX(d))
			})

			ginkgo.It("does not return continuations belonging to other tenants", func() {
				d := newDescriptor("<tenant>", "<id>", now)
				persist(tc.Context, dataStore, persistence.SaveContinuation{Continuation: d})

				expectContinuationToNotExist(tc.Context, dataStore, "<other-tenant>", "<id>")
			})
		})

		ginkgo.Describe("func LoadReadyContinuations()", func() {
			var d1, d2, d3 continuation.Descriptor

			ginkgo.BeforeEach(func() {
				d1 = newDescriptor("<tenant>", "<id-1>", now.Add(-1*time.Second))
				d2 = newDescriptor("<tenant>", "<id-2>", now.Add(-2*time.Second))
				d3 = newDescriptor("<tenant>", "<id-3>", now.Add(1*time.Second))

				persist(
					tc.Context,
					dataStore,
					persistence.SaveContinuation{Continuation: d1},
					persistence.SaveContinuation{Continuation: d2},
					persistence.SaveContinuation{Continuation: d3},
					persistence.SaveContinuation{
						Continuation: newDescriptor("<other-tenant>", "<id-4>", now),
					},
				)

				d1.Revision = 1
				d2.Revision = 1
				d3.Revision = 1
			})

			ginkgo.It("returns the continuations that are due, ordered by their scheduled time", func() {
				ready, err := dataStore.LoadReadyContinuations(tc.Context, "<tenant>", now, 10)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ready).To(gomegax.EqualX(
					[]continuation.Descriptor{d2, d1},
				))
			})

			ginkgo.It("orders continuations with the same scheduled time by their ID", func() {
				d5 := newDescriptor("<tenant>", "<id-0>", d1.ScheduledAt)
				persist(tc.Context, dataStore, persistence.SaveContinuation{Continuation: d5})
				d5.Revision = 1

				ready, err := dataStore.LoadReadyContinuations(tc.Context, "<tenant>", now, 10)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ready).To(gomegax.EqualX(
					[]continuation.Descriptor{d2, d5, d1},
				))
			})

			ginkgo.It("limits the number of results", func() {
				ready, err := dataStore.LoadReadyContinuations(tc.Context, "<tenant>", now, 1)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ready).To(gomegax.EqualX(
					[]continuation.Descriptor{d2},
				))
			})

			ginkgo.It("excludes continuations that are under an unexpired lease", func() {
				ok, err := dataStore.AcquireLease(
					tc.Context,
					persistence.Lease{
						TenantID:       "<tenant>",
						ContinuationID: "<id-2>",
						NodeID:         "<node>",
						Token:          "<token>",
						ExpiresAt:      now.Add(time.Second),
					},
					now,
				)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeTrue())

				ready, err := dataStore.LoadReadyContinuations(tc.Context, "<tenant>", now, 10)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ready).To(gomegax.EqualX(
					[]continuation.Descriptor{d1},
				))
			})

			ginkgo.It("includes continuations whose lease has expired", func() {
				ok, err := dataStore.AcquireLease(
					tc.Context,
					persistence.Lease{
						TenantID:       "<tenant>",
						ContinuationID: "<id-2>",
						NodeID:         "<node>",
						Token:          "<token>",
						ExpiresAt:      now,
					},
					now.Add(-time.Minute),
				)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeTrue())

				ready, err := dataStore.LoadReadyContinuations(tc.Context, "<tenant>", now, 10)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ready).To(gomegax.EqualX(
					[]continuation.Descriptor{d2, d1},
				))
			})

			ginkgo.It("returns an empty result if the tenant has no continuations", func() {
				ready, err := dataStore.LoadReadyContinuations(tc.Context, "<unknown-tenant>", now, 10)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ready).To(gomega.BeEmpty())
			})
		})

		ginkgo.Describe("type SaveContinuation", func() {
			ginkgo.It("updates an existing continuation and increments its revision", func() {
				d := newDescriptor("<tenant>", "<id>", now)
				persist(tc.Context, dataStore, persistence.SaveContinuation{Continuation: d})

				d.Revision = 1
				d = d.WithFailure(continuation.Attempt{
					Number:    1,
					StartedAt: now,
					EndedAt:   now.Add(time.Second),
					Cause:     "<cause>",
					Retryable: true,
				})
				d.ScheduledAt = now.Add(time.Minute)
				persist(tc.Context, dataStore, persistence.SaveContinuation{Continuation: d})

				d.Revision = 2
				x := loadContinuation(tc.Context, dataStore, "<tenant>", "<id>")
				gomega.Expect(x).To(gomegax.EqualX(d))
			})

			ginkgo.It("returns a conflict error if the continuation already exists", func() {
				d := newDescriptor("<tenant>", "<id>", now)
				persist(tc.Context, dataStore, persistence.SaveContinuation{Continuation: d})

				op := persistence.SaveContinuation{Continuation: d}
				err := dataStore.Persist(tc.Context, persistence.Batch{op})
				gomega.Expect(err).To(gomega.Equal(persistence.ConflictError{Cause: op}))
			})

			ginkgo.It("returns a conflict error if the revision is not current", func() {
				d := newDescriptor("<tenant>", "<id>", now)
				persist(tc.Context, dataStore, persistence.SaveContinuation{Continuation: d})

				d.Revision = 2
				op := persistence.SaveContinuation{Continuation: d}
				err := dataStore.Persist(tc.Context, persistence.Batch{op})
				gomega.Expect(err).To(gomega.Equal(persistence.ConflictError{Cause: op}))

				x := loadContinuation(tc.Context, dataStore, "<tenant>", "<id>")
				gomega.Expect(x.Revision).To(gomega.BeEquivalentTo(1))
			})
		})

		ginkgo.Describe("type RemoveContinuation", func() {
			ginkgo.It("removes the continuation", func() {
				d := newDescriptor("<tenant>", "<id>", now)
				persist(tc.Context, dataStore, persistence.SaveContinuation{Continuation: d})

				d.Revision = 1
				persist(tc.Context, dataStore, persistence.RemoveContinuation{Continuation: d})

				expectContinuationToNotExist(tc.Context, dataStore, "<tenant>", "<id>")
			})

			ginkgo.It("returns a conflict error if the continuation does not exist", func() {
				op := persistence.RemoveContinuation{
					Continuation: newDescriptor("<tenant>", "<id>", now),
				}
				err := dataStore.Persist(tc.Context, persistence.Batch{op})
				gomega.Expect(err).To(gomega.Equal(persistence.ConflictError{Cause: op}))
			})

			ginkgo.It("returns a conflict error if the revision is not current", func() {
				d := newDescriptor("<tenant>", "<id>", now)
				persist(tc.Context, dataStore, persistence.SaveContinuation{Continuation: d})

				d.Revision = 2
				op := persistence.RemoveContinuation{Continuation: d}
				err := dataStore.Persist(tc.Context, persistence.Batch{op})
				gomega.Expect(err).To(gomega.Equal(persistence.ConflictError{Cause: op}))

				loadContinuation(tc.Context, dataStore, "<tenant>", "<id>")
			})
		})
	})
}
