package providertest

import (
	"errors"
	"time"

	"github.com/jmalloc/gomegax"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/persistence"
)

// declareIncidentTests declares a functional test-suite for a specific
// persistence.IncidentRepository implementation.
func declareIncidentTests(tc *TestContext) {
	ginkgo.Describe("type persistence.IncidentRepository", func() {
		var (
			dataStore persistence.DataStore
			tearDown  func()
			now       time.Time
		)

		newIncident := func(tenantID, id string, createdAt time.Time) continuation.Incident {
			d := newDescriptor(tenantID, id, createdAt)
			d.Revision = 7

			return continuation.NewIncident(
				continuation.IncidentDefect,
				d,
				errors.New("<defect>"),
				createdAt,
			)
		}

		ginkgo.BeforeEach(func() {
			dataStore, tearDown = tc.SetupDataStore()
			now = tc.In.Now
		})

		ginkgo.AfterEach(func() {
			tearDown()
		})

		ginkgo.Describe("func LoadIncident()", func() {
			ginkgo.It("returns false if the incident does not exist", func() {
				_, ok, err := dataStore.LoadIncident(tc.Context, "<tenant>", "<id>")
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeFalse())
			})

			ginkgo.It("returns the persisted incident", func() {
				i := newIncident("<tenant>", "<id>", now)
				persist(tc.Context, dataStore, persistence.SaveIncident{Incident: i})

				i.Revision = 1

				x, ok, err := dataStore.LoadIncident(tc.Context, "<tenant>", "<id>")
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeTrue())
				gomega.Expect(x).To(gomegax.EqualX(i))
			})
		})

		ginkgo.Describe("func LoadUnreportedIncidents()", func() {
			ginkgo.It("returns unreported incidents across all tenants, oldest first", func() {
				i1 := newIncident("<tenant-1>", "<id-1>", now)
				i2 := newIncident("<tenant-2>", "<id-2>", now.Add(-time.Second))
				i3 := newIncident("<tenant-1>", "<id-3>", now.Add(-2*time.Second))
				i3.Reported = true

				persist(
					tc.Context,
					dataStore,
					persistence.SaveIncident{Incident: i1},
					persistence.SaveIncident{Incident: i2},
					persistence.SaveIncident{Incident: i3},
				)

				i1.Revision = 1
				i2.Revision = 1

				incidents, err := dataStore.LoadUnreportedIncidents(tc.Context, 10)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(incidents).To(gomegax.EqualX(
					[]continuation.Incident{i2, i1},
				))

				incidents, err = dataStore.LoadUnreportedIncidents(tc.Context, 1)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(incidents).To(gomegax.EqualX(
					[]continuation.Incident{i2},
				))
			})
		})

		ginkgo.Describe("type SaveIncident", func() {
			ginkgo.It("updates an existing incident", func() {
				i := newIncident("<tenant>", "<id>", now)
				persist(tc.Context, dataStore, persistence.SaveIncident{Incident: i})

				i.Revision = 1
				i.Reported = true
				persist(tc.Context, dataStore, persistence.SaveIncident{Incident: i})

				i.Revision = 2

				x, _, err := dataStore.LoadIncident(tc.Context, "<tenant>", "<id>")
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(x).To(gomegax.EqualX(i))

				incidents, err := dataStore.LoadUnreportedIncidents(tc.Context, 10)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(incidents).To(gomega.BeEmpty())
			})

			ginkgo.It("returns a conflict error if the revision is not current", func() {
				i := newIncident("<tenant>", "<id>", now)
				persist(tc.Context, dataStore, persistence.SaveIncident{Incident: i})

				op := persistence.SaveIncident{Incident: i}
				err := dataStore.Persist(tc.Context, persistence.Batch{op})
				gomega.Expect(err).To(gomega.Equal(persistence.ConflictError{Cause: op}))
			})
		})

		ginkgo.Describe("type RemoveIncident", func() {
			ginkgo.It("removes the incident", func() {
				i := newIncident("<tenant>", "<id>", now)
				persist(tc.Context, dataStore, persistence.SaveIncident{Incident: i})

				i.Revision = 1
				persist(tc.Context, dataStore, persistence.RemoveIncident{Incident: i})

				_, ok, err := dataStore.LoadIncident(tc.Context, "<tenant>", "<id>")
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeFalse())
			})

			ginkgo.It("returns a conflict error if the incident does not exist", func() {
				op := persistence.RemoveIncident{Incident: newIncident("<tenant>", "<id>", now)}
				err := dataStore.Persist(tc.Context, persistence.Batch{op})
				gomega.Expect(err).To(gomega.Equal(persistence.ConflictError{Cause: op}))
			})
		})
	})
}
