package providertest

import (
	"github.com/jmalloc/gomegax"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/persistence"
)

// declareEntityTests declares a functional test-suite for a specific
// persistence.EntityRepository implementation.
func declareEntityTests(tc *TestContext) {
	ginkgo.Describe("type persistence.EntityRepository", func() {
		var (
			dataStore persistence.DataStore
			tearDown  func()
			key       continuation.EntityKey
		)

		ginkgo.BeforeEach(func() {
			dataStore, tearDown = tc.SetupDataStore()

			key = continuation.EntityKey{
				TenantID:   "<tenant>",
				EntityType: "<order>",
				EntityID:   "<order-1>",
			}
		})

		ginkgo.AfterEach(func() {
			tearDown()
		})

		ginkgo.Describe("func LoadEntity()", func() {
			ginkgo.It("returns an entity with a zero revision if it does not exist", func() {
				e, err := dataStore.LoadEntity(tc.Context, key)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(e).To(gomegax.EqualX(persistence.Entity{Key: key}))
			})
		})

		ginkgo.Describe("type SaveEntity", func() {
			ginkgo.It("creates and updates the entity", func() {
				e := persistence.Entity{
					Key:  key,
					Data: []byte("<state-1>"),
				}
				persist(tc.Context, dataStore, persistence.SaveEntity{Entity: e})

				e.Revision = 1
				x, err := dataStore.LoadEntity(tc.Context, key)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(x).To(gomegax.EqualX(e))

				e.Data = []byte("<state-2>")
				persist(tc.Context, dataStore, persistence.SaveEntity{Entity: e})

				e.Revision = 2
				x, err = dataStore.LoadEntity(tc.Context, key)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(x).To(gomegax.EqualX(e))
			})

			ginkgo.It("returns a conflict error if the revision is not current", func() {
				e := persistence.Entity{
					Key:  key,
					Data: []byte("<state-1>"),
				}
				persist(tc.Context, dataStore, persistence.SaveEntity{Entity: e})

				op := persistence.SaveEntity{Entity: e}
				err := dataStore.Persist(tc.Context, persistence.Batch{op})
				gomega.Expect(err).To(gomega.Equal(persistence.ConflictError{Cause: op}))
			})
		})
	})
}
