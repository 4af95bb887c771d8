package providertest

import (
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	"github.com/procflow/continuum/persistence"
)

func declareDataStoreTests(tc *TestContext) {
	ginkgo.Describe("type DataStore (interface)", func() {
		var (
			dataStore persistence.DataStore
			tearDown  func()
		)

		ginkgo.BeforeEach(func() {
			dataStore, tearDown = tc.SetupDataStore()
		})

		ginkgo.AfterEach(func() {
			tearDown()
		})

		ginkgo.Describe("func Close()", func() {
			ginkgo.It("returns an error if the data-store is already closed", func() {
				err := dataStore.Close()
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())

				err = dataStore.Close()
				gomega.Expect(err).To(gomega.Equal(persistence.ErrDataStoreClosed))
			})

			ginkgo.It("prevents operations from being persisted", func() {
				err := dataStore.Close()
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())

				err = dataStore.Persist(
					tc.Context,
					persistence.Batch{
						persistence.SaveContinuation{
							Continuation: newDescriptor("<tenant>", "<id>", tc.In.Now),
						},
					},
				)
				gomega.Expect(err).To(gomega.Equal(persistence.ErrDataStoreClosed))
			})
		})

		ginkgo.Describe("func Persist()", func() {
			ginkgo.It("does not apply any operation if one of them conflicts", func() {
				d := newDescriptor("<tenant>", "<id-1>", tc.In.Now)
				stale := newDescriptor("<tenant>", "<id-2>", tc.In.Now)
				stale.Revision = 123

				op := persistence.SaveContinuation{Continuation: stale}

				err := dataStore.Persist(
					tc.Context,
					persistence.Batch{
						persistence.SaveContinuation{Continuation: d},
						op,
					},
				)
				gomega.Expect(err).To(gomega.Equal(persistence.ConflictError{Cause: op}))

				expectContinuationToNotExist(tc.Context, dataStore, "<tenant>", "<id-1>")
			})

			ginkgo.It("panics if the batch contains more than one operation on the same continuation", func() {
				d := newDescriptor("<tenant>", "<id>", tc.In.Now)

				gomega.Expect(func() {
					dataStore.Persist( // nolint:errcheck
						tc.Context,
						persistence.Batch{
							persistence.SaveContinuation{Continuation: d},
							persistence.RemoveContinuation{Continuation: d},
						},
					)
				}).To(gomega.Panic())
			})
		})
	})
}
