package providertest

import (
	"time"

	"github.com/jmalloc/gomegax"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/persistence"
)

// declareLockTests declares a functional test-suite for a specific
// persistence.LockRepository implementation, and the AssertLock operation.
func declareLockTests(tc *TestContext) {
	ginkgo.Describe("type persistence.LockRepository", func() {
		var (
			dataStore persistence.DataStore
			tearDown  func()
			now       time.Time
			key       continuation.EntityKey
		)

		ginkgo.BeforeEach(func() {
			dataStore, tearDown = tc.SetupDataStore()
			now = tc.In.Now

			key = continuation.EntityKey{
				TenantID:   "<tenant>",
				EntityType: "<order>",
				EntityID:   "<order-1>",
			}
		})

		ginkgo.AfterEach(func() {
			tearDown()
		})

		ginkgo.Describe("func AcquireLock()", func() {
			ginkgo.It("acquires a lock that has never been acquired with a token of 1", func() {
				r := lockRecord(key, "<holder-1>", now)
				acquired := acquireLock(tc.Context, dataStore, r, now)

				r.Token = 1
				gomega.Expect(acquired).To(gomegax.EqualX(r))

				x, ok, err := dataStore.LoadLock(tc.Context, key)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeTrue())
				gomega.Expect(x).To(gomegax.EqualX(r))
			})

			ginkgo.It("does not acquire a lock that is held by another holder", func() {
				acquireLock(tc.Context, dataStore, lockRecord(key, "<holder-1>", now), now)

				_, ok, err := dataStore.AcquireLock(
					tc.Context,
					lockRecord(key, "<holder-2>", now),
					now.Add(time.Second),
				)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeFalse())
			})

			ginkgo.It("acquires an expired lock with an incremented token", func() {
				acquireLock(tc.Context, dataStore, lockRecord(key, "<holder-1>", now), now)

				later := now.Add(10 * time.Second)
				acquired := acquireLock(tc.Context, dataStore, lockRecord(key, "<holder-2>", later), later)

				gomega.Expect(acquired.HolderID).To(gomega.Equal("<holder-2>"))
				gomega.Expect(acquired.Token).To(gomega.BeEquivalentTo(2))
			})

			ginkgo.It("acquires a released lock with an incremented token", func() {
				r := acquireLock(tc.Context, dataStore, lockRecord(key, "<holder-1>", now), now)

				err := dataStore.ReleaseLock(tc.Context, r)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())

				acquired := acquireLock(tc.Context, dataStore, lockRecord(key, "<holder-1>", now), now)
				gomega.Expect(acquired.Token).To(gomega.BeEquivalentTo(2))
			})
		})

		ginkgo.Describe("func RenewLock()", func() {
			var r persistence.LockRecord

			ginkgo.BeforeEach(func() {
				r = acquireLock(tc.Context, dataStore, lockRecord(key, "<holder-1>", now), now)
			})

			ginkgo.It("updates the expiry time", func() {
				r.ExpiresAt = now.Add(time.Minute)

				ok, err := dataStore.RenewLock(tc.Context, r)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeTrue())

				x, _, err := dataStore.LoadLock(tc.Context, key)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(x).To(gomegax.EqualX(r))
			})

			ginkgo.It("returns false if the lock has been reacquired", func() {
				later := now.Add(10 * time.Second)
				acquireLock(tc.Context, dataStore, lockRecord(key, "<holder-2>", later), later)

				ok, err := dataStore.RenewLock(tc.Context, r)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeFalse())
			})

			ginkgo.It("returns false if the lock has been released", func() {
				err := dataStore.ReleaseLock(tc.Context, r)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())

				ok, err := dataStore.RenewLock(tc.Context, r)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeFalse())
			})
		})

		ginkgo.Describe("func ReleaseLock()", func() {
			ginkgo.It("does not release a lock acquired by another holder", func() {
				r := acquireLock(tc.Context, dataStore, lockRecord(key, "<holder-1>", now), now)

				other := r
				other.HolderID = "<holder-2>"

				err := dataStore.ReleaseLock(tc.Context, other)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())

				x, _, err := dataStore.LoadLock(tc.Context, key)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(x.HolderID).To(gomega.Equal("<holder-1>"))
			})

			ginkgo.It("retains the fencing token", func() {
				r := acquireLock(tc.Context, dataStore, lockRecord(key, "<holder-1>", now), now)

				err := dataStore.ReleaseLock(tc.Context, r)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())

				x, ok, err := dataStore.LoadLock(tc.Context, key)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeTrue())
				gomega.Expect(x.HolderID).To(gomega.BeEmpty())
				gomega.Expect(x.Token).To(gomega.BeEquivalentTo(1))
				gomega.Expect(x.Held(now)).To(gomega.BeFalse())
			})
		})

		ginkgo.Describe("func LoadLock()", func() {
			ginkgo.It("returns false if the lock has never been acquired", func() {
				_, ok, err := dataStore.LoadLock(tc.Context, key)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeFalse())
			})
		})

		ginkgo.Describe("type AssertLock", func() {
			ginkgo.It("allows the batch to be persisted while the lock is held", func() {
				r := acquireLock(tc.Context, dataStore, lockRecord(key, "<holder-1>", now), now)

				persist(
					tc.Context,
					dataStore,
					persistence.AssertLock{Lock: r},
					persistence.SaveContinuation{
						Continuation: newDescriptor("<tenant>", "<id>", now),
					},
				)
			})

			ginkgo.It("returns a conflict error if the lock has been reacquired", func() {
				r := acquireLock(tc.Context, dataStore, lockRecord(key, "<holder-1>", now), now)

				later := now.Add(10 * time.Second)
				acquireLock(tc.Context, dataStore, lockRecord(key, "<holder-2>", later), later)

				op := persistence.AssertLock{Lock: r}
				err := dataStore.Persist(
					tc.Context,
					persistence.Batch{
						op,
						persistence.SaveContinuation{
							Continuation: newDescriptor("<tenant>", "<id>", now),
						},
					},
				)
				gomega.Expect(err).To(gomega.Equal(persistence.ConflictError{Cause: op}))
				gomega.Expect(persistence.IsSuperseded(err, "<tenant>", "<id>")).To(gomega.BeTrue())

				expectContinuationToNotExist(tc.Context, dataStore, "<tenant>", "<id>")
			})

			ginkgo.It("returns a conflict error if the lock has been released", func() {
				r := acquireLock(tc.Context, dataStore, lockRecord(key, "<holder-1>", now), now)

				err := dataStore.ReleaseLock(tc.Context, r)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())

				op := persistence.AssertLock{Lock: r}
				err = dataStore.Persist(tc.Context, persistence.Batch{op})
				gomega.Expect(err).To(gomega.Equal(persistence.ConflictError{Cause: op}))
			})

			ginkgo.It("returns a conflict error if the lock has never been acquired", func() {
				op := persistence.AssertLock{Lock: lockRecord(key, "<holder-1>", now)}
				err := dataStore.Persist(tc.Context, persistence.Batch{op})
				gomega.Expect(err).To(gomega.Equal(persistence.ConflictError{Cause: op}))
			})
		})
	})
}
