package providertest

import (
	"time"

	"github.com/jmalloc/gomegax"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	"github.com/procflow/continuum/persistence"
)

// declareLeaseTests declares a functional test-suite for a specific
// persistence.LeaseRepository implementation.
func declareLeaseTests(tc *TestContext) {
	ginkgo.Describe("type persistence.LeaseRepository", func() {
		var (
			dataStore persistence.DataStore
			tearDown  func()
			now       time.Time
			lease     persistence.Lease
		)

		ginkgo.BeforeEach(func() {
			dataStore, tearDown = tc.SetupDataStore()
			now = tc.In.Now

			lease = persistence.Lease{
				TenantID:       "<tenant>",
				ContinuationID: "<id>",
				NodeID:         "<node-1>",
				Token:          "<token-1>",
				ExpiresAt:      now.Add(10 * time.Second),
			}
		})

		ginkgo.AfterEach(func() {
			tearDown()
		})

		loadLease := func() (persistence.Lease, bool) {
			l, ok, err := dataStore.LoadLease(tc.Context, "<tenant>", "<id>")
			gomega.ExpectWithOffset(1, err).ShouldNot(gomega.HaveOccurred())
			return l, ok
		}

		ginkgo.Describe("func AcquireLease()", func() {
			ginkgo.It("acquires the lease if the continuation is not leased", func() {
				ok, err := dataStore.AcquireLease(tc.Context, lease, now)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeTrue())

				l, ok := loadLease()
				gomega.Expect(ok).To(gomega.BeTrue())
				gomega.Expect(l).To(gomegax.EqualX(lease))
			})

			ginkgo.It("does not acquire the lease if the existing lease has not expired", func() {
				ok, err := dataStore.AcquireLease(tc.Context, lease, now)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeTrue())

				other := lease
				other.NodeID = "<node-2>"
				other.Token = "<token-2>"

				ok, err = dataStore.AcquireLease(tc.Context, other, now.Add(5*time.Second))
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeFalse())

				l, _ := loadLease()
				gomega.Expect(l).To(gomegax.EqualX(lease))
			})

			ginkgo.It("replaces an expired lease", func() {
				ok, err := dataStore.AcquireLease(tc.Context, lease, now)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeTrue())

				later := now.Add(10 * time.Second)

				other := lease
				other.NodeID = "<node-2>"
				other.Token = "<token-2>"
				other.ExpiresAt = later.Add(10 * time.Second)

				ok, err = dataStore.AcquireLease(tc.Context, other, later)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeTrue())

				l, _ := loadLease()
				gomega.Expect(l).To(gomegax.EqualX(other))
			})
		})

		ginkgo.Describe("func RenewLease()", func() {
			ginkgo.BeforeEach(func() {
				ok, err := dataStore.AcquireLease(tc.Context, lease, now)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeTrue())
			})

			ginkgo.It("updates the expiry time", func() {
				lease.ExpiresAt = now.Add(time.Minute)

				ok, err := dataStore.RenewLease(tc.Context, lease)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeTrue())

				l, _ := loadLease()
				gomega.Expect(l).To(gomegax.EqualX(lease))
			})

			ginkgo.It("succeeds when the expiry time does not change", func() {
				ok, err := dataStore.RenewLease(tc.Context, lease)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeTrue())
			})

			ginkgo.It("returns false if the token does not match", func() {
				other := lease
				other.Token = "<token-2>"

				ok, err := dataStore.RenewLease(tc.Context, other)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeFalse())
			})
		})

		ginkgo.Describe("func ReleaseLease()", func() {
			ginkgo.BeforeEach(func() {
				ok, err := dataStore.AcquireLease(tc.Context, lease, now)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeTrue())
			})

			ginkgo.It("removes the lease", func() {
				err := dataStore.ReleaseLease(tc.Context, lease)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())

				_, ok := loadLease()
				gomega.Expect(ok).To(gomega.BeFalse())
			})

			ginkgo.It("does not remove a lease with a different token", func() {
				other := lease
				other.Token = "<token-2>"

				err := dataStore.ReleaseLease(tc.Context, other)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())

				_, ok := loadLease()
				gomega.Expect(ok).To(gomega.BeTrue())
			})

			ginkgo.It("does not return an error if the lease does not exist", func() {
				err := dataStore.ReleaseLease(tc.Context, lease)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())

				err = dataStore.ReleaseLease(tc.Context, lease)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
			})
		})

		ginkgo.Describe("func PurgeExpiredLeases()", func() {
			ginkgo.It("removes and returns only the expired leases", func() {
				expired := lease
				expired.ExpiresAt = now

				active := lease
				active.ContinuationID = "<id-2>"
				active.Token = "<token-2>"

				for _, l := range []persistence.Lease{expired, active} {
					ok, err := dataStore.AcquireLease(tc.Context, l, now.Add(-time.Minute))
					gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
					gomega.Expect(ok).To(gomega.BeTrue())
				}

				purged, err := dataStore.PurgeExpiredLeases(tc.Context, now)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(purged).To(gomegax.EqualX(
					[]persistence.Lease{expired},
				))

				_, ok := loadLease()
				gomega.Expect(ok).To(gomega.BeFalse())

				_, ok, err = dataStore.LoadLease(tc.Context, "<tenant>", "<id-2>")
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeTrue())
			})
		})
	})
}
