package locktable_test

import (
	"context"
	"sync"
	"time"

	"github.com/dogmatiq/linger/backoff"
	"github.com/procflow/continuum/continuation"
	. "github.com/procflow/continuum/locktable"
	"github.com/procflow/continuum/persistence"
	"github.com/procflow/continuum/persistence/memorypersistence"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("type Shared", func() {
	var (
		ctx       context.Context
		cancel    context.CancelFunc
		dataStore persistence.DataStore
		clk       *clock
		node1     *Shared
		node2     *Shared
		key       continuation.EntityKey
	)

	newTable := func(ds persistence.DataStore, c *clock, id string) *Shared {
		return &Shared{
			Repository:   ds,
			HolderID:     id,
			TTL:          10 * time.Second,
			PollStrategy: backoff.Constant(time.Millisecond),
			Now:          c.Now,
		}
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		DeferCleanup(cancel)

		var err error
		dataStore, err = (&memorypersistence.Provider{}).Open(ctx)
		Expect(err).ShouldNot(HaveOccurred())
		DeferCleanup(dataStore.Close)

		clk = &clock{now: time.Now()}
		node1 = newTable(dataStore, clk, "<node-1>")
		node2 = newTable(dataStore, clk, "<node-2>")

		key = continuation.EntityKey{TenantID: "t1", EntityType: "Process", EntityID: "42"}
	})

	Context("shared behavior", func() {
		declareTableTests(func() (Table, Table) {
			p := &memorypersistence.Provider{}

			ds1, err := p.Open(context.Background())
			Expect(err).ShouldNot(HaveOccurred())
			DeferCleanup(ds1.Close)

			ds2, err := p.Open(context.Background())
			Expect(err).ShouldNot(HaveOccurred())
			DeferCleanup(ds2.Close)

			c := &clock{now: time.Now()}
			return newTable(ds1, c, "<node-1>"), newTable(ds2, c, "<node-2>")
		})
	})

	It("sets the expiry time from the TTL", func() {
		h, err := node1.Acquire(ctx, key, time.Second)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(h.HolderID).To(Equal("<node-1>"))
		Expect(h.ExpiresAt).To(BeTemporally("==", clk.Now().Add(10*time.Second)))
	})

	It("allows an abandoned lock to be acquired once it has expired", func() {
		h1, err := node1.Acquire(ctx, key, time.Second)
		Expect(err).ShouldNot(HaveOccurred())

		clk.Advance(11 * time.Second)

		h2, err := node2.Acquire(ctx, key, time.Second)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(h2.Token).To(Equal(h1.Token + 1))

		err = node1.Renew(ctx, h1)
		Expect(err).To(Equal(ErrLockLost))
	})

	It("extends the expiry time when renewed", func() {
		h, err := node1.Acquire(ctx, key, time.Second)
		Expect(err).ShouldNot(HaveOccurred())

		clk.Advance(8 * time.Second)

		err = node1.Renew(ctx, h)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(h.ExpiresAt).To(BeTemporally("==", clk.Now().Add(10*time.Second)))

		clk.Advance(8 * time.Second)

		_, ok, err := node2.TryAcquire(ctx, key)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(ok).To(BeFalse())
	})

	Describe("func Fence()", func() {
		var boundary persistence.BatchBoundary

		BeforeEach(func() {
			boundary = persistence.BatchBoundary{DataStore: dataStore}
		})

		It("allows the transaction to commit while the lock is held", func() {
			h, err := node1.Acquire(ctx, key, time.Second)
			Expect(err).ShouldNot(HaveOccurred())

			err = persistence.WithTransaction(ctx, boundary, func(tx persistence.ManagedTransaction) error {
				node1.Fence(tx, h)
				return nil
			})
			Expect(err).ShouldNot(HaveOccurred())
		})

		It("causes the transaction to fail if the lock has been reassigned", func() {
			h, err := node1.Acquire(ctx, key, time.Second)
			Expect(err).ShouldNot(HaveOccurred())

			clk.Advance(11 * time.Second)

			_, err = node2.Acquire(ctx, key, time.Second)
			Expect(err).ShouldNot(HaveOccurred())

			err = persistence.WithTransaction(ctx, boundary, func(tx persistence.ManagedTransaction) error {
				node1.Fence(tx, h)
				return nil
			})
			Expect(persistence.IsSuperseded(err, "t1", "<any>")).To(BeTrue())
		})
	})
})

// clock is a manually advanced clock.
type clock struct {
	m   sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.m.Lock()
	defer c.m.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.m.Lock()
	defer c.m.Unlock()
	c.now = c.now.Add(d)
}
