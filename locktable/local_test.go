package locktable_test

import (
	"context"
	"time"

	"github.com/procflow/continuum/continuation"
	. "github.com/procflow/continuum/locktable"
	"github.com/procflow/continuum/persistence"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("type Local", func() {
	declareTableTests(func() (Table, Table) {
		t := &Local{HolderID: "<node>"}
		return t, t
	})

	It("assigns increasing tokens to successive acquisitions of the same key", func() {
		ctx := context.Background()
		table := &Local{}
		key := continuation.EntityKey{TenantID: "t1", EntityType: "Process", EntityID: "42"}

		var prev uint64
		for i := 0; i < 3; i++ {
			h, err := table.Acquire(ctx, key, time.Second)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(h.Token).To(BeNumerically(">", prev))
			prev = h.Token

			err = table.Release(ctx, h)
			Expect(err).ShouldNot(HaveOccurred())
		}
	})

	It("does not add any assertion when fencing a transaction", func() {
		ctx := context.Background()
		table := &Local{}
		key := continuation.EntityKey{TenantID: "t1", EntityType: "Process", EntityID: "42"}

		h, err := table.Acquire(ctx, key, time.Second)
		Expect(err).ShouldNot(HaveOccurred())

		tx := &recordingTransaction{}
		table.Fence(tx, h)
		Expect(tx.asserted).To(BeEmpty())
	})
})

// recordingTransaction is a persistence.ManagedTransaction that records lock
// assertions.
type recordingTransaction struct {
	persistence.ManagedTransaction
	asserted []persistence.LockRecord
}

func (tx *recordingTransaction) AssertLock(r persistence.LockRecord) {
	tx.asserted = append(tx.asserted, r)
}
