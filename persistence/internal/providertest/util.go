package providertest

import (
	"context"
	"time"

	"github.com/onsi/gomega"
	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/persistence"
)

// persist persists a batch of operations and asserts that there was no
// failure.
func persist(
	ctx context.Context,
	p persistence.Persister,
	batch ...persistence.Operation,
) {
	err := p.Persist(ctx, batch)
	gomega.ExpectWithOffset(1, err).ShouldNot(gomega.HaveOccurred())
}

// newDescriptor returns a continuation descriptor for use in tests.
func newDescriptor(tenantID, id string, scheduledAt time.Time) continuation.Descriptor {
	return continuation.Descriptor{
		ID:          id,
		TenantID:    tenantID,
		EntityType:  "<order>",
		EntityID:    "<entity-" + id + ">",
		Payload:     []byte("<payload-" + id + ">"),
		CreatedAt:   scheduledAt.Add(-time.Minute),
		ScheduledAt: scheduledAt,
		MaxAttempts: 3,
	}
}

// loadContinuation loads a continuation that is expected to exist.
func loadContinuation(
	ctx context.Context,
	r persistence.ContinuationRepository,
	tenantID, id string,
) continuation.Descriptor {
	d, ok, err := r.LoadContinuation(ctx, tenantID, id)
	gomega.ExpectWithOffset(1, err).ShouldNot(gomega.HaveOccurred())
	gomega.ExpectWithOffset(1, ok).To(gomega.BeTrue(), "continuation does not exist")
	return d
}

// expectContinuationToNotExist asserts that a continuation does not exist.
func expectContinuationToNotExist(
	ctx context.Context,
	r persistence.ContinuationRepository,
	tenantID, id string,
) {
	_, ok, err := r.LoadContinuation(ctx, tenantID, id)
	gomega.ExpectWithOffset(1, err).ShouldNot(gomega.HaveOccurred())
	gomega.ExpectWithOffset(1, ok).To(gomega.BeFalse(), "continuation exists")
}

// lockRecord returns a lock record for use in tests.
func lockRecord(k continuation.EntityKey, holderID string, now time.Time) persistence.LockRecord {
	return persistence.LockRecord{
		Key:        k,
		HolderID:   holderID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(10 * time.Second),
	}
}

// acquireLock acquires a lock and asserts that it was acquired.
func acquireLock(
	ctx context.Context,
	r persistence.LockRepository,
	rec persistence.LockRecord,
	now time.Time,
) persistence.LockRecord {
	acquired, ok, err := r.AcquireLock(ctx, rec, now)
	gomega.ExpectWithOffset(1, err).ShouldNot(gomega.HaveOccurred())
	gomega.ExpectWithOffset(1, ok).To(gomega.BeTrue(), "lock was not acquired")
	return acquired
}
