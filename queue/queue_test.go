package queue_test

import (
	"context"
	"errors"
	"time"

	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/fixtures"
	"github.com/procflow/continuum/persistence"
	"github.com/procflow/continuum/persistence/memorypersistence"
	. "github.com/procflow/continuum/queue"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("type Queue", func() {
	var (
		ctx       context.Context
		cancel    context.CancelFunc
		dataStore persistence.DataStore
		boundary  persistence.BatchBoundary
		now       time.Time
		queue     *Queue
		key       continuation.EntityKey
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		DeferCleanup(cancel)

		var err error
		dataStore, err = (&memorypersistence.Provider{}).Open(ctx)
		Expect(err).ShouldNot(HaveOccurred())
		DeferCleanup(dataStore.Close)

		boundary = persistence.BatchBoundary{DataStore: dataStore}
		now = time.Now().Truncate(time.Millisecond)

		queue = &Queue{
			DataStore: dataStore,
			Now:       func() time.Time { return now },
		}

		key = continuation.EntityKey{
			TenantID:   "t1",
			EntityType: "Process",
			EntityID:   "42",
		}
	})

	newDescriptor := func(id string) continuation.Descriptor {
		return continuation.Descriptor{
			ID:          id,
			TenantID:    key.TenantID,
			EntityType:  key.EntityType,
			EntityID:    key.EntityID,
			MaxAttempts: 3,
		}
	}

	Describe("func Enqueue()", func() {
		It("makes the continuation visible when the transaction commits", func() {
			err := persistence.WithTransaction(ctx, boundary, func(tx persistence.ManagedTransaction) error {
				_, err := queue.Enqueue(tx, newDescriptor("<id>"))
				return err
			})
			Expect(err).ShouldNot(HaveOccurred())

			ready, err := queue.DequeueReady(ctx, "t1", 10)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ready).To(HaveLen(1))
			Expect(ready[0].ID).To(Equal("<id>"))
		})

		It("does not make the continuation visible if the transaction rolls back", func() {
			err := persistence.WithTransaction(ctx, boundary, func(tx persistence.ManagedTransaction) error {
				if _, err := queue.Enqueue(tx, newDescriptor("<id>")); err != nil {
					return err
				}

				return errors.New("<error>")
			})
			Expect(err).To(MatchError("<error>"))

			ready, err := queue.DequeueReady(ctx, "t1", 10)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ready).To(BeEmpty())
		})

		It("populates missing fields", func() {
			queue.MaxAttempts = func(tenantID string) int {
				Expect(tenantID).To(Equal("t1"))
				return 7
			}

			d := newDescriptor("")
			d.MaxAttempts = 0

			tx, err := boundary.Begin(ctx)
			Expect(err).ShouldNot(HaveOccurred())
			defer tx.Rollback() // nolint:errcheck

			d, err = queue.Enqueue(tx, d)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(d.ID).NotTo(BeEmpty())
			Expect(d.CreatedAt).To(BeTemporally("==", now))
			Expect(d.ScheduledAt).To(BeTemporally("==", now))
			Expect(d.MaxAttempts).To(Equal(7))
		})

		It("uses the default retry budget if there is no per-tenant budget", func() {
			d := newDescriptor("<id>")
			d.MaxAttempts = 0

			d, err := queue.Push(ctx, d)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(d.MaxAttempts).To(Equal(DefaultMaxAttempts))
		})

		It("returns an error if the descriptor is invalid", func() {
			d := newDescriptor("<id>")
			d.EntityID = ""

			_, err := queue.Push(ctx, d)
			Expect(err).To(MatchError(ContainSubstring("non-empty entity ID")))
		})

		It("returns an error if the descriptor has already been enqueued", func() {
			d, err := queue.Push(ctx, newDescriptor("<id>"))
			Expect(err).ShouldNot(HaveOccurred())

			_, err = queue.Push(ctx, d)
			Expect(err).To(MatchError("continuation <id> has already been enqueued"))
		})
	})

	Describe("func DequeueReady()", func() {
		It("returns continuations in order of their scheduled time", func() {
			d1 := newDescriptor("<id-1>")
			d1.ScheduledAt = now.Add(-1 * time.Second)

			d2 := newDescriptor("<id-2>")
			d2.ScheduledAt = now.Add(-3 * time.Second)

			d3 := newDescriptor("<id-3>")
			d3.ScheduledAt = now.Add(-2 * time.Second)

			for _, d := range []continuation.Descriptor{d1, d2, d3} {
				_, err := queue.Push(ctx, d)
				Expect(err).ShouldNot(HaveOccurred())
			}

			ready, err := queue.DequeueReady(ctx, "t1", 10)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ids(ready)).To(Equal([]string{"<id-2>", "<id-3>", "<id-1>"}))
		})

		It("excludes continuations that are scheduled in the future", func() {
			d := newDescriptor("<id>")
			d.ScheduledAt = now.Add(time.Second)

			_, err := queue.Push(ctx, d)
			Expect(err).ShouldNot(HaveOccurred())

			ready, err := queue.DequeueReady(ctx, "t1", 10)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ready).To(BeEmpty())
		})

		It("excludes continuations belonging to other tenants", func() {
			d := newDescriptor("<id>")
			d.TenantID = "t2"

			_, err := queue.Push(ctx, d)
			Expect(err).ShouldNot(HaveOccurred())

			ready, err := queue.DequeueReady(ctx, "t1", 10)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ready).To(BeEmpty())
		})

		It("excludes continuations that are under an unexpired lease", func() {
			_, err := queue.Push(ctx, newDescriptor("<id>"))
			Expect(err).ShouldNot(HaveOccurred())

			ok, err := dataStore.AcquireLease(
				ctx,
				persistence.Lease{
					TenantID:       "t1",
					ContinuationID: "<id>",
					NodeID:         "<node>",
					Token:          "<token>",
					ExpiresAt:      now.Add(time.Second),
				},
				now,
			)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeTrue())

			ready, err := queue.DequeueReady(ctx, "t1", 10)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ready).To(BeEmpty())

			now = now.Add(time.Second)

			ready, err = queue.DequeueReady(ctx, "t1", 10)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ready).To(HaveLen(1))
		})

		It("returns no more than n continuations", func() {
			for _, id := range []string{"<id-1>", "<id-2>", "<id-3>"} {
				_, err := queue.Push(ctx, newDescriptor(id))
				Expect(err).ShouldNot(HaveOccurred())
			}

			ready, err := queue.DequeueReady(ctx, "t1", 2)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ready).To(HaveLen(2))
		})
	})

	Describe("func Wait()", func() {
		It("returns when a continuation is enqueued", func() {
			go func() {
				defer GinkgoRecover()
				time.Sleep(20 * time.Millisecond)
				_, err := queue.Push(ctx, newDescriptor("<id>"))
				Expect(err).ShouldNot(HaveOccurred())
			}()

			start := time.Now()
			err := queue.Wait(ctx, 5*time.Second)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(time.Since(start)).To(BeNumerically("<", 5*time.Second))
		})

		It("returns nil when the duration elapses", func() {
			err := queue.Wait(ctx, 10*time.Millisecond)
			Expect(err).ShouldNot(HaveOccurred())
		})

		It("returns an error if the context is canceled", func() {
			ctx, cancel := context.WithCancel(ctx)
			cancel()

			err := queue.Wait(ctx, time.Second)
			Expect(err).To(Equal(context.Canceled))
		})
	})

	Describe("func Reschedule()", func() {
		It("records the failed attempt and delays the continuation", func() {
			d, err := queue.Push(ctx, newDescriptor("<id>"))
			Expect(err).ShouldNot(HaveOccurred())

			a := continuation.Attempt{
				Number:    1,
				StartedAt: now,
				EndedAt:   now,
				Cause:     "<cause>",
				Retryable: true,
			}

			d, err = queue.Reschedule(ctx, d, 5*time.Second, a)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(d.AttemptCount).To(Equal(1))

			x, ok, err := queue.Load(ctx, "t1", "<id>")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(x.AttemptCount).To(Equal(1))
			Expect(x.History).To(HaveLen(1))
			Expect(x.History[0].Cause).To(Equal("<cause>"))
			Expect(x.ScheduledAt).To(BeTemporally("==", now.Add(5*time.Second)))
			Expect(x.Revision).To(Equal(d.Revision))

			ready, err := queue.DequeueReady(ctx, "t1", 10)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ready).To(BeEmpty())
		})

		It("returns an error if the continuation has no remaining attempts", func() {
			d := newDescriptor("<id>")
			d.MaxAttempts = 1

			d, err := queue.Push(ctx, d)
			Expect(err).ShouldNot(HaveOccurred())

			d, err = queue.Reschedule(ctx, d, 0, continuation.Attempt{Number: 1})
			Expect(err).ShouldNot(HaveOccurred())

			_, err = queue.Reschedule(ctx, d, 0, continuation.Attempt{Number: 2})
			Expect(err).To(MatchError("continuation <id> has no remaining attempts"))
		})

		It("returns a conflict error if the continuation has been modified", func() {
			d, err := queue.Push(ctx, newDescriptor("<id>"))
			Expect(err).ShouldNot(HaveOccurred())

			_, err = queue.Defer(ctx, d, time.Second)
			Expect(err).ShouldNot(HaveOccurred())

			_, err = queue.Reschedule(ctx, d, time.Second, continuation.Attempt{Number: 1})
			Expect(err).To(BeAssignableToTypeOf(persistence.ConflictError{}))
		})
	})

	Describe("func Resume()", func() {
		It("records that the continuation is no longer waiting to retry", func() {
			d, err := queue.Push(ctx, newDescriptor("<id>"))
			Expect(err).ShouldNot(HaveOccurred())

			d, err = queue.Reschedule(ctx, d, time.Second, continuation.Attempt{Number: 1, EndedAt: now})
			Expect(err).ShouldNot(HaveOccurred())

			d, ok, err := queue.Resume(ctx, d)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeTrue())

			x, _, err := queue.Load(ctx, "t1", "<id>")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(x.Waiting()).To(BeFalse())
			Expect(x.ScheduledAt).To(BeTemporally("==", now))
			Expect(x.Revision).To(Equal(d.Revision))
		})

		It("returns false if the continuation has been cancelled", func() {
			d, err := queue.Push(ctx, newDescriptor("<id>"))
			Expect(err).ShouldNot(HaveOccurred())

			d, err = queue.Reschedule(ctx, d, time.Second, continuation.Attempt{Number: 1, EndedAt: now})
			Expect(err).ShouldNot(HaveOccurred())

			err = queue.Cancel(ctx, "t1", "<id>")
			Expect(err).ShouldNot(HaveOccurred())

			_, ok, err := queue.Resume(ctx, d)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("returns a conflict error if the continuation has been modified", func() {
			d, err := queue.Push(ctx, newDescriptor("<id>"))
			Expect(err).ShouldNot(HaveOccurred())

			d, err = queue.Reschedule(ctx, d, time.Second, continuation.Attempt{Number: 1, EndedAt: now})
			Expect(err).ShouldNot(HaveOccurred())

			_, err = queue.Defer(ctx, d, time.Second)
			Expect(err).ShouldNot(HaveOccurred())

			_, ok, err := queue.Resume(ctx, d)
			Expect(err).To(BeAssignableToTypeOf(persistence.ConflictError{}))
			Expect(ok).To(BeFalse())
		})
	})

	Describe("func Defer()", func() {
		It("delays the continuation without recording an attempt", func() {
			d, err := queue.Push(ctx, newDescriptor("<id>"))
			Expect(err).ShouldNot(HaveOccurred())

			_, err = queue.Defer(ctx, d, 2*time.Second)
			Expect(err).ShouldNot(HaveOccurred())

			x, _, err := queue.Load(ctx, "t1", "<id>")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(x.AttemptCount).To(Equal(0))
			Expect(x.ScheduledAt).To(BeTemporally("==", now.Add(2*time.Second)))
		})
	})

	Describe("func Park()", func() {
		It("removes the continuation and stores the incident", func() {
			d, err := queue.Push(ctx, newDescriptor("<id>"))
			Expect(err).ShouldNot(HaveOccurred())

			i := continuation.NewIncident(
				continuation.IncidentDefect,
				d,
				errors.New("<error>"),
				now,
			)

			i, err = queue.Park(ctx, d, i)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(i.Revision).To(BeEquivalentTo(1))

			_, ok, err := queue.Load(ctx, "t1", "<id>")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeFalse())

			x, ok, err := queue.Incident(ctx, "t1", "<id>")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(x.Kind).To(Equal(continuation.IncidentDefect))
			Expect(x.Cause).To(Equal("<error>"))
		})
	})

	Describe("func Cancel()", func() {
		It("removes a queued continuation", func() {
			_, err := queue.Push(ctx, newDescriptor("<id>"))
			Expect(err).ShouldNot(HaveOccurred())

			err = queue.Cancel(ctx, "t1", "<id>")
			Expect(err).ShouldNot(HaveOccurred())

			_, ok, err := queue.Load(ctx, "t1", "<id>")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("discards the incident of a parked continuation", func() {
			d, err := queue.Push(ctx, newDescriptor("<id>"))
			Expect(err).ShouldNot(HaveOccurred())

			_, err = queue.Park(
				ctx,
				d,
				continuation.NewIncident(continuation.IncidentDefect, d, errors.New("<error>"), now),
			)
			Expect(err).ShouldNot(HaveOccurred())

			err = queue.Cancel(ctx, "t1", "<id>")
			Expect(err).ShouldNot(HaveOccurred())

			_, ok, err := queue.Incident(ctx, "t1", "<id>")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("returns ErrInFlight if the continuation is leased", func() {
			_, err := queue.Push(ctx, newDescriptor("<id>"))
			Expect(err).ShouldNot(HaveOccurred())

			_, err = dataStore.AcquireLease(
				ctx,
				persistence.Lease{
					TenantID:       "t1",
					ContinuationID: "<id>",
					NodeID:         "<node>",
					Token:          "<token>",
					ExpiresAt:      now.Add(time.Second),
				},
				now,
			)
			Expect(err).ShouldNot(HaveOccurred())

			err = queue.Cancel(ctx, "t1", "<id>")
			Expect(err).To(Equal(ErrInFlight))

			_, ok, err := queue.Load(ctx, "t1", "<id>")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeTrue())
		})

		It("removes a leased continuation that is waiting to retry", func() {
			d, err := queue.Push(ctx, newDescriptor("<id>"))
			Expect(err).ShouldNot(HaveOccurred())

			_, err = queue.Reschedule(ctx, d, time.Minute, continuation.Attempt{Number: 1, EndedAt: now})
			Expect(err).ShouldNot(HaveOccurred())

			_, err = dataStore.AcquireLease(
				ctx,
				persistence.Lease{
					TenantID:       "t1",
					ContinuationID: "<id>",
					NodeID:         "<node>",
					Token:          "<token>",
					ExpiresAt:      now.Add(time.Minute),
				},
				now,
			)
			Expect(err).ShouldNot(HaveOccurred())

			err = queue.Cancel(ctx, "t1", "<id>")
			Expect(err).ShouldNot(HaveOccurred())

			_, ok, err := queue.Load(ctx, "t1", "<id>")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeFalse())

			By("leaving the dispatcher's lease in place")

			l, ok, err := dataStore.LoadLease(ctx, "t1", "<id>")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(l.Token).To(Equal("<token>"))
		})

		It("returns ErrInFlight if a leased continuation resumes before it is removed", func() {
			d, err := queue.Push(ctx, newDescriptor("<id>"))
			Expect(err).ShouldNot(HaveOccurred())

			d, err = queue.Reschedule(ctx, d, time.Minute, continuation.Attempt{Number: 1, EndedAt: now})
			Expect(err).ShouldNot(HaveOccurred())

			_, err = dataStore.AcquireLease(
				ctx,
				persistence.Lease{
					TenantID:       "t1",
					ContinuationID: "<id>",
					NodeID:         "<node>",
					Token:          "<token>",
					ExpiresAt:      now.Add(time.Minute),
				},
				now,
			)
			Expect(err).ShouldNot(HaveOccurred())

			stub := &fixtures.DataStoreStub{
				DataStore: dataStore,
				LoadContinuationFunc: func(
					ctx context.Context,
					tenantID, id string,
				) (continuation.Descriptor, bool, error) {
					x, ok, err := dataStore.LoadContinuation(ctx, tenantID, id)

					// The dispatcher begins its next attempt after the
					// continuation is loaded.
					_, resumed, rerr := queue.Resume(ctx, d)
					Expect(rerr).ShouldNot(HaveOccurred())
					Expect(resumed).To(BeTrue())

					return x, ok, err
				},
			}

			canceller := &Queue{
				DataStore: stub,
				Now:       func() time.Time { return now },
			}

			err = canceller.Cancel(ctx, "t1", "<id>")
			Expect(err).To(Equal(ErrInFlight))

			_, ok, err := queue.Load(ctx, "t1", "<id>")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeTrue())
		})

		It("prevents the continuation from being leased while it is cancelled", func() {
			_, err := queue.Push(ctx, newDescriptor("<id>"))
			Expect(err).ShouldNot(HaveOccurred())

			var leased bool

			stub := &fixtures.DataStoreStub{
				DataStore: dataStore,
				LoadContinuationFunc: func(
					ctx context.Context,
					tenantID, id string,
				) (continuation.Descriptor, bool, error) {
					// A dispatcher attempts to lease the continuation after
					// the cancellation has started.
					var err error
					leased, err = dataStore.AcquireLease(
						ctx,
						persistence.Lease{
							TenantID:       tenantID,
							ContinuationID: id,
							NodeID:         "<node>",
							Token:          "<token>",
							ExpiresAt:      now.Add(time.Minute),
						},
						now,
					)
					Expect(err).ShouldNot(HaveOccurred())

					return dataStore.LoadContinuation(ctx, tenantID, id)
				},
			}

			canceller := &Queue{
				DataStore: stub,
				Now:       func() time.Time { return now },
			}

			err = canceller.Cancel(ctx, "t1", "<id>")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(leased).To(BeFalse())

			_, ok, err := queue.Load(ctx, "t1", "<id>")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeFalse())

			By("releasing its own lease")

			_, ok, err = dataStore.LoadLease(ctx, "t1", "<id>")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("removes a continuation whose lease has expired", func() {
			_, err := queue.Push(ctx, newDescriptor("<id>"))
			Expect(err).ShouldNot(HaveOccurred())

			_, err = dataStore.AcquireLease(
				ctx,
				persistence.Lease{
					TenantID:       "t1",
					ContinuationID: "<id>",
					NodeID:         "<node>",
					Token:          "<token>",
					ExpiresAt:      now.Add(-time.Second),
				},
				now.Add(-2*time.Second),
			)
			Expect(err).ShouldNot(HaveOccurred())

			err = queue.Cancel(ctx, "t1", "<id>")
			Expect(err).ShouldNot(HaveOccurred())
		})

		It("returns ErrNotFound if there is no such continuation", func() {
			err := queue.Cancel(ctx, "t1", "<id>")
			Expect(err).To(Equal(ErrNotFound))
		})
	})

	Describe("func Requeue()", func() {
		It("enqueues a parked continuation with a fresh retry budget", func() {
			d, err := queue.Push(ctx, newDescriptor("<id>"))
			Expect(err).ShouldNot(HaveOccurred())

			d, err = queue.Reschedule(ctx, d, time.Second, continuation.Attempt{Number: 1, Cause: "<cause>"})
			Expect(err).ShouldNot(HaveOccurred())

			_, err = queue.Park(
				ctx,
				d,
				continuation.NewIncident(continuation.IncidentExhausted, d, errors.New("<cause>"), now),
			)
			Expect(err).ShouldNot(HaveOccurred())

			x, err := queue.Requeue(ctx, "t1", "<id>")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(x.AttemptCount).To(Equal(0))
			Expect(x.History).To(BeEmpty())

			ready, err := queue.DequeueReady(ctx, "t1", 10)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ids(ready)).To(Equal([]string{"<id>"}))

			_, ok, err := queue.Incident(ctx, "t1", "<id>")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("returns ErrNotFound if the continuation is not parked", func() {
			_, err := queue.Requeue(ctx, "t1", "<id>")
			Expect(err).To(Equal(ErrNotFound))
		})
	})
})

func ids(descriptors []continuation.Descriptor) []string {
	var result []string
	for _, d := range descriptors {
		result = append(result, d.ID)
	}
	return result
}
