package dispatcher_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/linger/backoff"
	"github.com/procflow/continuum/cluster"
	"github.com/procflow/continuum/continuation"
	. "github.com/procflow/continuum/dispatcher"
	"github.com/procflow/continuum/fixtures"
	"github.com/procflow/continuum/incident"
	"github.com/procflow/continuum/locktable"
	"github.com/procflow/continuum/persistence"
	"github.com/procflow/continuum/persistence/memorypersistence"
	"github.com/procflow/continuum/queue"
	"github.com/procflow/continuum/retry"
	"github.com/procflow/continuum/semaphore"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// recorder records the states observed by a dispatcher.
type recorder struct {
	m      sync.Mutex
	states map[string][]State
}

func (r *recorder) Observe(d continuation.Descriptor, s State) {
	r.m.Lock()
	defer r.m.Unlock()

	if r.states == nil {
		r.states = map[string][]State{}
	}

	r.states[d.ID] = append(r.states[d.ID], s)
}

func (r *recorder) States(id string) []State {
	r.m.Lock()
	defer r.m.Unlock()

	return append([]State(nil), r.states[id]...)
}

var _ = Describe("type Dispatcher", func() {
	const timeout = 5 * time.Second

	var (
		ctx      context.Context
		provider *memorypersistence.Provider
		store    persistence.DataStore
		policy   retry.Policy
		sink     *fixtures.SinkStub
		rec      *recorder
		key      continuation.EntityKey
	)

	BeforeEach(func() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		DeferCleanup(cancel)

		provider = &memorypersistence.Provider{}

		var err error
		store, err = provider.Open(ctx)
		Expect(err).ShouldNot(HaveOccurred())
		DeferCleanup(store.Close)

		policy = retry.Policy{
			MaxAttempts:   3,
			BaseDelay:     time.Millisecond,
			BackoffFactor: 2,
		}

		sink = &fixtures.SinkStub{}
		rec = &recorder{}

		key = continuation.EntityKey{
			TenantID:   "t1",
			EntityType: "Process",
			EntityID:   "42",
		}
	})

	// newNode returns a dispatcher for a single node that uses ds.
	newNode := func(
		ds persistence.DataStore,
		nodeID string,
		rec *recorder,
		interp Interpreter,
	) *Dispatcher {
		logger := logging.DiscardLogger{}
		q := &queue.Queue{DataStore: ds}

		return &Dispatcher{
			Tenants: []string{"t1"},
			Queue:   q,
			Coordinator: &cluster.Coordinator{
				NodeID:   nodeID,
				Leases:   ds,
				LeaseTTL: time.Second,
				Logger:   logger,
			},
			Locks: &locktable.Shared{
				Repository: ds,
				HolderID:   nodeID,
				TTL:        time.Second,
				Logger:     logger,
			},
			Executor: &retry.Executor{
				Boundary: persistence.BatchBoundary{DataStore: ds},
				Journal:  q,
				Logger:   logger,
			},
			Interpreter: interp,
			Policies: func(string) retry.Policy {
				return policy
			},
			Incidents: &incident.Relay{
				DataStore: ds,
				Sink:      sink,
				Logger:    logger,
			},
			LockTimeout:       2 * time.Second,
			ContentionBackoff: backoff.Constant(50 * time.Millisecond),
			PollInterval:      10 * time.Millisecond,
			Observer:          rec.Observe,
			Logger:            logger,
		}
	}

	// run starts d in the background and stops it when the test ends.
	run := func(d *Dispatcher) {
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)

		go func() {
			done <- d.Run(runCtx)
		}()

		DeferCleanup(func() {
			cancel()
			Eventually(done, timeout).Should(Receive(MatchError(context.Canceled)))
		})
	}

	push := func(d *Dispatcher, id string, payload string) continuation.Descriptor {
		c, err := d.Queue.Push(ctx, continuation.Descriptor{
			ID:          id,
			TenantID:    key.TenantID,
			EntityType:  key.EntityType,
			EntityID:    key.EntityID,
			Payload:     []byte(payload),
			MaxAttempts: policy.MaxAttempts,
		})
		Expect(err).ShouldNot(HaveOccurred())
		return c
	}

	noop := func(context.Context, persistence.ManagedTransaction, continuation.Descriptor) ([]continuation.Descriptor, error) {
		return nil, nil
	}

	Describe("func Run()", func() {
		It("executes a continuation and removes it from the queue", func() {
			d := newNode(store, "<node>", rec, func(
				ctx context.Context,
				tx persistence.ManagedTransaction,
				c continuation.Descriptor,
			) ([]continuation.Descriptor, error) {
				e, err := tx.LoadEntity(ctx, c.Key())
				if err != nil {
					return nil, err
				}

				e.Data = c.Payload
				tx.SaveEntity(e)

				return nil, nil
			})

			push(d, "<id>", "<state>")
			run(d)

			Eventually(func() []State {
				return rec.States("<id>")
			}, timeout).Should(ContainElement(Committed))

			Expect(rec.States("<id>")).To(ContainElements(Leased, Locked, Executing, Committed))

			e, err := store.LoadEntity(ctx, key)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(e.Data).To(Equal([]byte("<state>")))

			_, ok, err := d.Queue.Load(ctx, "t1", "<id>")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("releases the lease and the lock after execution", func() {
			d := newNode(store, "<node>", rec, noop)

			push(d, "<id>", "")
			run(d)

			Eventually(func() []State {
				return rec.States("<id>")
			}, timeout).Should(ContainElement(Committed))

			Eventually(func() bool {
				_, ok, err := store.LoadLease(ctx, "t1", "<id>")
				Expect(err).ShouldNot(HaveOccurred())
				return ok
			}, timeout).Should(BeFalse())

			Eventually(func() bool {
				r, _, err := store.LoadLock(ctx, key)
				Expect(err).ShouldNot(HaveOccurred())
				return r.Held(time.Now())
			}, timeout).Should(BeFalse())
		})

		It("never executes two continuations for the same entity concurrently", func() {
			var active, max int32

			d := newNode(store, "<node>", rec, func(
				context.Context,
				persistence.ManagedTransaction,
				continuation.Descriptor,
			) ([]continuation.Descriptor, error) {
				n := atomic.AddInt32(&active, 1)
				defer atomic.AddInt32(&active, -1)

				for {
					m := atomic.LoadInt32(&max)
					if n <= m || atomic.CompareAndSwapInt32(&max, m, n) {
						break
					}
				}

				time.Sleep(50 * time.Millisecond)

				return nil, nil
			})

			push(d, "<id-1>", "")
			push(d, "<id-2>", "")
			run(d)

			Eventually(func() []State {
				return rec.States("<id-1>")
			}, timeout).Should(ContainElement(Committed))

			Eventually(func() []State {
				return rec.States("<id-2>")
			}, timeout).Should(ContainElement(Committed))

			Expect(atomic.LoadInt32(&max)).To(BeEquivalentTo(1))
		})

		It("executes continuations for different entities concurrently", func() {
			var arrived sync.WaitGroup
			arrived.Add(2)

			all := make(chan struct{})
			go func() {
				arrived.Wait()
				close(all)
			}()

			d := newNode(store, "<node>", rec, func(
				ctx context.Context,
				_ persistence.ManagedTransaction,
				c continuation.Descriptor,
			) ([]continuation.Descriptor, error) {
				if c.AttemptCount == 0 {
					arrived.Done()
				}

				select {
				case <-all:
					return nil, nil
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(timeout):
					return nil, errors.New("continuations were not executed concurrently")
				}
			})

			push(d, "<id-1>", "")

			key.EntityID = "43"
			push(d, "<id-2>", "")

			run(d)

			Eventually(func() []State {
				return rec.States("<id-1>")
			}, timeout).Should(ContainElement(Committed))

			Eventually(func() []State {
				return rec.States("<id-2>")
			}, timeout).Should(ContainElement(Committed))
		})

		It("limits the number of continuations executed concurrently", func() {
			var active, max int32

			d := newNode(store, "<node>", rec, func(
				context.Context,
				persistence.ManagedTransaction,
				continuation.Descriptor,
			) ([]continuation.Descriptor, error) {
				n := atomic.AddInt32(&active, 1)
				defer atomic.AddInt32(&active, -1)

				for {
					m := atomic.LoadInt32(&max)
					if n <= m || atomic.CompareAndSwapInt32(&max, m, n) {
						break
					}
				}

				time.Sleep(20 * time.Millisecond)

				return nil, nil
			})
			d.Semaphore = semaphore.New(1)

			ids := []string{"<id-1>", "<id-2>", "<id-3>"}
			for i, id := range ids {
				key.EntityID = string(rune('a' + i))
				push(d, id, "")
			}

			run(d)

			for _, id := range ids {
				id := id
				Eventually(func() []State {
					return rec.States(id)
				}, timeout).Should(ContainElement(Committed))
			}

			Expect(atomic.LoadInt32(&max)).To(BeEquivalentTo(1))
		})

		It("defers a continuation whose entity is locked without consuming an attempt", func() {
			other := &locktable.Shared{
				Repository: store,
				HolderID:   "<other-node>",
				TTL:        time.Minute,
			}

			h, err := other.Acquire(ctx, key, 0)
			Expect(err).ShouldNot(HaveOccurred())

			d := newNode(store, "<node>", rec, noop)
			d.LockTimeout = 20 * time.Millisecond

			push(d, "<id>", "")
			run(d)

			Eventually(func() []State {
				return rec.States("<id>")
			}, timeout).Should(ContainElement(Deferred))

			c, ok, err := d.Queue.Load(ctx, "t1", "<id>")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(c.AttemptCount).To(BeZero())
			Expect(c.History).To(BeEmpty())

			err = other.Release(ctx, h)
			Expect(err).ShouldNot(HaveOccurred())

			Eventually(func() []State {
				return rec.States("<id>")
			}, timeout).Should(ContainElement(Committed))
		})

		It("commits follow-up continuations atomically with the unit of work", func() {
			var (
				m        sync.Mutex
				payloads []string
			)

			d := newNode(store, "<node>", rec, func(
				_ context.Context,
				_ persistence.ManagedTransaction,
				c continuation.Descriptor,
			) ([]continuation.Descriptor, error) {
				m.Lock()
				payloads = append(payloads, string(c.Payload))
				m.Unlock()

				if string(c.Payload) != "<first>" {
					return nil, nil
				}

				return []continuation.Descriptor{
					{
						EntityType: c.EntityType,
						EntityID:   c.EntityID,
						Payload:    []byte("<second>"),
					},
				}, nil
			})

			push(d, "<id>", "<first>")
			run(d)

			Eventually(func() []string {
				m.Lock()
				defer m.Unlock()
				return append([]string(nil), payloads...)
			}, timeout).Should(Equal([]string{"<first>", "<second>"}))

			Eventually(func() []continuation.Descriptor {
				ready, err := d.Queue.DequeueReady(ctx, "t1", 10)
				Expect(err).ShouldNot(HaveOccurred())
				return ready
			}, timeout).Should(BeEmpty())
		})

		It("discards follow-up continuations if the unit of work fails", func() {
			var calls int32

			d := newNode(store, "<node>", rec, func(
				_ context.Context,
				_ persistence.ManagedTransaction,
				c continuation.Descriptor,
			) ([]continuation.Descriptor, error) {
				atomic.AddInt32(&calls, 1)

				return []continuation.Descriptor{
					{
						EntityType: c.EntityType,
						EntityID:   c.EntityID,
						Payload:    []byte("<follow-up>"),
					},
				}, errors.New("<defect>")
			})

			push(d, "<id>", "")
			run(d)

			Eventually(func() []State {
				return rec.States("<id>")
			}, timeout).Should(ContainElement(Parked))

			Consistently(func() int32 {
				return atomic.LoadInt32(&calls)
			}, 100*time.Millisecond).Should(BeEquivalentTo(1))

			ready, err := d.Queue.DequeueReady(ctx, "t1", 10)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ready).To(BeEmpty())

			i, ok, err := d.Queue.Incident(ctx, "t1", "<id>")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(i.Kind).To(Equal(continuation.IncidentDefect))
			Expect(i.Cause).To(Equal("<defect>"))
			Expect(i.Continuation.History).To(HaveLen(1))
		})

		It("parks a continuation that exhausts its retry budget and reports the incident", func() {
			var calls int32

			d := newNode(store, "<node>", rec, func(
				context.Context,
				persistence.ManagedTransaction,
				continuation.Descriptor,
			) ([]continuation.Descriptor, error) {
				atomic.AddInt32(&calls, 1)
				return nil, persistence.Transient(errors.New("<deadlock>"))
			})

			push(d, "<id>", "")
			run(d)

			Eventually(func() []continuation.Incident {
				return sink.Incidents()
			}, timeout).Should(HaveLen(1))

			Expect(atomic.LoadInt32(&calls)).To(BeEquivalentTo(3))

			states := rec.States("<id>")
			Expect(states).To(ContainElement(Parked))
			Expect(states).NotTo(ContainElement(Committed))

			retries := 0
			for _, s := range states {
				if s == Retrying {
					retries++
				}
			}
			Expect(retries).To(Equal(2))

			reported := sink.Incidents()[0]
			Expect(reported.Kind).To(Equal(continuation.IncidentExhausted))
			Expect(reported.Continuation.ID).To(Equal("<id>"))
			Expect(reported.Continuation.AttemptCount).To(Equal(3))
			Expect(reported.Continuation.History).To(HaveLen(3))
			Expect(reported.Cause).To(Equal("transient persistence failure: <deadlock>"))

			for n, a := range reported.Continuation.History {
				Expect(a.Number).To(Equal(n + 1))
				Expect(a.Retryable).To(BeTrue())
			}

			Eventually(func() bool {
				i, ok, err := d.Queue.Incident(ctx, "t1", "<id>")
				Expect(err).ShouldNot(HaveOccurred())
				Expect(ok).To(BeTrue())
				return i.Reported
			}, timeout).Should(BeTrue())

			_, ok, err := d.Queue.Load(ctx, "t1", "<id>")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("rejects the late commit of a node whose lease was taken over", func() {
			started := make(chan struct{})
			release := make(chan struct{})
			var once sync.Once

			// Node A stalls after it has started executing; its attempts to
			// renew its lease and lock hang indefinitely.
			stalled := &fixtures.DataStoreStub{
				DataStore: store,
				RenewLeaseFunc: func(ctx context.Context, _ persistence.Lease) (bool, error) {
					<-ctx.Done()
					return false, ctx.Err()
				},
				RenewLockFunc: func(ctx context.Context, _ persistence.LockRecord) (bool, error) {
					<-ctx.Done()
					return false, ctx.Err()
				},
			}

			recA := &recorder{}
			nodeA := newNode(stalled, "<node-a>", recA, func(
				ctx context.Context,
				tx persistence.ManagedTransaction,
				c continuation.Descriptor,
			) ([]continuation.Descriptor, error) {
				once.Do(func() { close(started) })

				select {
				case <-release:
				case <-ctx.Done():
					return nil, ctx.Err()
				}

				tx.SaveEntity(persistence.Entity{
					Key:  c.Key(),
					Data: []byte("<node-a>"),
				})

				return nil, nil
			})
			nodeA.Coordinator.LeaseTTL = 100 * time.Millisecond
			nodeA.Locks.(*locktable.Shared).TTL = 100 * time.Millisecond
			nodeA.Semaphore = semaphore.New(1)

			other, err := provider.Open(ctx)
			Expect(err).ShouldNot(HaveOccurred())
			DeferCleanup(other.Close)

			recB := &recorder{}
			nodeB := newNode(other, "<node-b>", recB, func(
				ctx context.Context,
				tx persistence.ManagedTransaction,
				c continuation.Descriptor,
			) ([]continuation.Descriptor, error) {
				e, err := tx.LoadEntity(ctx, c.Key())
				if err != nil {
					return nil, err
				}

				e.Data = []byte("<node-b>")
				tx.SaveEntity(e)

				return nil, nil
			})

			push(nodeA, "<id>", "")
			run(nodeA)

			Eventually(started, timeout).Should(BeClosed())

			run(nodeB)

			Eventually(func() []State {
				return recB.States("<id>")
			}, timeout).Should(ContainElement(Committed))

			close(release)

			Eventually(func() []State {
				return recA.States("<id>")
			}, timeout).Should(ContainElement(Superseded))

			Expect(recA.States("<id>")).NotTo(ContainElement(Committed))

			e, err := store.LoadEntity(ctx, key)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(e.Data).To(Equal([]byte("<node-b>")))
		})

		It("stops retrying a continuation that is cancelled while waiting to retry", func() {
			policy.BaseDelay = 500 * time.Millisecond

			var calls int32

			d := newNode(store, "<node>", rec, func(
				context.Context,
				persistence.ManagedTransaction,
				continuation.Descriptor,
			) ([]continuation.Descriptor, error) {
				atomic.AddInt32(&calls, 1)
				return nil, persistence.Transient(errors.New("<deadlock>"))
			})

			push(d, "<id>", "")
			run(d)

			Eventually(func() []State {
				return rec.States("<id>")
			}, timeout).Should(ContainElement(Retrying))

			err := d.Queue.Cancel(ctx, "t1", "<id>")
			Expect(err).ShouldNot(HaveOccurred())

			Eventually(func() []State {
				return rec.States("<id>")
			}, timeout).Should(ContainElement(Cancelled))

			Expect(atomic.LoadInt32(&calls)).To(BeEquivalentTo(1))
			Expect(rec.States("<id>")).NotTo(ContainElement(Parked))

			_, ok, err := d.Queue.Load(ctx, "t1", "<id>")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeFalse())

			_, ok, err = d.Queue.Incident(ctx, "t1", "<id>")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("does not dispatch follow-up continuations until the parent's lock is released", func() {
			parentKey := key

			// Releasing the parent's lock is slow enough that a follow-up
			// dispatched on commit would be locked first.
			slow := &fixtures.DataStoreStub{
				DataStore: store,
				ReleaseLockFunc: func(ctx context.Context, r persistence.LockRecord) error {
					if r.Key == parentKey {
						time.Sleep(300 * time.Millisecond)
					}
					return store.ReleaseLock(ctx, r)
				},
			}

			var (
				locked     atomic.Bool
				parentHeld atomic.Bool
			)

			d := newNode(slow, "<node>", rec, func(
				_ context.Context,
				_ persistence.ManagedTransaction,
				c continuation.Descriptor,
			) ([]continuation.Descriptor, error) {
				if string(c.Payload) != "<parent>" {
					return nil, nil
				}

				return []continuation.Descriptor{
					{
						EntityType: c.EntityType,
						EntityID:   "43",
						Payload:    []byte("<follow-up>"),
					},
				}, nil
			})
			d.Observer = func(c continuation.Descriptor, s State) {
				rec.Observe(c, s)

				if s == Locked && string(c.Payload) == "<follow-up>" {
					r, _, err := store.LoadLock(ctx, parentKey)
					parentHeld.Store(err != nil || r.Held(time.Now()))
					locked.Store(true)
				}
			}

			push(d, "<id>", "<parent>")
			run(d)

			Eventually(locked.Load, timeout).Should(BeTrue())
			Expect(parentHeld.Load()).To(BeFalse())
		})

		It("dequeues the rest of a batch again once a worker is free", func() {
			started := make(chan struct{})
			release := make(chan struct{})

			d := newNode(store, "<node>", rec, func(
				ctx context.Context,
				_ persistence.ManagedTransaction,
				c continuation.Descriptor,
			) ([]continuation.Descriptor, error) {
				if c.ID != "<id-1>" {
					return nil, nil
				}

				close(started)

				select {
				case <-release:
					return nil, nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			})
			d.Semaphore = semaphore.New(1)

			push(d, "<id-1>", "")

			key.EntityID = "43"
			push(d, "<id-2>", "")

			run(d)

			Eventually(started, timeout).Should(BeClosed())

			err := d.Queue.Cancel(ctx, "t1", "<id-2>")
			Expect(err).ShouldNot(HaveOccurred())

			close(release)

			Eventually(func() []State {
				return rec.States("<id-1>")
			}, timeout).Should(ContainElement(Committed))

			Consistently(func() []State {
				return rec.States("<id-2>")
			}, 100*time.Millisecond).Should(BeEmpty())
		})

		It("returns when the context is canceled", func() {
			d := newNode(store, "<node>", rec, noop)

			runCtx, cancel := context.WithCancel(ctx)
			cancel()

			err := d.Run(runCtx)
			Expect(err).To(MatchError(context.Canceled))
		})
	})
})
