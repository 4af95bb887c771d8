package continuum_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	. "github.com/procflow/continuum"
	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/dispatcher"
	"github.com/procflow/continuum/fixtures"
	"github.com/procflow/continuum/persistence"
	"github.com/procflow/continuum/persistence/memorypersistence"
	"github.com/procflow/continuum/queue"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("type Engine", func() {
	const timeout = 5 * time.Second

	var (
		ctx      context.Context
		cancel   context.CancelFunc
		provider *memorypersistence.Provider
		sink     *fixtures.SinkStub
		fail     atomic.Bool
		m        sync.Mutex
		states   map[string][]dispatcher.State
		engine   *Engine
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		DeferCleanup(cancel)

		provider = &memorypersistence.Provider{}
		sink = &fixtures.SinkStub{}
		fail.Store(false)
		states = map[string][]dispatcher.State{}

		engine = New(
			WithInterpreter(func(
				ctx context.Context,
				tx persistence.ManagedTransaction,
				d continuation.Descriptor,
			) ([]continuation.Descriptor, error) {
				if fail.Load() {
					return nil, errors.New("<defect>")
				}

				e, err := tx.LoadEntity(ctx, d.Key())
				if err != nil {
					return nil, err
				}

				e.Data = d.Payload
				tx.SaveEntity(e)

				return nil, nil
			}),
			WithTenant("t1"),
			WithPersistence(provider),
			WithNodeID("<node>"),
			WithPollInterval(10*time.Millisecond),
			WithIncidentSink(sink),
			WithObserver(func(d continuation.Descriptor, s dispatcher.State) {
				m.Lock()
				defer m.Unlock()
				states[d.ID] = append(states[d.ID], s)
			}),
			WithLogger(logging.DiscardLogger{}),
		)
	})

	statesOf := func(id string) func() []dispatcher.State {
		return func() []dispatcher.State {
			m.Lock()
			defer m.Unlock()
			return append([]dispatcher.State(nil), states[id]...)
		}
	}

	start := func() {
		runCtx, stop := context.WithCancel(ctx)
		done := make(chan error, 1)

		go func() {
			done <- engine.Run(runCtx)
		}()

		DeferCleanup(func() {
			stop()
			Eventually(done, timeout).Should(Receive(MatchError(context.Canceled)))
		})
	}

	newDescriptor := func(id string) continuation.Descriptor {
		return continuation.Descriptor{
			ID:         id,
			TenantID:   "t1",
			EntityType: "Process",
			EntityID:   "42",
			Payload:    []byte("<state>"),
		}
	}

	Describe("func New()", func() {
		It("panics if no interpreter is configured", func() {
			Expect(func() {
				New(WithTenant("t1"))
			}).To(Panic())
		})
	})

	Describe("func Run()", func() {
		It("returns an error if the context is canceled before calling", func() {
			cancel()

			err := engine.Run(ctx)
			Expect(err).To(MatchError(context.Canceled))
		})

		It("returns an error if the context is canceled while running", func() {
			go func() {
				time.Sleep(20 * time.Millisecond)
				cancel()
			}()

			err := engine.Run(ctx)
			Expect(err).To(MatchError(context.Canceled))
		})

		It("returns an error if the engine is already running", func() {
			start()

			_, err := engine.Enqueue(ctx, newDescriptor("<id>"))
			Expect(err).ShouldNot(HaveOccurred())

			err = engine.Run(ctx)
			Expect(err).To(MatchError("engine is already running"))
		})
	})

	Describe("func Ready()", func() {
		It("is closed once the engine is running", func() {
			Consistently(engine.Ready(), 20*time.Millisecond).ShouldNot(BeClosed())

			start()

			Eventually(engine.Ready(), timeout).Should(BeClosed())
		})
	})

	Describe("func Enqueue()", func() {
		It("executes the continuation", func() {
			start()

			d, err := engine.Enqueue(ctx, newDescriptor("<id>"))
			Expect(err).ShouldNot(HaveOccurred())
			Expect(d.MaxAttempts).To(Equal(DefaultTenantPolicy.MaxAttempts))

			Eventually(statesOf("<id>"), timeout).Should(ContainElement(dispatcher.Committed))

			_, ok, err := engine.Continuation(ctx, "t1", "<id>")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("blocks until the engine is running", func() {
			waitCtx, cancelWait := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancelWait()

			_, err := engine.Enqueue(waitCtx, newDescriptor("<id>"))
			Expect(err).To(MatchError(context.DeadlineExceeded))
		})
	})

	Describe("func Incident()", func() {
		It("returns the incident of a parked continuation", func() {
			fail.Store(true)
			start()

			_, err := engine.Enqueue(ctx, newDescriptor("<id>"))
			Expect(err).ShouldNot(HaveOccurred())

			Eventually(statesOf("<id>"), timeout).Should(ContainElement(dispatcher.Parked))

			i, ok, err := engine.Incident(ctx, "t1", "<id>")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(i.Kind).To(Equal(continuation.IncidentDefect))
			Expect(i.Cause).To(Equal("<defect>"))

			Eventually(sink.Incidents, timeout).ShouldNot(BeEmpty())
		})
	})

	Describe("func Requeue()", func() {
		It("executes a parked continuation again", func() {
			fail.Store(true)
			start()

			_, err := engine.Enqueue(ctx, newDescriptor("<id>"))
			Expect(err).ShouldNot(HaveOccurred())

			Eventually(statesOf("<id>"), timeout).Should(ContainElement(dispatcher.Parked))

			fail.Store(false)

			d, err := engine.Requeue(ctx, "t1", "<id>")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(d.AttemptCount).To(BeZero())

			Eventually(statesOf("<id>"), timeout).Should(ContainElement(dispatcher.Committed))

			_, ok, err := engine.Incident(ctx, "t1", "<id>")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("returns an error if the continuation is not parked", func() {
			start()

			_, err := engine.Requeue(ctx, "t1", "<id>")
			Expect(err).To(Equal(queue.ErrNotFound))
		})
	})

	Describe("func Cancel()", func() {
		It("discards a parked continuation", func() {
			fail.Store(true)
			start()

			_, err := engine.Enqueue(ctx, newDescriptor("<id>"))
			Expect(err).ShouldNot(HaveOccurred())

			Eventually(statesOf("<id>"), timeout).Should(ContainElement(dispatcher.Parked))

			// The lease is released shortly after the continuation is parked.
			Eventually(func() error {
				return engine.Cancel(ctx, "t1", "<id>")
			}, timeout).Should(Succeed())

			_, ok, err := engine.Incident(ctx, "t1", "<id>")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("returns an error if there is no such continuation", func() {
			start()

			err := engine.Cancel(ctx, "t1", "<id>")
			Expect(err).To(Equal(queue.ErrNotFound))
		})
	})
})
