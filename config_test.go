package continuum

import (
	"os"
	"time"

	"github.com/dogmatiq/dodeca/config"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("func FromConfig()", func() {
	setenv := func(k, v string) {
		Expect(os.Setenv(k, v)).To(Succeed())
		DeferCleanup(os.Unsetenv, k)
	}

	resolve := func() *engineOptions {
		return resolveEngineOptions(
			append(
				FromConfig(config.Environment()),
				WithInterpreter(testInterpreter),
			)...,
		)
	}

	BeforeEach(func() {
		setenv("CONTINUUM_TENANTS", "acme, acme-corp,,")
	})

	It("hosts each of the listed tenants", func() {
		opts := resolve()
		Expect(opts.Tenants).To(Equal([]string{"acme", "acme-corp"}))
	})

	It("uses the defaults when keys are not set", func() {
		opts := resolve()

		Expect(opts.NodeID).NotTo(BeEmpty())
		Expect(opts.LockTimeout).To(Equal(DefaultLockTimeout))
		Expect(opts.LeaseTTL).To(Equal(DefaultLeaseTTL))
		Expect(opts.PollInterval).To(Equal(DefaultPollInterval))
		Expect(opts.ConcurrencyLimit).To(Equal(DefaultConcurrencyLimit))
		Expect(opts.LocalLocks).To(BeFalse())
		Expect(opts.policy("acme")).To(Equal(DefaultTenantPolicy))
	})

	It("reads node-wide settings", func() {
		setenv("CONTINUUM_NODE_ID", "<node>")
		setenv("CONTINUUM_LOCK_TIMEOUT", "2s")
		setenv("CONTINUUM_LEASE_TTL", "1m")
		setenv("CONTINUUM_POLL_INTERVAL", "250ms")
		setenv("CONTINUUM_CONCURRENCY", "7")
		setenv("CONTINUUM_LOCAL_LOCKS", "true")

		opts := resolve()

		Expect(opts.NodeID).To(Equal("<node>"))
		Expect(opts.LockTimeout).To(Equal(2 * time.Second))
		Expect(opts.LeaseTTL).To(Equal(1 * time.Minute))
		Expect(opts.PollInterval).To(Equal(250 * time.Millisecond))
		Expect(opts.ConcurrencyLimit).To(BeEquivalentTo(7))
		Expect(opts.LocalLocks).To(BeTrue())
	})

	It("reads the default policy", func() {
		setenv("CONTINUUM_MAX_ATTEMPTS", "3")
		setenv("CONTINUUM_BASE_DELAY", "1s")
		setenv("CONTINUUM_BACKOFF_FACTOR", "4")
		setenv("CONTINUUM_MAX_DELAY", "30s")
		setenv("CONTINUUM_ATTEMPT_TIMEOUT", "5s")

		opts := resolve()

		expect := TenantPolicy{
			MaxAttempts:    3,
			BaseDelay:      1 * time.Second,
			BackoffFactor:  4,
			MaxDelay:       30 * time.Second,
			AttemptTimeout: 5 * time.Second,
		}

		Expect(opts.policy("acme")).To(Equal(expect))
		Expect(opts.policy("acme-corp")).To(Equal(expect))
	})

	It("reads per-tenant policy overrides", func() {
		setenv("CONTINUUM_MAX_ATTEMPTS", "3")
		setenv("CONTINUUM_TENANT_ACME_CORP_MAX_ATTEMPTS", "9")

		opts := resolve()

		Expect(opts.policy("acme").MaxAttempts).To(Equal(3))
		Expect(opts.policy("acme-corp").MaxAttempts).To(Equal(9))
		Expect(opts.policy("acme-corp").BaseDelay).To(Equal(DefaultTenantPolicy.BaseDelay))
	})
})

var _ = Describe("func tenantKey()", func() {
	DescribeTable(
		"it returns the representation of the tenant ID used in keys",
		func(id, expect string) {
			Expect(tenantKey(id)).To(Equal(expect))
		},
		Entry("lower case", "acme", "ACME"),
		Entry("punctuation", "acme-corp.eu", "ACME_CORP_EU"),
		Entry("digits", "t1", "T1"),
		Entry("non-ASCII letters", "café", "CAF_"),
	)
})
