package continuum

import (
	"fmt"
	"runtime"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/google/uuid"
	"github.com/procflow/continuum/cluster"
	"github.com/procflow/continuum/dispatcher"
	"github.com/procflow/continuum/incident"
	"github.com/procflow/continuum/persistence"
	"github.com/procflow/continuum/persistence/boltpersistence"
	"github.com/procflow/continuum/retry"
)

var (
	// DefaultPersistenceProvider is the default persistence provider.
	//
	// It is overridden by the WithPersistence() option.
	DefaultPersistenceProvider persistence.Provider = &boltpersistence.FileProvider{
		Path: "/var/run/continuum.boltdb",
	}

	// DefaultTenantPolicy is the default policy for tenants that are hosted
	// without a policy of their own.
	//
	// It is overridden by the WithDefaultPolicy() option.
	DefaultTenantPolicy = TenantPolicy{
		MaxAttempts:    5,
		BaseDelay:      100 * time.Millisecond,
		BackoffFactor:  2,
		MaxDelay:       1 * time.Minute,
		AttemptTimeout: 10 * time.Second,
	}

	// DefaultLockTimeout is the default duration the engine waits for the
	// lock of an entity before deferring a continuation.
	//
	// It is overridden by the WithLockTimeout() option.
	DefaultLockTimeout = dispatcher.DefaultLockTimeout

	// DefaultLeaseTTL is the default lifetime of a continuation lease that is
	// not renewed.
	//
	// It is overridden by the WithLeaseTTL() option.
	DefaultLeaseTTL = cluster.DefaultLeaseTTL

	// DefaultPollInterval is the default maximum interval between polls of
	// the queue.
	//
	// It is overridden by the WithPollInterval() option.
	DefaultPollInterval = dispatcher.DefaultPollInterval

	// DefaultConcurrencyLimit is the default number of continuations to
	// execute concurrently.
	//
	// It is overridden by the WithConcurrencyLimit() option.
	DefaultConcurrencyLimit = uint(runtime.GOMAXPROCS(0) * 2)

	// DefaultLogger is the default target for log messages produced by the
	// engine.
	//
	// It is overridden by the WithLogger() option.
	DefaultLogger = logging.DefaultLogger
)

// TenantPolicy is the retry policy of a single tenant.
type TenantPolicy struct {
	// MaxAttempts is the retry budget of continuations enqueued without one.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// BackoffFactor is the multiplier applied to the delay for each prior
	// retry.
	BackoffFactor int

	// MaxDelay is the upper bound on the delay between retries. If it is zero
	// the delay is unbounded.
	MaxDelay time.Duration

	// AttemptTimeout is the duration allowed for a single attempt. If it is
	// zero attempts are not bounded.
	AttemptTimeout time.Duration
}

// retryPolicy returns the retry policy equivalent to p.
func (p TenantPolicy) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:    p.MaxAttempts,
		BaseDelay:      p.BaseDelay,
		BackoffFactor:  p.BackoffFactor,
		MaxDelay:       p.MaxDelay,
		AttemptTimeout: p.AttemptTimeout,
	}
}

// EngineOption configures the behavior of an engine.
type EngineOption func(*engineOptions)

// WithInterpreter returns an engine option that sets the process interpreter
// that executes the unit of work of each continuation.
//
// This option is required.
func WithInterpreter(fn dispatcher.Interpreter) EngineOption {
	return func(opts *engineOptions) {
		opts.Interpreter = fn
	}
}

// WithTenant returns an engine option that hosts a tenant on the engine.
//
// The tenant uses the default policy unless it is overridden by a subsequent
// WithTenantPolicy() option. There must always be at least one tenant.
func WithTenant(id string) EngineOption {
	if id == "" {
		panic("tenant ID must not be empty")
	}

	return func(opts *engineOptions) {
		for _, t := range opts.Tenants {
			if t == id {
				return
			}
		}

		opts.Tenants = append(opts.Tenants, id)
	}
}

// WithTenantPolicy returns an engine option that hosts a tenant on the engine
// with its own retry policy.
func WithTenantPolicy(id string, p TenantPolicy) EngineOption {
	validatePolicy(p)
	host := WithTenant(id)

	return func(opts *engineOptions) {
		host(opts)

		if opts.Policies == nil {
			opts.Policies = map[string]TenantPolicy{}
		}

		opts.Policies[id] = p
	}
}

// WithDefaultPolicy returns an engine option that sets the policy used by
// tenants without a policy of their own.
//
// If this option is omitted DefaultTenantPolicy is used.
func WithDefaultPolicy(p TenantPolicy) EngineOption {
	validatePolicy(p)

	return func(opts *engineOptions) {
		opts.DefaultPolicy = &p
	}
}

// WithPersistence returns an engine option that sets the persistence provider
// used to store the engine's state.
//
// If this option is omitted or p is nil, DefaultPersistenceProvider is used.
func WithPersistence(p persistence.Provider) EngineOption {
	return func(opts *engineOptions) {
		opts.PersistenceProvider = p
	}
}

// WithNodeID returns an engine option that sets the ID that identifies this
// engine among the nodes of a cluster.
//
// If this option is omitted or id is empty, a random ID is generated.
func WithNodeID(id string) EngineOption {
	return func(opts *engineOptions) {
		opts.NodeID = id
	}
}

// WithLockTimeout returns an engine option that sets the duration the engine
// waits for the lock of an entity.
//
// If this option is omitted or d is zero DefaultLockTimeout is used.
func WithLockTimeout(d time.Duration) EngineOption {
	if d < 0 {
		panic("duration must not be negative")
	}

	return func(opts *engineOptions) {
		opts.LockTimeout = d
	}
}

// WithLeaseTTL returns an engine option that sets the lifetime of leases and
// entity locks that are not renewed.
//
// It is the time after which the continuations of a crashed node are
// recovered by the other nodes. If this option is omitted or d is zero
// DefaultLeaseTTL is used.
func WithLeaseTTL(d time.Duration) EngineOption {
	if d < 0 {
		panic("duration must not be negative")
	}

	return func(opts *engineOptions) {
		opts.LeaseTTL = d
	}
}

// WithPollInterval returns an engine option that sets the maximum interval
// between polls of the queue.
//
// If this option is omitted or d is zero DefaultPollInterval is used.
func WithPollInterval(d time.Duration) EngineOption {
	if d < 0 {
		panic("duration must not be negative")
	}

	return func(opts *engineOptions) {
		opts.PollInterval = d
	}
}

// WithConcurrencyLimit returns an engine option that limits the number of
// continuations that are executed at the same time.
//
// If this option is omitted or n is zero DefaultConcurrencyLimit is used.
func WithConcurrencyLimit(n uint) EngineOption {
	return func(opts *engineOptions) {
		opts.ConcurrencyLimit = n
	}
}

// WithLocalLocks returns an engine option that keeps entity locks in memory
// instead of in the data-store.
//
// Local locks are only suitable for an engine that is the sole node of its
// cluster.
func WithLocalLocks() EngineOption {
	return func(opts *engineOptions) {
		opts.LocalLocks = true
	}
}

// WithIncidentSink returns an engine option that sets the target for
// incidents.
//
// If this option is omitted or s is nil, incidents are written to the
// engine's logger.
func WithIncidentSink(s incident.Sink) EngineOption {
	return func(opts *engineOptions) {
		opts.IncidentSink = s
	}
}

// WithObserver returns an engine option that sets an observer that is
// notified each time a continuation changes state.
func WithObserver(o dispatcher.Observer) EngineOption {
	return func(opts *engineOptions) {
		opts.Observer = o
	}
}

// WithLogger returns an engine option that sets the target for log messages
// produced by the engine.
//
// If this option is omitted or l is nil DefaultLogger is used.
func WithLogger(l logging.Logger) EngineOption {
	return func(opts *engineOptions) {
		opts.Logger = l
	}
}

// engineOptions is a container for a fully-resolved set of engine options.
type engineOptions struct {
	Interpreter         dispatcher.Interpreter
	Tenants             []string
	Policies            map[string]TenantPolicy
	DefaultPolicy       *TenantPolicy
	PersistenceProvider persistence.Provider
	NodeID              string
	LockTimeout         time.Duration
	LeaseTTL            time.Duration
	PollInterval        time.Duration
	ConcurrencyLimit    uint
	LocalLocks          bool
	IncidentSink        incident.Sink
	Observer            dispatcher.Observer
	Logger              logging.Logger
}

// policy returns the policy for the given tenant.
func (opts *engineOptions) policy(tenantID string) TenantPolicy {
	if p, ok := opts.Policies[tenantID]; ok {
		return p
	}

	return *opts.DefaultPolicy
}

// resolveEngineOptions returns a fully-populated set of engine options built
// from the given set of option functions.
func resolveEngineOptions(options ...EngineOption) *engineOptions {
	opts := &engineOptions{}

	for _, o := range options {
		o(opts)
	}

	if opts.Interpreter == nil {
		panic("no interpreter configured, see continuum.WithInterpreter()")
	}

	if len(opts.Tenants) == 0 {
		panic("no tenants configured, see continuum.WithTenant()")
	}

	if opts.DefaultPolicy == nil {
		p := DefaultTenantPolicy
		opts.DefaultPolicy = &p
	}

	if opts.PersistenceProvider == nil {
		opts.PersistenceProvider = DefaultPersistenceProvider
	}

	if opts.NodeID == "" {
		opts.NodeID = uuid.NewString()
	}

	if opts.LockTimeout == 0 {
		opts.LockTimeout = DefaultLockTimeout
	}

	if opts.LeaseTTL == 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}

	if opts.PollInterval == 0 {
		opts.PollInterval = DefaultPollInterval
	}

	if opts.ConcurrencyLimit == 0 {
		opts.ConcurrencyLimit = DefaultConcurrencyLimit
	}

	if opts.Logger == nil {
		opts.Logger = DefaultLogger
	}

	if opts.IncidentSink == nil {
		opts.IncidentSink = &incident.Deduplicator{
			Next: incident.LogSink{Logger: opts.Logger},
		}
	}

	return opts
}

// validatePolicy panics if p is not a usable policy.
func validatePolicy(p TenantPolicy) {
	if err := p.retryPolicy().Validate(); err != nil {
		panic(fmt.Sprintf("invalid tenant policy: %s", err))
	}

	if p.MaxDelay < 0 || p.AttemptTimeout < 0 {
		panic("invalid tenant policy: duration must not be negative")
	}
}
