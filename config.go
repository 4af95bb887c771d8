package continuum

import (
	"strings"
	"unicode"

	"github.com/dogmatiq/dodeca/config"
)

// FromConfig returns engine options read from a configuration bucket.
//
// The following keys are recognized:
//
//	CONTINUUM_NODE_ID           the ID of this node
//	CONTINUUM_TENANTS           comma-separated IDs of the hosted tenants
//	CONTINUUM_LOCK_TIMEOUT      see WithLockTimeout()
//	CONTINUUM_LEASE_TTL         see WithLeaseTTL()
//	CONTINUUM_POLL_INTERVAL     see WithPollInterval()
//	CONTINUUM_CONCURRENCY       see WithConcurrencyLimit()
//	CONTINUUM_LOCAL_LOCKS       see WithLocalLocks()
//
// The default tenant policy is read from CONTINUUM_MAX_ATTEMPTS,
// CONTINUUM_BASE_DELAY, CONTINUUM_BACKOFF_FACTOR, CONTINUUM_MAX_DELAY and
// CONTINUUM_ATTEMPT_TIMEOUT. Each of these keys may be overridden for a single
// tenant by inserting TENANT_<ID>_ after the CONTINUUM_ prefix, where <ID> is
// the tenant ID in upper case with non-alphanumeric characters replaced by
// underscores.
//
// It panics if any of the values are invalid.
func FromConfig(b config.Bucket) []EngineOption {
	def := readPolicy(b, "CONTINUUM_", DefaultTenantPolicy)

	options := []EngineOption{
		WithNodeID(config.AsStringDefault(b, "CONTINUUM_NODE_ID", "")),
		WithDefaultPolicy(def),
		WithLockTimeout(config.AsDurationDefault(b, "CONTINUUM_LOCK_TIMEOUT", DefaultLockTimeout)),
		WithLeaseTTL(config.AsDurationDefault(b, "CONTINUUM_LEASE_TTL", DefaultLeaseTTL)),
		WithPollInterval(config.AsDurationDefault(b, "CONTINUUM_POLL_INTERVAL", DefaultPollInterval)),
		WithConcurrencyLimit(config.AsUintDefault(b, "CONTINUUM_CONCURRENCY", DefaultConcurrencyLimit)),
	}

	if config.AsBoolDefault(b, "CONTINUUM_LOCAL_LOCKS", false) {
		options = append(options, WithLocalLocks())
	}

	for _, id := range strings.Split(config.AsStringDefault(b, "CONTINUUM_TENANTS", ""), ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}

		prefix := "CONTINUUM_TENANT_" + tenantKey(id) + "_"
		p := readPolicy(b, prefix, def)

		if p == def {
			options = append(options, WithTenant(id))
		} else {
			options = append(options, WithTenantPolicy(id, p))
		}
	}

	return options
}

// readPolicy reads a tenant policy from keys with the given prefix, using def
// for any keys that are not set.
func readPolicy(b config.Bucket, prefix string, def TenantPolicy) TenantPolicy {
	return TenantPolicy{
		MaxAttempts:    config.AsIntDefault(b, prefix+"MAX_ATTEMPTS", def.MaxAttempts),
		BaseDelay:      config.AsDurationDefault(b, prefix+"BASE_DELAY", def.BaseDelay),
		BackoffFactor:  config.AsIntDefault(b, prefix+"BACKOFF_FACTOR", def.BackoffFactor),
		MaxDelay:       config.AsDurationDefault(b, prefix+"MAX_DELAY", def.MaxDelay),
		AttemptTimeout: config.AsDurationDefault(b, prefix+"ATTEMPT_TIMEOUT", def.AttemptTimeout),
	}
}

// tenantKey returns the representation of a tenant ID used within
// configuration keys.
func tenantKey(id string) string {
	return strings.Map(
		func(r rune) rune {
			if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
				return unicode.ToUpper(r)
			}
			return '_'
		},
		id,
	)
}
