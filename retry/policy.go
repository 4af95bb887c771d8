package retry

import (
	"errors"
	"math"
	"time"
)

// Policy controls how a unit of work is retried after a retryable failure.
type Policy struct {
	// MaxAttempts is the default retry budget, assigned to continuations that
	// are enqueued without one. Each continuation carries its own budget once
	// enqueued.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// BackoffFactor is the multiplier applied to the delay for each prior
	// retry. A factor less than 1 is treated as 1.
	BackoffFactor int

	// MaxDelay is the upper bound on the delay between retries. If it is
	// non-positive the delay is unbounded.
	MaxDelay time.Duration

	// AttemptTimeout is the duration allowed for a single attempt, including
	// the commit. If it is non-positive attempts are not bounded.
	AttemptTimeout time.Duration
}

// Validate returns an error if p is not a usable policy.
func (p Policy) Validate() error {
	if p.MaxAttempts <= 0 {
		return errors.New("max attempts must be positive")
	}

	if p.BaseDelay < 0 {
		return errors.New("base delay must not be negative")
	}

	if p.BackoffFactor < 0 {
		return errors.New("backoff factor must not be negative")
	}

	return nil
}

// maxMillis is the largest number of milliseconds representable as a
// time.Duration.
const maxMillis = math.MaxInt64 / int64(time.Millisecond)

// Delay returns the delay to use before retrying a unit of work that has
// already been retried the given number of times.
//
// The delay is BaseDelay * BackoffFactor^retries, computed in whole
// milliseconds. It saturates rather than overflowing.
func (p Policy) Delay(retries int) time.Duration {
	ms := p.BaseDelay.Milliseconds()
	if ms <= 0 {
		return 0
	}

	f := int64(p.BackoffFactor)
	if f < 1 {
		f = 1
	}

	limit := maxMillis
	if p.MaxDelay > 0 {
		if m := p.MaxDelay.Milliseconds(); m < limit {
			limit = m
		}
	}

	for i := 0; i < retries && ms < limit && f > 1; i++ {
		if ms > limit/f {
			ms = limit
			break
		}

		ms *= f
	}

	if ms > limit {
		ms = limit
	}

	return time.Duration(ms) * time.Millisecond
}
