package retry_test

import (
	"math"
	"time"

	. "github.com/procflow/continuum/retry"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("type Policy", func() {
	Describe("func Delay()", func() {
		DescribeTable(
			"it computes BaseDelay * BackoffFactor^retries",
			func(p Policy, retries int, expect time.Duration) {
				Expect(p.Delay(retries)).To(Equal(expect))
			},
			Entry("first retry", Policy{BaseDelay: 100 * time.Millisecond, BackoffFactor: 2}, 0, 100*time.Millisecond),
			Entry("second retry", Policy{BaseDelay: 100 * time.Millisecond, BackoffFactor: 2}, 1, 200*time.Millisecond),
			Entry("fourth retry", Policy{BaseDelay: 100 * time.Millisecond, BackoffFactor: 2}, 3, 800*time.Millisecond),
			Entry("factor of three", Policy{BaseDelay: 10 * time.Millisecond, BackoffFactor: 3}, 2, 90*time.Millisecond),
			Entry("factor of one", Policy{BaseDelay: 50 * time.Millisecond, BackoffFactor: 1}, 5, 50*time.Millisecond),
			Entry("zero factor", Policy{BaseDelay: 50 * time.Millisecond}, 5, 50*time.Millisecond),
			Entry("zero base delay", Policy{BackoffFactor: 2}, 5, time.Duration(0)),
			Entry("sub-millisecond precision is discarded", Policy{BaseDelay: 1500 * time.Microsecond, BackoffFactor: 2}, 1, 2*time.Millisecond),
			Entry("capped at the maximum delay", Policy{BaseDelay: time.Second, BackoffFactor: 10, MaxDelay: time.Minute}, 3, time.Minute),
		)

		It("saturates rather than overflowing", func() {
			p := Policy{
				BaseDelay:     time.Second,
				BackoffFactor: 10,
			}

			d := p.Delay(math.MaxInt32)
			Expect(d).To(BeNumerically(">", 0))
			Expect(d).To(Equal(time.Duration(math.MaxInt64/int64(time.Millisecond)) * time.Millisecond))
		})

		It("never decreases as the number of retries increases", func() {
			p := Policy{
				BaseDelay:     3 * time.Millisecond,
				BackoffFactor: 7,
			}

			var prev time.Duration
			for retries := 0; retries < 100; retries++ {
				d := p.Delay(retries)
				Expect(d).To(BeNumerically(">=", prev))
				prev = d
			}
		})
	})

	Describe("func Validate()", func() {
		It("accepts a valid policy", func() {
			p := Policy{MaxAttempts: 3, BaseDelay: time.Second, BackoffFactor: 2}
			Expect(p.Validate()).To(Succeed())
		})

		DescribeTable(
			"it rejects invalid policies",
			func(p Policy, expect string) {
				Expect(p.Validate()).To(MatchError(expect))
			},
			Entry("zero attempts", Policy{}, "max attempts must be positive"),
			Entry("negative delay", Policy{MaxAttempts: 1, BaseDelay: -1}, "base delay must not be negative"),
			Entry("negative factor", Policy{MaxAttempts: 1, BackoffFactor: -1}, "backoff factor must not be negative"),
		)
	})
})
