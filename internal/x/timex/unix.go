package timex

import "time"

// ToUnixNano returns t as a number of nanoseconds since the Unix epoch.
//
// The zero time is represented as zero.
func ToUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}

// FromUnixNano is the inverse of ToUnixNano().
func FromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}

	return time.Unix(0, n)
}
