package call

import "time"

// Retry counts consecutive connection failures against a fixed ceiling.
type Retry struct {
	max      int
	backoff  time.Duration
	failures int
}

func NewRetry(max int, backoff time.Duration) *Retry {
	if max <= 0 {
		max = 3
	}
	return &Retry{max: max, backoff: backoff}
}

// Fail records a failure. It returns the delay before the next attempt, or
// false once the ceiling is reached.
func (r *Retry) Fail() (time.Duration, bool) {
	r.failures++
	if r.failures >= r.max {
		return 0, false
	}
	// 1x, 1.5x, 2x the base delay
	return r.backoff + time.Duration(r.failures-1)*r.backoff/2, true
}

func (r *Retry) Reset()          { r.failures = 0 }
func (r *Retry) Failures() int   { return r.failures }
func (r *Retry) Exhausted() bool { return r.failures >= r.max }
