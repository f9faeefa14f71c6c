package adminchat

import "time"

// Clock lets the reconnect loop wait without real timers in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// DefaultReconnectDelays is the schedule used when none is configured:
// immediately, then 2s, 10s and 30s. Attempts past the end of the schedule
// reuse its last entry.
var DefaultReconnectDelays = []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}

// retryPolicy is the bounded reconnect state: attempt count plus a
// deterministic delay function.
type retryPolicy struct {
	delays      []time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newRetryPolicy(config *HubConfig) *retryPolicy {
	return &retryPolicy{
		delays:      config.ReconnectDelays,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

// delayFor returns the wait before the given zero-based attempt.
func (r *retryPolicy) delayFor(attempt int) time.Duration {
	if len(r.delays) == 0 {
		return 0
	}
	d := r.delays[len(r.delays)-1]
	if attempt < len(r.delays) {
		d = r.delays[attempt]
	}
	if r.maxDelay > 0 && d > r.maxDelay {
		d = r.maxDelay
	}
	return d
}

// next returns the delay for the next attempt and advances the counter, or
// false once the ceiling is reached.
func (r *retryPolicy) next() (time.Duration, bool) {
	if r.attempt >= r.maxAttempts {
		return 0, false
	}
	d := r.delayFor(r.attempt)
	r.attempt++
	return d, true
}

// attempts is the number of attempts handed out since the last reset.
func (r *retryPolicy) attempts() int { return r.attempt }

func (r *retryPolicy) reset() { r.attempt = 0 }
