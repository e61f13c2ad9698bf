// Package retry provides a retransmission timer with exponential backoff.
//
// The timer holds a single deadline and is advanced by the owner calling
// Poll from its event loop. Each expiry doubles the timeout; once the
// doubled timeout would exceed the maximum, the expiry is reported as a
// failure.
package retry

import "time"

const (
	// DefaultMin is the minimum timeout used when no limit is set.
	DefaultMin = 250 * time.Millisecond
	// DefaultMax is the maximum timeout used when no limit is set.
	DefaultMax = 10 * time.Second
)

// Timer is a retry timer. It is not safe for concurrent use.
type Timer struct {
	min, max time.Duration
	timeout  time.Duration
	start    time.Time
	running  bool
	expired  func(fail bool)
}

// New returns a stopped timer calling expired on each expiry.
func New(expired func(fail bool)) *Timer {
	return &Timer{expired: expired}
}

// SetLimits sets the backoff bounds. Zero selects the defaults.
func (t *Timer) SetLimits(min, max time.Duration) {
	t.min, t.max = min, max
}

func (t *Timer) limits() (time.Duration, time.Duration) {
	min, max := t.min, t.max
	if min == 0 {
		min = DefaultMin
	}
	if max == 0 {
		max = DefaultMax
	}
	return min, max
}

// Start (re)starts the timer with the current timeout clamped to the
// limits.
func (t *Timer) Start(now time.Time) {
	min, max := t.limits()
	if t.timeout < min {
		t.timeout = min
	}
	if t.timeout > max {
		t.timeout = max
	}
	t.StartFixed(now, t.timeout)
}

// StartFixed starts the timer with an explicit timeout.
func (t *Timer) StartFixed(now time.Time, timeout time.Duration) {
	t.start = now
	t.timeout = timeout
	t.running = true
}

// StartNoDelay starts the timer so that it expires on the next Poll.
func (t *Timer) StartNoDelay(now time.Time) {
	t.StartFixed(now, 0)
}

// Stop stops the timer without resetting the timeout.
func (t *Timer) Stop() {
	t.running = false
}

// Running reports whether the timer is armed.
func (t *Timer) Running() bool { return t.running }

// Timeout returns the current timeout.
func (t *Timer) Timeout() time.Duration { return t.timeout }

// Deadline returns when the timer will expire; ok is false if stopped.
func (t *Timer) Deadline() (deadline time.Time, ok bool) {
	if !t.running {
		return time.Time{}, false
	}
	return t.start.Add(t.timeout), true
}

// Poll fires the expiry callback if the deadline has passed. It reports
// whether the timer expired.
func (t *Timer) Poll(now time.Time) bool {
	if !t.running || now.Before(t.start.Add(t.timeout)) {
		return false
	}
	t.running = false

	_, max := t.limits()
	t.timeout <<= 1
	fail := t.timeout > max
	if fail {
		t.timeout = max
	}
	t.expired(fail)
	return true
}
