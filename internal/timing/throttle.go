package timing

import "time"

// ThrottleGate answers "may I run now" against the time of the last
// successful run. It never records anything itself.
type ThrottleGate struct {
	interval time.Duration
	now      func() time.Time
}

// NewThrottleGate creates a gate with the given minimum interval
func NewThrottleGate(interval time.Duration) ThrottleGate {
	return ThrottleGate{interval: interval, now: time.Now}
}

// Interval returns the minimum spacing between runs
func (g ThrottleGate) Interval() time.Duration {
	return g.interval
}

// Allow returns true if lastRun is zero or the interval has elapsed since it
func (g ThrottleGate) Allow(lastRun time.Time) bool {
	return g.Remaining(lastRun) == 0
}

// Remaining returns how long until Allow would return true
func (g ThrottleGate) Remaining(lastRun time.Time) time.Duration {
	if lastRun.IsZero() || g.interval <= 0 {
		return 0
	}
	elapsed := g.now().Sub(lastRun)
	if elapsed >= g.interval {
		return 0
	}
	return g.interval - elapsed
}
