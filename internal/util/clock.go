package util

import "time"

// Clock abstracts wall time and blocking sleeps so rate limiting and
// stale-order scans can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// SystemClock is the real clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// Sleep blocks the calling goroutine for d.
func (SystemClock) Sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

// FakeClock is a manually advanced clock. Sleep advances the clock instead of
// blocking.
type FakeClock struct {
	now   time.Time
	Slept []time.Duration
}

// NewFakeClock returns a FakeClock positioned at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time { return c.now }

// Sleep records d and advances the clock by it.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	c.Slept = append(c.Slept, d)
	c.now = c.now.Add(d)
}

// Advance moves the clock forward by d without recording a sleep.
func (c *FakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// Set moves the clock to t.
func (c *FakeClock) Set(t time.Time) { c.now = t }
