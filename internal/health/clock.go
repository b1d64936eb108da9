// Package health provides the clock abstraction used by the scheduler
package health

import "time"

// Clock abstracts wall time so tests can drive the scheduler without
// real delays.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production clock
type SystemClock struct{}

// Now returns the current wall time
func (SystemClock) Now() time.Time { return time.Now() }

// FakeClock is a manually advanced clock for tests
type FakeClock struct {
	current time.Time
}

// NewFakeClock creates a fake clock starting at the given time
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{current: start}
}

// Now returns the fake current time
func (c *FakeClock) Now() time.Time { return c.current }

// Advance moves the fake clock forward
func (c *FakeClock) Advance(d time.Duration) { c.current = c.current.Add(d) }
