// Package ratelimit implements per-provider admission control
package ratelimit

import "time"

// windowEvent is one weighted admission inside a rolling period
type windowEvent struct {
	timestamp time.Time
	weight    int64
}

// slidingWindow counts weighted events over a rolling period.
// Not safe for concurrent use; the owning limiter serializes access.
type slidingWindow struct {
	period time.Duration
	limit  int64
	events []windowEvent
}

func newSlidingWindow(period time.Duration, limit int64) *slidingWindow {
	return &slidingWindow{period: period, limit: limit}
}

// prune drops events that have rolled out of the period
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.period)
	idx := 0
	for idx < len(w.events) && w.events[idx].timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		w.events = w.events[idx:]
	}
}

// used returns the weight consumed inside the current period
func (w *slidingWindow) used(now time.Time) int64 {
	w.prune(now)
	var total int64
	for _, e := range w.events {
		total += e.weight
	}
	return total
}

// fits reports whether n more units fit in the current period
func (w *slidingWindow) fits(now time.Time, n int64) bool {
	return w.used(now)+n <= w.limit
}

// add records n units at now. Callers check fits first.
func (w *slidingWindow) add(now time.Time, n int64) {
	w.events = append(w.events, windowEvent{timestamp: now, weight: n})
}

// remaining returns the unused budget in the current period
func (w *slidingWindow) remaining(now time.Time) int64 {
	r := w.limit - w.used(now)
	if r < 0 {
		return 0
	}
	return r
}

// nextFree returns how long until n units could fit, assuming no new
// admissions. Zero means they fit now.
func (w *slidingWindow) nextFree(now time.Time, n int64) time.Duration {
	if w.fits(now, n) {
		return 0
	}

	// Walk events oldest-first until enough weight has expired
	needed := w.used(now) + n - w.limit
	var freed int64
	for _, e := range w.events {
		freed += e.weight
		if freed >= needed {
			return e.timestamp.Add(w.period).Sub(now)
		}
	}

	return w.period
}

// reset clears all recorded events (window rollover)
func (w *slidingWindow) reset() {
	w.events = nil
}
