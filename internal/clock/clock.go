// Package clock supplies wall-clock readings and the deadline policy that
// bounds how long a call may stay on hold while its voice is being cloned.
//
// Everything that compares timestamps (cache expiry, deadline checks, the
// stale-call sweeper) reads time through a [Clock] so tests can substitute a
// [Manual] clock.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// System is the [Clock] backed by [time.Now]. Timestamps are returned in UTC.
type System struct{}

// Now implements [Clock].
func (System) Now() time.Time { return time.Now().UTC() }

// Manual is a [Clock] that only moves when told to. The zero value starts at
// the zero time; use [NewManual] to pick a start. Safe for concurrent use.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a [Manual] clock positioned at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now implements [Clock].
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Set jumps the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}
