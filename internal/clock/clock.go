// Package clock provides trading-calendar time: Eastern wall-clock access,
// NYSE session boundaries, and trading-day arithmetic. All engine scheduling
// goes through the Clock interface so simulated runs can drive time
// explicitly.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time. The live engine uses RealClock; the
// simulator advances a SimClock bar by bar.
type Clock interface {
	// Now returns the current time in the Eastern zone.
	Now() time.Time
}

// Eastern returns the America/New_York location, falling back to a fixed
// EST offset if the zone database is unavailable.
func Eastern() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		// No tzdata on the host. EST is wrong half the year but keeps the
		// process up; the fallback is logged by the caller.
		return time.FixedZone("EST", -5*60*60)
	}
	return loc
}

// RealClock reads the system clock in Eastern time.
type RealClock struct {
	loc *time.Location
}

// NewRealClock returns a clock pinned to the Eastern zone.
func NewRealClock() *RealClock {
	return &RealClock{loc: Eastern()}
}

// Now implements Clock.
func (c *RealClock) Now() time.Time {
	return time.Now().In(c.loc)
}

// SimClock is a settable clock for simulated runs and tests. It is safe for
// concurrent use; the driver advances it while workers read it.
type SimClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewSimClock returns a clock frozen at start.
func NewSimClock(start time.Time) *SimClock {
	return &SimClock{now: start}
}

// Now implements Clock.
func (c *SimClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Set moves the clock to t. Drivers only ever move it forward.
func (c *SimClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new time.
func (c *SimClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}
