package clock

import "time"

// FakeClock is a manually driven Clock for tests. It is not safe for
// concurrent use; tests drive it from a single goroutine.
type FakeClock struct {
	now time.Time
}

func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t.UTC()}
}

func (c *FakeClock) Now() time.Time {
	return c.now
}

// Advance moves the clock forward relative to its current reading.
func (c *FakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

// Set jumps the clock to an absolute instant. Useful when a test needs to
// land exactly on a stored deadline rather than step past it.
func (c *FakeClock) Set(t time.Time) {
	c.now = t.UTC()
}
