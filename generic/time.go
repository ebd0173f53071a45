package generic

import (
	"sync"
	"time"
)

// =============================================================================
// CLOCK - Injectable time source
// =============================================================================

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock returns a settable instant. Use in tests and scenario runs.
type FixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewFixedClock(t time.Time) *FixedClock { return &FixedClock{t: t.UTC()} }

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t.UTC()
}

func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// =============================================================================
// TIME UTILITIES
// =============================================================================

// AddMonthsClamped adds n calendar months, clamping the day to the end of the
// target month (Jan 31 + 1 month = Feb 28/29, never Mar 3).
func AddMonthsClamped(t time.Time, n int) time.Time {
	return AddMonthsOnDay(t, n, t.Day())
}

// AddMonthsOnDay adds n calendar months and lands on day, clamped to the
// target month's length. Chaining it with a fixed day does not drift:
// Jan 31, Feb 28, Mar 31.
func AddMonthsOnDay(t time.Time, n, day int) time.Time {
	first := time.Date(t.Year(), t.Month()+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := EndOfMonth(first.Year(), first.Month()).Day(); day > last {
		day = last
	}
	if day < 1 {
		day = 1
	}
	return time.Date(first.Year(), first.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func EndOfMonth(year int, month time.Month) time.Time {
	return time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
}
