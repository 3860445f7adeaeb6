package clock

import (
	"sync"
	"time"
)

// Clock is a monotonic tick source. Now returns the time elapsed since the
// clock was started, so values are only meaningful relative to each other.
type Clock interface {
	Now() time.Duration
}

// System is a Clock backed by the runtime's monotonic clock.
type System struct {
	start time.Time
}

// NewSystem returns a System clock that starts counting at zero.
func NewSystem() *System { return &System{start: time.Now()} }

func (s *System) Now() time.Duration { return time.Since(s.start) }

// Manual is a Clock that only moves when told to. Used by tests.
type Manual struct {
	mu  sync.Mutex
	now time.Duration
}

// NewManual returns a Manual clock set to start.
func NewManual(start time.Duration) *Manual { return &Manual{now: start} }

func (m *Manual) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d and returns the new reading.
func (m *Manual) Advance(d time.Duration) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now += d
	return m.now
}

// Set jumps the clock to an absolute reading.
func (m *Manual) Set(now time.Duration) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Millis converts a clock reading to whole milliseconds.
func Millis(d time.Duration) uint64 {
	if d < 0 {
		return 0
	}
	return uint64(d / time.Millisecond)
}
