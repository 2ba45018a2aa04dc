package clock

import (
	"sync"
	"time"
)

// Clock is the wall-clock source used by rooms and the rate limiter
type Clock interface {
	Now() time.Time
}

// System reads the real wall clock
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Fake is a manually driven clock for tests
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a fake clock starting at t
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set moves the fake clock to t, which may be in the past
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// RoomClock issues strictly increasing millisecond timestamps for one room.
// It is owned by the room's event loop and is not safe for concurrent use.
type RoomClock struct {
	source Clock
	last   int64
}

// NewRoomClock wraps source; a nil source uses the system clock
func NewRoomClock(source Clock) *RoomClock {
	if source == nil {
		source = System{}
	}
	return &RoomClock{source: source}
}

// Next returns max(now, last+1) in Unix milliseconds and records it
func (c *RoomClock) Next() int64 {
	ts := c.source.Now().UnixMilli()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}

// Last returns the most recently issued timestamp, or zero
func (c *RoomClock) Last() int64 {
	return c.last
}
