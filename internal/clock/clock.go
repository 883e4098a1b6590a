package clock

import (
	"sync"
	"time"
)

// Clock yields strictly increasing timestamps. Transaction start and
// commit ordering, backup creation times and PITR target resolution all
// use the same clock so their timestamps are comparable.
type Clock interface {
	// Now returns a monotonically increasing timestamp in nanoseconds.
	Now() int64
}

// Monotonic is a wall-anchored clock that never moves backwards even if
// the system clock does.
type Monotonic struct {
	mu   sync.Mutex
	last int64
}

// NewMonotonic creates a monotonic clock anchored to the wall clock.
func NewMonotonic() *Monotonic {
	return &Monotonic{}
}

func (c *Monotonic) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UnixNano()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now int64
}

// NewFake creates a fake clock starting at the given timestamp.
func NewFake(start int64) *Fake {
	return &Fake{now: start}
}

func (c *Fake) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now++
	return c.now
}

// Advance moves the fake clock forward to at least ts.
func (c *Fake) Advance(ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts > c.now {
		c.now = ts
	}
}
