package model

import (
	"sync/atomic"
	"time"
)

// Clock hands out write timestamps in microseconds.
type Clock interface {
	Time() int64
}

// AtomicClock is a strictly increasing clock that is safe for concurrent use.
// Two calls never return the same timestamp, even when the wall clock stalls
// or steps backwards.
type AtomicClock struct {
	last atomic.Int64
	now  func() int64
}

// NewAtomicClock creates a clock backed by the wall clock
func NewAtomicClock() *AtomicClock {
	return &AtomicClock{
		now: func() int64 { return time.Now().UnixMicro() },
	}
}

// Time returns the next timestamp
func (c *AtomicClock) Time() int64 {
	for {
		last := c.last.Load()
		next := c.now()
		if next <= last {
			next = last + 1
		}
		if c.last.CompareAndSwap(last, next) {
			return next
		}
	}
}

var defaultClock Clock = NewAtomicClock()

// Now returns the next timestamp from the process clock used by ForStorage.
func Now() int64 {
	return defaultClock.Time()
}
