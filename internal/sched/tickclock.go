// internal/sched/tickclock.go

package sched

import (
	"sync/atomic"
)

// Instant is a point in extended clock time, in ticks since the clock started.
type Instant uint64

// Duration is a span of ticks.
type Duration uint64

// Add returns t+d.
func (t Instant) Add(d Duration) Instant { return t + Instant(d) }

// Sub returns t-u, or zero if u is after t.
func (t Instant) Sub(u Instant) Duration {
	if u > t {
		return 0
	}
	return Duration(t - u)
}

// Before reports whether t is strictly before u.
func (t Instant) Before(u Instant) bool { return t < u }

// After reports whether t is strictly after u.
func (t Instant) After(u Instant) bool { return t > u }

// Counter is the free-running hardware counter the Clock extends.
type Counter interface {
	Width() uint
	Count() uint64
	OverflowPending() bool
	ClearOverflow()
}

// Clock extends a wrapping hardware counter into monotonic 64-bit time.
// The high bits are a software count of handled overflows.
type Clock struct {
	ctr    Counter
	width  uint
	period atomic.Uint64
}

// NewClock wraps ctr. The counter must be at most 32 bits wide.
func NewClock(ctr Counter) *Clock {
	return &Clock{ctr: ctr, width: ctr.Width()}
}

// Now returns the current time. An overflow the ISR has not folded in yet is
// accounted for from the overflow flag; if the flag or the period count changes
// while reading, the read is retried.
func (c *Clock) Now() Instant {
	for {
		p1 := c.period.Load()
		ovf1 := c.ctr.OverflowPending()
		cnt := c.ctr.Count()
		ovf2 := c.ctr.OverflowPending()
		p2 := c.period.Load()
		if p1 != p2 || ovf1 != ovf2 {
			continue
		}
		if ovf2 {
			p1++
		}
		return Instant(p1<<c.width | cnt)
	}
}

// OnOverflow folds one pending overflow into the period count. Called from
// the timer ISR only.
func (c *Clock) OnOverflow() {
	if !c.ctr.OverflowPending() {
		return
	}
	c.ctr.ClearOverflow()
	c.period.Add(1)
}

// Period returns the number of ticks between counter overflows.
func (c *Clock) Period() Duration { return Duration(1) << c.width }
