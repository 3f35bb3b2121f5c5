package sched

// TimerHardware is the counter/compare peripheral the TimerDriver owns.
type TimerHardware interface {
	Counter
	SetCompare(v uint64)
	EnableCompare()
	DisableCompare()
	ClearCompare()
	// Pend triggers the timer interrupt from software.
	Pend()
	// Unpend clears a pending timer interrupt.
	Unpend()
}

// Masker runs a function with the timer interrupt held off.
type Masker interface {
	Free(fn func())
}

// TimerDriver programs one hardware compare channel so its interrupt fires at
// the DeadlineQueue's earliest deadline, and releases expired tasks from the ISR.
type TimerDriver struct {
	hw    TimerHardware
	clock *Clock
	queue *DeadlineQueue
	cs    Masker
	wake  func(e Entry, now Instant)

	armed bool
	at    Instant
	fired uint64
}

// NewTimerDriver binds hw, the clock built on it, and the queue. wake is called
// from the ISR for every expired entry, in release order.
func NewTimerDriver(hw TimerHardware, clock *Clock, queue *DeadlineQueue, cs Masker, wake func(e Entry, now Instant)) *TimerDriver {
	return &TimerDriver{hw: hw, clock: clock, queue: queue, cs: cs, wake: wake}
}

// Schedule queues a deadline for id and re-arms if it became the earliest.
func (d *TimerDriver) Schedule(at Instant, id TaskID) (h Handle, err error) {
	d.cs.Free(func() {
		h, err = d.queue.Insert(at, id)
		if err != nil {
			return
		}
		if !d.armed || at < d.at {
			d.Arm(at)
		}
	})
	return h, err
}

// Cancel drops a queued deadline and re-arms for whatever is earliest now.
func (d *TimerDriver) Cancel(h Handle) (ok bool) {
	d.cs.Free(func() {
		ok = d.queue.Cancel(h)
		if ok {
			d.Rearm()
		}
	})
	return ok
}

// Arm programs the compare channel for at. A deadline that has already
// passed pends the interrupt at once. One more than a full counter period away
// is left to the overflow interrupt, which re-arms every period.
func (d *TimerDriver) Arm(at Instant) {
	d.armed, d.at = true, at
	now := d.clock.Now()
	if at <= now {
		d.hw.DisableCompare()
		d.hw.Pend()
		return
	}
	if at.Sub(now) >= d.clock.Period() {
		d.hw.DisableCompare()
		return
	}
	d.hw.SetCompare(uint64(at))
	d.hw.EnableCompare()
	// the counter may have passed the compare value while it was programmed
	if at <= d.clock.Now() {
		d.hw.Pend()
	}
}

// Disarm suppresses any pending compare fire. A pended interrupt is dropped
// too, unless an overflow still has to be folded into the clock.
func (d *TimerDriver) Disarm() {
	d.armed = false
	d.hw.DisableCompare()
	d.hw.ClearCompare()
	if !d.hw.OverflowPending() {
		d.hw.Unpend()
	}
}

// Rearm arms for the queue's earliest deadline, or disarms if it is empty.
func (d *TimerDriver) Rearm() {
	if at, ok := d.queue.Earliest(); ok {
		d.Arm(at)
		return
	}
	d.Disarm()
}

// OnInterrupt is the timer ISR.
func (d *TimerDriver) OnInterrupt() {
	d.clock.OnOverflow()
	d.hw.ClearCompare()
	now := d.clock.Now()
	for _, e := range d.queue.PopExpired(now) {
		d.fired++
		d.wake(e, now)
	}
	d.Rearm()
}

// Armed returns the deadline the driver is armed for.
func (d *TimerDriver) Armed() (Instant, bool) { return d.at, d.armed }

// Released returns the number of deadline entries the ISR has released.
func (d *TimerDriver) Released() uint64 { return d.fired }
