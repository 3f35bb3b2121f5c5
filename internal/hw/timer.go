package hw

// Timer is a free-running up-counter with one compare channel. Overflow and
// compare match share a single interrupt line.
type Timer struct {
	board   *Board
	width   uint
	irq     Line
	cmp     uint64
	cmpOn   bool
	cmpFlag bool
	ovf     bool
}

// Width returns the counter width in bits.
func (t *Timer) Width() uint { return t.width }

// Period returns the number of ticks between overflows.
func (t *Timer) Period() uint64 { return 1 << t.width }

// Count reads the counter register.
func (t *Timer) Count() uint64 {
	if t.board.onRead != nil {
		t.board.onRead()
	}
	return t.board.now & t.mask()
}

// OverflowPending reports whether the counter wrapped since the flag was last cleared.
func (t *Timer) OverflowPending() bool { return t.ovf }

// ClearOverflow acknowledges an overflow.
func (t *Timer) ClearOverflow() { t.ovf = false }

// SetCompare loads the compare register; only the low Width bits are kept.
func (t *Timer) SetCompare(v uint64) { t.cmp = v & t.mask() }

// Compare returns the compare register.
func (t *Timer) Compare() uint64 { return t.cmp }

// EnableCompare arms the compare channel.
func (t *Timer) EnableCompare() { t.cmpOn = true }

// DisableCompare disarms the compare channel.
func (t *Timer) DisableCompare() { t.cmpOn = false }

// CompareEnabled reports whether the compare channel is armed.
func (t *Timer) CompareEnabled() bool { return t.cmpOn }

// CompareFlag reports whether a compare match is latched.
func (t *Timer) CompareFlag() bool { return t.cmpFlag }

// ClearCompare acknowledges a compare match.
func (t *Timer) ClearCompare() { t.cmpFlag = false }

// IRQ returns the timer's interrupt line.
func (t *Timer) IRQ() Line { return t.irq }

// Pend forces the timer interrupt, as a software trigger on the IRQ line.
func (t *Timer) Pend() { t.board.NVIC.Pend(t.irq) }

// Unpend clears the timer's pending interrupt.
func (t *Timer) Unpend() { t.board.NVIC.Unpend(t.irq) }

func (t *Timer) mask() uint64 { return t.Period() - 1 }

// nextEvent returns the first absolute time strictly after `after` at which
// the counter overflows or matches the compare register.
func (t *Timer) nextEvent(after uint64) uint64 {
	base := after &^ t.mask()
	next := base + t.Period()
	if t.cmpOn {
		at := base + t.cmp
		if at <= after {
			at += t.Period()
		}
		if at < next {
			next = at
		}
	}
	return next
}

// latch sets the event flags for absolute time now and pends the IRQ.
func (t *Timer) latch(now uint64) {
	hit := false
	if now&t.mask() == 0 {
		t.ovf = true
		hit = true
	}
	if t.cmpOn && now&t.mask() == t.cmp {
		t.cmpFlag = true
		hit = true
	}
	if hit {
		t.board.NVIC.Pend(t.irq)
	}
}
