// internal/hw/board.go

// Package hw simulates the parts of a single-core microcontroller a
// preemptive scheduler is built on: a nested interrupt controller and one
// free-running timer with a compare channel.
//
// Time only moves when something asks it to: Advance and Burn stand in for
// code executing, WaitForInterrupt for the core sleeping. Every timer event on
// the way is latched and its interrupt taken at the exact tick it happens,
// preempting whatever was running if it is more urgent.
package hw

import (
	"errors"
	"fmt"
)

// BoardConfig describes the simulated chip.
type BoardConfig struct {
	PrioBits    uint8    // implemented NVIC priority bits
	CounterBits uint     // timer width, 8 to 32
	Lines       []string // free interrupt lines usable as software dispatchers
}

// DefaultBoardConfig mirrors a small Cortex-M3 part: 3 priority bits, a 24
// bit counter and two spare peripheral interrupts.
func DefaultBoardConfig() BoardConfig {
	return BoardConfig{
		PrioBits:    3,
		CounterBits: 24,
		Lines:       []string{"SSI0", "UART0"},
	}
}

// TimerLine is the name of the timer's interrupt line.
const TimerLine = "TIMER0"

var ErrCounterWidth = errors.New("hw: counter width out of range")

// Board is one simulated chip.
type Board struct {
	NVIC  *NVIC
	Timer *Timer

	now    uint64 // ticks since reset
	onRead func()
}

// NewBoard builds a board from cfg.
func NewBoard(cfg BoardConfig) (*Board, error) {
	if cfg.CounterBits < 8 || cfg.CounterBits > 32 {
		return nil, fmt.Errorf("%w: %d", ErrCounterWidth, cfg.CounterBits)
	}
	b := &Board{NVIC: NewNVIC(cfg.PrioBits)}
	irq := b.NVIC.Register(TimerLine)
	b.Timer = &Timer{board: b, width: cfg.CounterBits, irq: irq}
	for _, name := range cfg.Lines {
		if b.NVIC.Lookup(name) != NoLine {
			return nil, fmt.Errorf("hw: duplicate interrupt line %q", name)
		}
		b.NVIC.Register(name)
	}
	return b, nil
}

// Uptime returns the true number of ticks since reset. Software on the chip
// has no such register; it is here for test harnesses.
func (b *Board) Uptime() uint64 { return b.now }

// OnCounterRead installs a hook run on every counter read, letting tests
// move time between the reads a driver performs.
func (b *Board) OnCounterRead(fn func()) { b.onRead = fn }

// AdvanceTo moves time to t, taking every timer event on the way.
// Handlers run from here may advance time further themselves.
func (b *Board) AdvanceTo(t uint64) {
	for b.now < t && !b.NVIC.Halted() {
		next := b.Timer.nextEvent(b.now)
		if next > t {
			b.now = t
			return
		}
		b.now = next
		b.Timer.latch(next)
	}
}

// Burn advances time by n ticks, standing in for code that keeps the core
// busy for that long.
func (b *Board) Burn(n uint64) { b.AdvanceTo(b.now + n) }

// WaitForInterrupt sleeps the core until the next timer event.
func (b *Board) WaitForInterrupt() {
	if b.NVIC.Halted() {
		return
	}
	b.AdvanceTo(b.Timer.nextEvent(b.now))
}
