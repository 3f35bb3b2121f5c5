// internal/hw/nvic.go

package hw

import (
	"errors"
	"fmt"
)

// Line identifies an interrupt line on the controller.
type Line int

// NoLine is returned by lookups that found nothing.
const NoLine Line = -1

// Handler is an interrupt service routine.
type Handler func()

var (
	ErrPriority    = errors.New("hw: priority not implemented by controller")
	ErrUnknownLine = errors.New("hw: unknown interrupt line")
)

type line struct {
	name    string
	prio    uint8
	pending bool
	active  bool
	handler Handler
}

// NVIC models a nested vectored interrupt controller on a single core.
//
// Hardware priorities follow the ARM convention: lower numbers are more urgent.
// Pending a line that is more urgent than the current execution priority runs
// its handler before Pend returns, nested inside whatever was executing.
type NVIC struct {
	prioBits uint8
	lines    []line
	active   []Line // running handlers, innermost last
	basepri  uint8  // 0 disables masking
	primask  bool
	halted   bool
}

// NewNVIC returns a controller implementing prioBits priority bits.
func NewNVIC(prioBits uint8) *NVIC {
	if prioBits < 1 {
		prioBits = 1
	} else if prioBits > 8 {
		prioBits = 8
	}
	return &NVIC{prioBits: prioBits}
}

// PrioBits returns the number of implemented priority bits.
func (n *NVIC) PrioBits() uint8 { return n.prioBits }

// Levels returns the number of distinct hardware priorities.
func (n *NVIC) Levels() int { return 1 << n.prioBits }

// Register adds a named line with no handler at the least urgent priority.
func (n *NVIC) Register(name string) Line {
	n.lines = append(n.lines, line{name: name, prio: uint8(n.Levels() - 1)})
	return Line(len(n.lines) - 1)
}

// Lookup finds a line by name.
func (n *NVIC) Lookup(name string) Line {
	for i := range n.lines {
		if n.lines[i].name == name {
			return Line(i)
		}
	}
	return NoLine
}

// Name returns the line's name.
func (n *NVIC) Name(l Line) string {
	if !n.valid(l) {
		return fmt.Sprintf("line(%d)", l)
	}
	return n.lines[l].name
}

// SetPriority sets a line's hardware priority.
func (n *NVIC) SetPriority(l Line, prio uint8) error {
	if !n.valid(l) {
		return fmt.Errorf("%w: %d", ErrUnknownLine, l)
	}
	if int(prio) >= n.Levels() {
		return fmt.Errorf("%w: %d with %d bits", ErrPriority, prio, n.prioBits)
	}
	n.lines[l].prio = prio
	return nil
}

// Priority returns a line's hardware priority.
func (n *NVIC) Priority(l Line) uint8 { return n.lines[l].prio }

// SetHandler installs the service routine for a line.
func (n *NVIC) SetHandler(l Line, h Handler) error {
	if !n.valid(l) {
		return fmt.Errorf("%w: %d", ErrUnknownLine, l)
	}
	n.lines[l].handler = h
	return nil
}

// Pend marks the line pending and takes it immediately if it is more urgent
// than the current execution priority.
func (n *NVIC) Pend(l Line) {
	if n.halted {
		return
	}
	n.lines[l].pending = true
	n.service()
}

// Unpend clears a pending line without running it.
func (n *NVIC) Unpend(l Line) { n.lines[l].pending = false }

// IsPending reports whether the line is pending.
func (n *NVIC) IsPending(l Line) bool { return n.lines[l].pending }

// IsActive reports whether the line's handler is currently executing,
// possibly preempted by a more urgent one.
func (n *NVIC) IsActive(l Line) bool { return n.lines[l].active }

// AnyPending reports whether any line is pending.
func (n *NVIC) AnyPending() bool {
	for i := range n.lines {
		if n.lines[i].pending {
			return true
		}
	}
	return false
}

// InHandler reports whether execution is inside any interrupt handler.
func (n *NVIC) InHandler() bool { return len(n.active) > 0 }

// ExecutionPriority returns the priority a pending line must beat to be taken.
// Thread mode with no masking returns Levels().
func (n *NVIC) ExecutionPriority() int {
	if n.primask {
		return 0
	}
	ep := n.Levels()
	if len(n.active) > 0 {
		ep = int(n.lines[n.active[len(n.active)-1]].prio)
	}
	if n.basepri != 0 && int(n.basepri) < ep {
		ep = int(n.basepri)
	}
	return ep
}

// Basepri returns the current BASEPRI mask.
func (n *NVIC) Basepri() uint8 { return n.basepri }

// SetBasepri masks every line whose priority is numerically >= p. Zero
// removes the mask. Lowering the mask takes any line it was holding back.
func (n *NVIC) SetBasepri(p uint8) {
	n.basepri = p
	n.service()
}

// LoadBasepri writes BASEPRI without taking any line it was holding back.
func (n *NVIC) LoadBasepri(p uint8) { n.basepri = p }

// Disable sets PRIMASK and returns the previous state for Restore.
func (n *NVIC) Disable() bool {
	prev := n.primask
	n.primask = true
	return prev
}

// Restore puts PRIMASK back to a state returned by Disable.
func (n *NVIC) Restore(prev bool) {
	n.primask = prev
	if !prev {
		n.service()
	}
}

// Free runs fn with interrupts disabled.
func (n *NVIC) Free(fn func()) {
	prev := n.Disable()
	fn()
	n.Restore(prev)
}

// Halt stops the core: nothing is taken after this.
func (n *NVIC) Halt() { n.halted = true }

// Halted reports whether Halt was called.
func (n *NVIC) Halted() bool { return n.halted }

func (n *NVIC) service() {
	for !n.halted {
		l := n.next()
		if l == NoLine {
			return
		}
		n.enter(l)
	}
}

func (n *NVIC) enter(l Line) {
	ln := &n.lines[l]
	ln.pending = false
	ln.active = true
	n.active = append(n.active, l)
	defer func() {
		n.active = n.active[:len(n.active)-1]
		n.lines[l].active = false
	}()
	if ln.handler != nil {
		ln.handler()
	}
}

// next picks the most urgent pending line able to preempt; ties go to the
// lowest line number, as exception numbers do on hardware.
func (n *NVIC) next() Line {
	ep := n.ExecutionPriority()
	best := NoLine
	for i := range n.lines {
		ln := &n.lines[i]
		if !ln.pending || int(ln.prio) >= ep {
			continue
		}
		if best == NoLine || ln.prio < n.lines[best].prio {
			best = Line(i)
		}
	}
	return best
}

func (n *NVIC) valid(l Line) bool { return l >= 0 && int(l) < len(n.lines) }
