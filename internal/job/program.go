package job

import (
	"fmt"

	"irqsched/internal/sched"
)

type op uint8

const (
	opDo op = iota
	opDelay
	opDelayPeriodic
	opBurn
	opSpawn
	opExit
	opExitWhen
	opLoop
	opEnd
)

// Step is one instruction of a Program.
type Step struct {
	op     op
	fn     func(cx *sched.Context, i int)
	when   func(i int) bool
	d      sched.Duration
	target sched.TaskID
	code   int
	times  int // 0 = forever, for loops
	body   []Step
}

// Do runs fn. i is the iteration count of the innermost enclosing loop, 0 outside loops.
func Do(fn func(cx *sched.Context, i int)) Step { return Step{op: opDo, fn: fn} }

// Printf prints a fixed line to the diagnostic output.
func Printf(format string, args ...any) Step {
	msg := fmt.Sprintf(format, args...)
	return Do(func(cx *sched.Context, _ int) { cx.Printf("%s", msg) })
}

// Delay suspends for d ticks from when the step runs.
func Delay(d sched.Duration) Step { return Step{op: opDelay, d: d} }

// DelayPeriodic suspends until d ticks after the previous deadline.
func DelayPeriodic(d sched.Duration) Step { return Step{op: opDelayPeriodic, d: d} }

// Burn keeps the core busy for d ticks.
func Burn(d sched.Duration) Step { return Step{op: opBurn, d: d} }

// Spawn queues another task; an already active target is logged and skipped.
func Spawn(id sched.TaskID) Step { return Step{op: opSpawn, target: id} }

// Exit stops the core with code.
func Exit(code int) Step { return Step{op: opExit, code: code} }

// ExitWhen stops the core with code if cond holds for the innermost loop count.
func ExitWhen(cond func(i int) bool, code int) Step {
	return Step{op: opExitWhen, when: cond, code: code}
}

// Loop repeats body forever. Every iteration must reach a delay.
func Loop(body ...Step) Step { return Step{op: opLoop, body: body} }

// Repeat runs body n times.
func Repeat(n int, body ...Step) Step {
	if n < 1 {
		n = 1
	}
	return Step{op: opLoop, times: n, body: body}
}

type instr struct {
	op     op
	fn     func(cx *sched.Context, i int)
	when   func(i int) bool
	d      sched.Duration
	target sched.TaskID
	code   int
	loop   int // counter slot, for opLoop/opEnd
	times  int
	jump   int // opEnd: first body instruction
}

// Program is a task body written as a flat list of steps. Its whole state
// across suspension points is a program counter and one counter per loop,
// both sized when the program is made.
type Program struct {
	steps    []Step
	code     []instr
	pc       int
	counters []int
	inner    []int // innermost loop slot per instruction, -1 outside loops
}

var _ interface {
	sched.Body
	sched.Validator
	sched.Resetter
} = (*Program)(nil)

// New compiles steps into a Program.
func New(steps ...Step) *Program {
	p := &Program{steps: steps}
	p.compile(steps, -1)
	p.counters = make([]int, p.loops())
	return p
}

func (p *Program) compile(steps []Step, outer int) {
	for _, s := range steps {
		if s.op != opLoop {
			p.emit(instr{op: s.op, fn: s.fn, when: s.when, d: s.d, target: s.target, code: s.code}, outer)
			continue
		}
		slot := p.loops()
		start := len(p.code)
		p.emit(instr{op: opLoop, loop: slot, times: s.times}, outer)
		p.compile(s.body, slot)
		p.emit(instr{op: opEnd, loop: slot, times: s.times, jump: start + 1}, slot)
	}
}

func (p *Program) emit(in instr, inner int) {
	p.code = append(p.code, in)
	p.inner = append(p.inner, inner)
}

func (p *Program) loops() int {
	n := 0
	for _, in := range p.code {
		if in.op == opLoop {
			n++
		}
	}
	return n
}

// Validate rejects a forever loop with no delay inside it.
func (p *Program) Validate() error { return validate(p.steps) }

func validate(steps []Step) error {
	for i, s := range steps {
		if s.op != opLoop {
			continue
		}
		if s.times == 0 && !suspends(s.body) {
			return fmt.Errorf("%w: loop at step %d never delays", sched.ErrNoSuspension, i)
		}
		if err := validate(s.body); err != nil {
			return err
		}
	}
	return nil
}

func suspends(steps []Step) bool {
	for _, s := range steps {
		switch s.op {
		case opDelay, opDelayPeriodic:
			return true
		case opLoop:
			if suspends(s.body) {
				return true
			}
		}
	}
	return false
}

// Reset rewinds to the first step.
func (p *Program) Reset() {
	p.pc = 0
	clear(p.counters)
}

// Resume runs steps until the next delay or the end of the program.
func (p *Program) Resume(cx *sched.Context) sched.Poll {
	for p.pc < len(p.code) {
		in := &p.code[p.pc]
		i := p.iteration(p.pc)
		p.pc++
		switch in.op {
		case opDo:
			in.fn(cx, i)
		case opDelay:
			return cx.Delay(in.d)
		case opDelayPeriodic:
			return cx.DelayPeriodic(in.d)
		case opBurn:
			cx.Burn(in.d)
		case opSpawn:
			if err := cx.Spawn(in.target); err != nil {
				cx.Logger().Warning().Err(err).Str("task", cx.Name()).Log("spawn step skipped")
			}
		case opExit:
			p.pc = len(p.code)
			return cx.Exit(in.code)
		case opExitWhen:
			if in.when(i) {
				p.pc = len(p.code)
				return cx.Exit(in.code)
			}
		case opLoop:
			p.counters[in.loop] = 0
		case opEnd:
			p.counters[in.loop]++
			if in.times == 0 || p.counters[in.loop] < in.times {
				p.pc = in.jump
			}
		}
	}
	return sched.Ready
}

func (p *Program) iteration(pc int) int {
	if slot := p.inner[pc]; slot >= 0 {
		return p.counters[slot]
	}
	return 0
}
