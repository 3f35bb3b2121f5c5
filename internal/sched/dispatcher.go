package sched

import (
	"github.com/emirpasic/gods/queues/circularbuffer"

	"irqsched/internal/hw"
)

// LevelState is the state of one priority level's dispatcher.
type LevelState uint8

const (
	LevelIdle    LevelState = iota // queue empty
	LevelPending                   // queue non-empty, interrupt pending
	LevelRunning                   // handler executing, possibly preempted
)

func (s LevelState) String() string {
	switch s {
	case LevelIdle:
		return "Idle"
	case LevelPending:
		return "Pending"
	case LevelRunning:
		return "Running"
	default:
		return "Unknown"
	}
}

// dispatcher owns the ready queue of one priority level and the interrupt line
// that drains it. The interrupt controller supplies preemption between levels.
type dispatcher struct {
	prio  Priority
	line  hw.Line
	nvic  *hw.NVIC
	ready *circularbuffer.Queue // TaskID, FIFO
	run   func(TaskID)
}

func newDispatcher(prio Priority, line hw.Line, nvic *hw.NVIC, capacity int, run func(TaskID)) (*dispatcher, error) {
	d := &dispatcher{
		prio:  prio,
		line:  line,
		nvic:  nvic,
		ready: circularbuffer.New(capacity),
		run:   run,
	}
	if err := nvic.SetHandler(line, d.handle); err != nil {
		return nil, err
	}
	return d, nil
}

// enqueue appends id and pends the level's interrupt. Callers hold the
// critical section. A task is in at most one queue, so a full buffer means the
// capacity was computed wrong.
func (d *dispatcher) enqueue(id TaskID) {
	if d.ready.Full() {
		panic(ErrCapacity)
	}
	d.ready.Enqueue(id)
	d.nvic.Pend(d.line)
}

// handle is the level's ISR: resume queued tasks head first until the queue
// is empty, then return to whatever was preempted.
func (d *dispatcher) handle() {
	for !d.nvic.Halted() {
		var (
			v  any
			ok bool
		)
		d.nvic.Free(func() { v, ok = d.ready.Dequeue() })
		if !ok {
			return
		}
		d.run(v.(TaskID))
	}
}

func (d *dispatcher) state() LevelState {
	switch {
	case d.nvic.IsActive(d.line):
		return LevelRunning
	case d.nvic.IsPending(d.line) || !d.ready.Empty():
		return LevelPending
	default:
		return LevelIdle
	}
}
