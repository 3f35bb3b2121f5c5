package sched

import (
	"fmt"
)

// Context is handed to a task body on every run segment. It is the only way
// a body suspends, spawns, or reaches the outside world.
type Context struct {
	app     *App
	slot    *slot
	delayed bool
	locks   int
}

// ID returns the running task's id.
func (cx *Context) ID() TaskID { return cx.slot.task.ID }

// Name returns the running task's name.
func (cx *Context) Name() string { return cx.slot.task.Name }

// Priority returns the running task's static priority.
func (cx *Context) Priority() Priority { return cx.slot.task.Priority }

// Now reads the monotonic clock.
func (cx *Context) Now() Instant { return cx.app.clock.Now() }

// Delay suspends the task for d ticks counted from this call. The body must
// return the result.
//
//	case 1:
//		b.step = 2
//		return cx.Delay(100)
func (cx *Context) Delay(d Duration) Poll {
	return cx.DelayUntil(cx.Now().Add(d))
}

// DelayUntil suspends the task until the absolute deadline at. A deadline in
// the past resumes the task as soon as its priority allows.
func (cx *Context) DelayUntil(at Instant) Poll {
	s := cx.slot
	switch {
	case cx.delayed:
		panic(&DesignError{Task: s.task.ID, Name: s.task.Name, Err: ErrDoubleDelay})
	case cx.locks > 0:
		panic(&DesignError{Task: s.task.ID, Name: s.task.Name, Err: ErrHeldResource})
	}
	cx.delayed = true
	a := cx.app
	a.nvic.Free(func() {
		s.state = AwaitingTimer
		s.deadline = at
		h, err := a.timer.Schedule(at, s.task.ID)
		if err != nil {
			panic(&DesignError{Task: s.task.ID, Name: s.task.Name, Err: err})
		}
		s.handle = h
		a.emit(StatusEvent{Kind: StatusSuspend, TaskID: s.task.ID, Name: s.task.Name, Priority: s.task.Priority, Deadline: at})
	})
	return Pending
}

// DelayPeriodic suspends until d ticks after the deadline this task last
// woke for, so a loop of DelayPeriodic(d) releases every d ticks no matter how
// long each iteration runs. Without a previous deadline it behaves as Delay.
func (cx *Context) DelayPeriodic(d Duration) Poll {
	if at, ok := cx.Released(); ok {
		return cx.DelayUntil(at.Add(d))
	}
	return cx.Delay(d)
}

// Released returns the deadline the current run segment was woken for, if it
// was woken by the timer rather than spawned.
func (cx *Context) Released() (Instant, bool) {
	return cx.slot.deadline, cx.slot.released
}

// Spawn queues another task, see App.Spawn.
func (cx *Context) Spawn(id TaskID) error { return cx.app.Spawn(id) }

// Cancel drops another task's pending delay, see App.Cancel.
func (cx *Context) Cancel(id TaskID) error { return cx.app.Cancel(id) }

// Burn keeps the core busy for d ticks. More urgent work released meanwhile
// preempts it.
func (cx *Context) Burn(d Duration) { cx.app.board.Burn(uint64(d)) }

// Printf writes to the diagnostic output. It never suspends.
func (cx *Context) Printf(format string, args ...any) {
	fmt.Fprintf(cx.app.out, format, args...)
}

// Println writes a line to the diagnostic output.
func (cx *Context) Println(args ...any) {
	fmt.Fprintln(cx.app.out, args...)
}

// Exit stops the core with the given status. The body should return the
// result; nothing runs after it.
func (cx *Context) Exit(code int) Poll {
	cx.app.exit(code, cx.slot.task.Name)
	return Ready
}

// Logger returns the app's logger.
func (cx *Context) Logger() *Logger { return cx.app.log }

// InitContext is handed to the init function, which runs once with
// interrupts disabled before anything else.
type InitContext struct {
	app *App
}

// Spawn queues a task; it first runs when init returns.
func (cx *InitContext) Spawn(id TaskID) error { return cx.app.Spawn(id) }

// Now reads the monotonic clock.
func (cx *InitContext) Now() Instant { return cx.app.clock.Now() }

// Printf writes to the diagnostic output.
func (cx *InitContext) Printf(format string, args ...any) { fmt.Fprintf(cx.app.out, format, args...) }

// Println writes a line to the diagnostic output.
func (cx *InitContext) Println(args ...any) { fmt.Fprintln(cx.app.out, args...) }

// Exit stops the core before any task runs.
func (cx *InitContext) Exit(code int) { cx.app.exit(code, "init") }

// Logger returns the app's logger.
func (cx *InitContext) Logger() *Logger { return cx.app.log }

// IdleContext is handed to the idle function, which runs in thread mode
// whenever every ready queue is empty.
type IdleContext struct {
	app *App
}

// WaitForInterrupt sleeps the core until the next interrupt has been serviced.
func (cx *IdleContext) WaitForInterrupt() { cx.app.board.WaitForInterrupt() }

// Spawn queues a task, which preempts idle at once.
func (cx *IdleContext) Spawn(id TaskID) error { return cx.app.Spawn(id) }

// Now reads the monotonic clock.
func (cx *IdleContext) Now() Instant { return cx.app.clock.Now() }

// Printf writes to the diagnostic output.
func (cx *IdleContext) Printf(format string, args ...any) { fmt.Fprintf(cx.app.out, format, args...) }

// Exit stops the core.
func (cx *IdleContext) Exit(code int) { cx.app.exit(code, "idle") }

// Logger returns the app's logger.
func (cx *IdleContext) Logger() *Logger { return cx.app.log }
