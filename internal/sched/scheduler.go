// internal/sched/scheduler.go

package sched

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"

	"github.com/joeycumines/logiface"

	"irqsched/internal/hw"
)

// Options is the immutable declaration of an app: its tasks, shared
// resources, and the interrupt lines that dispatch them.
type Options struct {
	Tasks     []*Task
	Resources []Shared
	// Dispatchers names free interrupt lines on the board, one per distinct
	// task priority, assigned lowest priority first.
	Dispatchers []string
	Init        func(cx *InitContext)
	// Idle runs whenever no task is ready. It must return after at most one
	// WaitForInterrupt; nil means a plain WaitForInterrupt.
	Idle func(cx *IdleContext)
	// KeepAlive keeps Run going when no task is active and no deadline is
	// pending, for idle functions that spawn work themselves.
	KeepAlive bool
	MaxTicks  Duration // 0 = no limit
	Output    io.Writer
	Logger    *Logger
}

// App is a built scheduler bound to one board.
type App struct {
	board       *hw.Board
	nvic        *hw.NVIC
	clock       *Clock
	timer       *TimerDriver
	queue       *DeadlineQueue
	reg         *Registry
	dispatchers []*dispatcher // indexed by Priority, nil where unused
	resources   []Shared

	init      func(cx *InitContext)
	idle      func(cx *IdleContext)
	keepAlive bool
	maxTicks  Duration
	out       io.Writer
	log       *Logger
	listeners []func(StatusEvent)

	started  bool
	exited   bool
	exitCode int
	exitBy   string

	// logging-related
	csvFile   *os.File
	csvWriter *csv.Writer
}

// Build validates opts and wires the scheduler onto board. Declaration
// defects are reported here, before anything runs.
func Build(board *hw.Board, opts Options) (*App, error) {
	a := &App{
		board:     board,
		nvic:      board.NVIC,
		init:      opts.Init,
		idle:      opts.Idle,
		keepAlive: opts.KeepAlive,
		maxTicks:  opts.MaxTicks,
		out:       opts.Output,
		log:       opts.Logger,
	}
	if a.out == nil {
		a.out = os.Stdout
	}
	if a.log == nil {
		a.log = NewLogger(io.Discard, logiface.LevelDisabled)
	}
	if a.idle == nil {
		a.idle = func(cx *IdleContext) { cx.WaitForInterrupt() }
	}

	reg, err := newRegistry(a, opts.Tasks)
	if err != nil {
		return nil, err
	}
	a.reg = reg

	if err := a.bindDispatchers(opts); err != nil {
		return nil, err
	}

	a.clock = NewClock(board.Timer)
	a.queue = NewDeadlineQueue(reg.Len())
	a.timer = NewTimerDriver(board.Timer, a.clock, a.queue, a.nvic, a.wake)
	if err := a.nvic.SetPriority(board.Timer.IRQ(), 0); err != nil {
		return nil, err
	}
	if err := a.nvic.SetHandler(board.Timer.IRQ(), a.timer.OnInterrupt); err != nil {
		return nil, err
	}

	for _, r := range opts.Resources {
		if err := r.bind(a); err != nil {
			return nil, err
		}
		a.resources = append(a.resources, r)
	}

	a.log.Debug().
		Int("tasks", reg.Len()).
		Int("levels", len(a.levels())).
		Int("resources", len(a.resources)).
		Log("app built")
	return a, nil
}

// bindDispatchers gives every distinct task priority its own interrupt line,
// mapping logical priority p to hardware priority levels-p so the timer keeps
// hardware priority 0 above all of them.
func (a *App) bindDispatchers(opts Options) error {
	var prios []Priority
	counts := map[Priority]int{}
	for _, t := range opts.Tasks {
		if t.Priority < 1 {
			return fmt.Errorf("%w: task %s has priority 0, reserved for idle", ErrConfig, t.Name)
		}
		if int(t.Priority) >= a.nvic.Levels() {
			return fmt.Errorf("%w: task %s priority %d needs more than %d priority bits",
				ErrConfig, t.Name, t.Priority, a.nvic.PrioBits())
		}
		if counts[t.Priority] == 0 {
			prios = append(prios, t.Priority)
		}
		counts[t.Priority]++
	}
	slices.Sort(prios)
	if len(prios) > len(opts.Dispatchers) {
		return fmt.Errorf("%w: %d priority levels, %d lines", ErrTooFewDispatchers, len(prios), len(opts.Dispatchers))
	}

	var top Priority
	if len(prios) > 0 {
		top = prios[len(prios)-1]
	}
	a.dispatchers = make([]*dispatcher, int(top)+1)
	bound := map[hw.Line]Priority{}
	for i, p := range prios {
		name := opts.Dispatchers[i]
		line := a.nvic.Lookup(name)
		if line == hw.NoLine || line == a.board.Timer.IRQ() {
			return fmt.Errorf("%w: dispatcher line %q not free on this board", ErrConfig, name)
		}
		if prev, dup := bound[line]; dup {
			return fmt.Errorf("%w: dispatcher line %q already serves priority %d", ErrConfig, name, prev)
		}
		bound[line] = p
		if err := a.nvic.SetPriority(line, a.hwPrio(p)); err != nil {
			return err
		}
		d, err := newDispatcher(p, line, a.nvic, counts[p], a.resume)
		if err != nil {
			return err
		}
		a.dispatchers[p] = d
	}
	return nil
}

func (a *App) hwPrio(p Priority) uint8 { return uint8(a.nvic.Levels() - int(p)) }

func (a *App) levels() []Priority {
	var out []Priority
	for p, d := range a.dispatchers {
		if d != nil {
			out = append(out, Priority(p))
		}
	}
	return out
}

// EnableCSVLogging opens the given file path for CSV logging of events.
// Must be called before Run().
func (a *App) EnableCSVLogging(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)

	// write header
	if err := w.Write([]string{"tick", "event", "task_id", "task", "priority", "deadline"}); err != nil {
		f.Close()
		return err
	}
	w.Flush()
	a.csvFile = f
	a.csvWriter = w
	return nil
}

// OnEvent subscribes fn to the event stream. fn runs inside the scheduler,
// possibly in interrupt context, and must not call back into the app.
func (a *App) OnEvent(fn func(StatusEvent)) { a.listeners = append(a.listeners, fn) }

// Run executes init with interrupts disabled, unmasks, then idles until a
// task exits, nothing is left to do, ctx is done, or the tick budget runs out.
// A zero exit code returns nil, anything else an *ExitError.
func (a *App) Run(ctx context.Context) error {
	if a.started {
		return ErrAlreadyRan
	}
	a.started = true
	defer a.closeTrace()

	a.nvic.Free(func() {
		a.emit(StatusEvent{Kind: StatusInit})
		if a.init != nil {
			a.init(&InitContext{app: a})
		}
		a.timer.Rearm()
	})
	// leaving the critical section takes every pended dispatcher

	idle := &IdleContext{app: a}
	for {
		if a.exited {
			return a.exitErr()
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !a.keepAlive && a.quiescent() {
			a.log.Info().Uint64("tick", uint64(a.clock.Now())).Log("no task active, stopping")
			return nil
		}
		if a.maxTicks > 0 && a.clock.Now() >= Instant(a.maxTicks) {
			return fmt.Errorf("%w: %d ticks", ErrTimeLimit, a.maxTicks)
		}
		a.emit(StatusEvent{Kind: StatusIdle})
		a.idle(idle)
	}
}

// Spawn moves a task from Idle or Done to its ready queue. If the task's level
// outranks the caller it runs before Spawn returns. Spawning an active task
// fails with ErrAlreadyActive and changes nothing.
//
// Spawn is for init, idle and task bodies; it is not safe to call from other
// goroutines.
func (a *App) Spawn(id TaskID) error {
	var err error
	a.nvic.Free(func() {
		var s *slot
		s, err = a.reg.spawn(id)
		if err != nil {
			return
		}
		t := s.task
		a.emit(StatusEvent{Kind: StatusSpawn, TaskID: t.ID, Name: t.Name, Priority: t.Priority})
		a.dispatchers[t.Priority].enqueue(t.ID)
	})
	if err != nil {
		a.log.Debug().Err(err).Log("spawn refused")
	}
	return err
}

// Cancel drops a suspended task's deadline and returns it to Idle without
// resuming it.
func (a *App) Cancel(id TaskID) error {
	var err error
	a.nvic.Free(func() {
		var (
			s *slot
			h Handle
		)
		s, h, err = a.reg.cancel(id)
		if err != nil {
			return
		}
		a.timer.Cancel(h)
		t := s.task
		a.emit(StatusEvent{Kind: StatusCancel, TaskID: t.ID, Name: t.Name, Priority: t.Priority, Deadline: s.deadline})
	})
	return err
}

// State returns a task's lifecycle state.
func (a *App) State(id TaskID) (State, error) { return a.reg.State(id) }

// LevelState returns the dispatcher state of a priority level.
func (a *App) LevelState(p Priority) LevelState {
	if int(p) >= len(a.dispatchers) || a.dispatchers[p] == nil {
		return LevelIdle
	}
	return a.dispatchers[p].state()
}

// Now reads the app's monotonic clock.
func (a *App) Now() Instant { return a.clock.Now() }

// Clock returns the app's monotonic clock.
func (a *App) Clock() *Clock { return a.clock }

// resume runs one segment of a task; called from its level's dispatcher.
func (a *App) resume(id TaskID) {
	s := &a.reg.slots[id]
	t := s.task
	a.nvic.Free(func() {
		s.state = Running
		s.segments++
	})
	a.emit(StatusEvent{Kind: StatusDispatch, TaskID: t.ID, Name: t.Name, Priority: t.Priority})

	cx := &s.cx
	cx.delayed = false
	poll := t.Body.Resume(cx)

	switch {
	case poll == Pending && !cx.delayed:
		panic(&DesignError{Task: t.ID, Name: t.Name, Err: ErrNoSuspension})
	case poll == Ready && cx.delayed:
		panic(&DesignError{Task: t.ID, Name: t.Name, Err: ErrStrayDeadline})
	case poll == Ready:
		a.nvic.Free(func() { s.state = Done })
		a.emit(StatusEvent{Kind: StatusFinish, TaskID: t.ID, Name: t.Name, Priority: t.Priority})
	}
}

// wake is called by the timer ISR for every expired deadline entry.
func (a *App) wake(e Entry, now Instant) {
	s, ok := a.reg.wake(e.Task)
	if !ok {
		return
	}
	t := s.task
	if now > e.At {
		a.emit(StatusEvent{Kind: StatusLate, TaskID: t.ID, Name: t.Name, Priority: t.Priority, Deadline: e.At})
	}
	a.emit(StatusEvent{Kind: StatusWake, TaskID: t.ID, Name: t.Name, Priority: t.Priority, Deadline: e.At})
	a.dispatchers[t.Priority].enqueue(t.ID)
}

// withCeiling runs fn with BASEPRI raised to the hardware priority of
// ceiling, unless the caller already runs at or above it.
func (a *App) withCeiling(current, ceiling Priority, fn func()) {
	if ceiling <= current {
		fn()
		return
	}
	prev := a.nvic.Basepri()
	want := a.hwPrio(ceiling)
	if prev != 0 && prev <= want {
		fn()
		return
	}
	a.nvic.SetBasepri(want)
	done := false
	defer func() {
		if !done {
			// unwinding a panic: drop the mask without taking pending lines
			a.nvic.LoadBasepri(prev)
		}
	}()
	fn()
	done = true
	a.nvic.SetBasepri(prev)
}

func (a *App) exit(code int, by string) {
	if a.exited {
		return
	}
	a.exited, a.exitCode, a.exitBy = true, code, by
	a.emit(StatusEvent{Kind: StatusExit, Name: by, Code: code})
	a.nvic.Halt()
}

func (a *App) exitErr() error {
	if a.exitCode == 0 {
		return nil
	}
	return &ExitError{Code: a.exitCode, By: a.exitBy}
}

func (a *App) quiescent() bool {
	return !a.reg.anyActive() && a.queue.Len() == 0 && !a.nvic.AnyPending()
}

func (a *App) emit(ev StatusEvent) {
	ev.Tick = a.clock.Now()
	a.handleEvent(ev)
	for _, fn := range a.listeners {
		fn(ev)
	}
}

func (a *App) handleEvent(ev StatusEvent) {
	// idle events occur on every wakeup, so they are kept out of the logs
	// and the CSV trace for the brevity of output.
	if ev.Kind == StatusIdle {
		a.log.Trace().Uint64("tick", uint64(ev.Tick)).Log("idle")
		return
	}

	level := logiface.LevelDebug
	if ev.Kind == StatusLate {
		level = logiface.LevelWarning
	}
	b := a.log.Build(level).Uint64("tick", uint64(ev.Tick)).Str("event", ev.Kind.String())
	if ev.Kind.hasTask() {
		b = b.Uint64("task_id", uint64(ev.TaskID)).Str("task", ev.Name).Int("priority", int(ev.Priority))
	}
	switch ev.Kind {
	case StatusSuspend, StatusWake, StatusLate, StatusCancel:
		b = b.Uint64("deadline", uint64(ev.Deadline))
	case StatusExit:
		b = b.Str("by", ev.Name).Int("code", ev.Code)
	}
	b.Log("scheduler event")

	// CSV output
	if a.csvWriter != nil {
		rec := []string{
			strconv.FormatUint(uint64(ev.Tick), 10),
			ev.Kind.String(),
			"",
			ev.Name,
			"",
			"",
		}
		if ev.Kind.hasTask() {
			rec[2] = strconv.FormatUint(uint64(ev.TaskID), 10)
			rec[4] = strconv.Itoa(int(ev.Priority))
		}
		if ev.Deadline != 0 || ev.Kind == StatusSuspend {
			rec[5] = strconv.FormatUint(uint64(ev.Deadline), 10)
		}
		a.csvWriter.Write(rec)
		a.csvWriter.Flush()
		if err := a.csvWriter.Error(); err != nil {
			a.log.Warning().Err(err).Log("trace write failed, tracing stopped")
			a.closeTrace()
		}
	}
}

func (a *App) closeTrace() {
	if a.csvFile != nil {
		a.csvWriter.Flush()
		a.csvFile.Close()
		a.csvFile, a.csvWriter = nil, nil
	}
}
