package sched

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"irqsched/internal/hw"
)

var testLines = []string{"SW0", "SW1", "SW2"}

// recorder collects "tick message" lines from task bodies.
type recorder struct {
	lines []string
}

func (r *recorder) add(cx interface{ Now() Instant }, format string, args ...any) {
	r.lines = append(r.lines, fmt.Sprintf("%d %s", cx.Now(), fmt.Sprintf(format, args...)))
}

// script runs one function per run segment.
type script struct {
	segs []func(cx *Context) Poll
	pc   int
}

func seq(segs ...func(cx *Context) Poll) *script { return &script{segs: segs} }

func (s *script) Resume(cx *Context) Poll {
	f := s.segs[s.pc]
	s.pc++
	return f(cx)
}

func (s *script) Reset() { s.pc = 0 }

func newBoard(t *testing.T, bits uint) *hw.Board {
	t.Helper()
	b, err := hw.NewBoard(hw.BoardConfig{PrioBits: 3, CounterBits: bits, Lines: testLines})
	require.NoError(t, err)
	return b
}

func build(t *testing.T, board *hw.Board, opts Options) *App {
	t.Helper()
	if opts.Dispatchers == nil {
		opts.Dispatchers = testLines
	}
	if opts.Output == nil {
		opts.Output = io.Discard
	}
	app, err := Build(board, opts)
	require.NoError(t, err)
	return app
}

func spawnAll(t *testing.T, ids ...TaskID) func(cx *InitContext) {
	return func(cx *InitContext) {
		for _, id := range ids {
			require.NoError(t, cx.Spawn(id))
		}
	}
}

func run(t *testing.T, app *App) error {
	t.Helper()
	return app.Run(context.Background())
}

func requireDesignPanic(t *testing.T, target error, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a panic")
		de, ok := r.(*DesignError)
		require.True(t, ok, "panic value %#v", r)
		assert.ErrorIs(t, de, target)
	}()
	fn()
}

func TestApp_SamePriorityDelays(t *testing.T) {
	rec := &recorder{}
	greeter := func(name string, d Duration, last bool) Body {
		return seq(
			func(cx *Context) Poll {
				rec.add(cx, "hello %s", name)
				return cx.Delay(d)
			},
			func(cx *Context) Poll {
				rec.add(cx, "bye %s", name)
				if last {
					return cx.Exit(0)
				}
				return Ready
			},
		)
	}
	app := build(t, newBoard(t, 16), Options{
		Tasks: []*Task{
			NewTask(0, "A", 1, greeter("A", 100, false)),
			NewTask(1, "B", 1, greeter("B", 200, false)),
			NewTask(2, "C", 1, greeter("C", 300, true)),
		},
		Init: spawnAll(t, 0, 1, 2),
	})
	var exitAt Instant
	app.OnEvent(func(ev StatusEvent) {
		if ev.Kind == StatusExit {
			exitAt = ev.Tick
		}
	})

	require.NoError(t, run(t, app))

	assert.Equal(t, []string{
		"0 hello A",
		"0 hello B",
		"0 hello C",
		"100 bye A",
		"200 bye B",
		"300 bye C",
	}, rec.lines)
	assert.Equal(t, Instant(300), exitAt)
	for _, id := range []TaskID{0, 1, 2} {
		st, err := app.State(id)
		require.NoError(t, err)
		assert.Equal(t, Done, st)
	}
}

func TestApp_LoopWithDelay(t *testing.T) {
	rec := &recorder{}
	i := 0
	body := BodyFunc(func(cx *Context) Poll {
		if i == 5 {
			return cx.Exit(0)
		}
		rec.add(cx, "hello %d", i)
		i++
		return cx.Delay(100)
	})
	app := build(t, newBoard(t, 16), Options{
		Tasks: []*Task{NewTask(0, "loop", 1, body)},
		Init:  spawnAll(t, 0),
	})

	require.NoError(t, run(t, app))

	assert.Equal(t, []string{"0 hello 0", "100 hello 1", "200 hello 2", "300 hello 3", "400 hello 4"}, rec.lines)
	assert.Equal(t, Instant(500), app.Now())
	assert.Equal(t, uint64(6), app.reg.Segments(0))
}

func TestApp_MostUrgentLevelFirst(t *testing.T) {
	rec := &recorder{}
	task := func(id TaskID, name string, p Priority) *Task {
		return NewTask(id, name, p, BodyFunc(func(cx *Context) Poll {
			rec.add(cx, "%s", name)
			return Ready
		}))
	}
	app := build(t, newBoard(t, 16), Options{
		Tasks: []*Task{task(0, "L", 1), task(1, "M", 2), task(2, "H", 3)},
		Init:  spawnAll(t, 0, 1, 2),
	})

	require.NoError(t, run(t, app))
	assert.Equal(t, []string{"0 H", "0 M", "0 L"}, rec.lines)
}

func TestApp_SpawnPreemptsLessUrgentCaller(t *testing.T) {
	rec := &recorder{}
	var levels []LevelState
	var app *App
	low := BodyFunc(func(cx *Context) Poll {
		rec.add(cx, "L start")
		require.NoError(t, cx.Spawn(1))
		rec.add(cx, "L end")
		return Ready
	})
	high := BodyFunc(func(cx *Context) Poll {
		levels = append(levels, app.LevelState(1), app.LevelState(2))
		rec.add(cx, "H")
		return Ready
	})
	app = build(t, newBoard(t, 16), Options{
		Tasks: []*Task{NewTask(0, "L", 1, low), NewTask(1, "H", 2, high)},
		Init:  spawnAll(t, 0),
	})

	require.NoError(t, run(t, app))

	assert.Equal(t, []string{"0 L start", "0 H", "0 L end"}, rec.lines)
	assert.Equal(t, []LevelState{LevelRunning, LevelRunning}, levels, "L is preempted, not finished")
	assert.Equal(t, LevelIdle, app.LevelState(1))
	assert.Equal(t, LevelIdle, app.LevelState(2))
	assert.Equal(t, LevelIdle, app.LevelState(6), "no tasks at this level")
}

func TestApp_SpawnLessUrgentRunsAfterCaller(t *testing.T) {
	rec := &recorder{}
	var pending LevelState
	var app *App
	high := BodyFunc(func(cx *Context) Poll {
		rec.add(cx, "H start")
		require.NoError(t, cx.Spawn(1))
		pending = app.LevelState(1)
		rec.add(cx, "H end")
		return Ready
	})
	low := BodyFunc(func(cx *Context) Poll {
		rec.add(cx, "L")
		return Ready
	})
	app = build(t, newBoard(t, 16), Options{
		Tasks: []*Task{NewTask(0, "H", 2, high), NewTask(1, "L", 1, low)},
		Init:  spawnAll(t, 0),
	})

	require.NoError(t, run(t, app))

	assert.Equal(t, []string{"0 H start", "0 H end", "0 L"}, rec.lines)
	assert.Equal(t, LevelPending, pending)
}

func TestApp_EqualPriorityIsFIFOAndCooperative(t *testing.T) {
	rec := &recorder{}
	a := seq(
		func(cx *Context) Poll {
			rec.add(cx, "A")
			cx.Burn(50)
			return cx.Delay(10)
		},
		func(cx *Context) Poll {
			rec.add(cx, "A again")
			return Ready
		},
	)
	b := BodyFunc(func(cx *Context) Poll {
		rec.add(cx, "B")
		return Ready
	})
	app := build(t, newBoard(t, 16), Options{
		Tasks: []*Task{NewTask(0, "A", 1, a), NewTask(1, "B", 1, b)},
		Init:  spawnAll(t, 0, 1),
	})

	require.NoError(t, run(t, app))
	assert.Equal(t, []string{"0 A", "50 B", "60 A again"}, rec.lines)
}

func TestApp_ReleasedTaskPreemptsLongSegment(t *testing.T) {
	rec := &recorder{}
	high := seq(
		func(cx *Context) Poll {
			rec.add(cx, "H")
			return cx.Delay(30)
		},
		func(cx *Context) Poll {
			rec.add(cx, "H again")
			return Ready
		},
	)
	low := BodyFunc(func(cx *Context) Poll {
		rec.add(cx, "L start")
		cx.Burn(100)
		rec.add(cx, "L end")
		return Ready
	})
	app := build(t, newBoard(t, 16), Options{
		Tasks: []*Task{NewTask(0, "L", 1, low), NewTask(1, "H", 2, high)},
		Init:  spawnAll(t, 0, 1),
	})

	require.NoError(t, run(t, app))
	assert.Equal(t, []string{"0 H", "0 L start", "30 H again", "100 L end"}, rec.lines)
}

func TestApp_DelayAnchoring(t *testing.T) {
	periodic := func(cx *Context) Poll { return cx.DelayPeriodic(50) }
	relative := func(cx *Context) Poll { return cx.Delay(50) }

	for _, tc := range []struct {
		name  string
		delay func(cx *Context) Poll
		want  []Instant
	}{
		{"periodic keeps the rate", periodic, []Instant{0, 57, 107, 157, 207, 257}},
		{"relative accumulates the work", relative, []Instant{0, 57, 114, 171, 228, 285}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var at []Instant
			body := BodyFunc(func(cx *Context) Poll {
				at = append(at, cx.Now())
				if len(at) == 6 {
					return Ready
				}
				cx.Burn(7)
				return tc.delay(cx)
			})
			app := build(t, newBoard(t, 16), Options{
				Tasks: []*Task{NewTask(0, "tick", 1, body)},
				Init:  spawnAll(t, 0),
			})

			require.NoError(t, run(t, app))
			assert.Equal(t, tc.want, at)
		})
	}
}

func TestApp_DelayAcrossCounterOverflows(t *testing.T) {
	var at []Instant
	body := seq(
		func(cx *Context) Poll { return cx.Delay(1000) },
		func(cx *Context) Poll {
			at = append(at, cx.Now())
			return cx.Delay(256)
		},
		func(cx *Context) Poll {
			at = append(at, cx.Now())
			return Ready
		},
	)
	app := build(t, newBoard(t, 8), Options{
		Tasks: []*Task{NewTask(0, "slow", 1, body)},
		Init:  spawnAll(t, 0),
	})

	require.NoError(t, run(t, app))
	assert.Equal(t, []Instant{1000, 1256}, at)
}

func TestApp_PastDeadlineIsLate(t *testing.T) {
	rec := &recorder{}
	body := seq(
		func(cx *Context) Poll {
			cx.Burn(20)
			return cx.DelayUntil(5)
		},
		func(cx *Context) Poll {
			at, ok := cx.Released()
			assert.True(t, ok)
			assert.Equal(t, Instant(5), at)
			rec.add(cx, "resumed")
			return Ready
		},
	)
	app := build(t, newBoard(t, 16), Options{
		Tasks: []*Task{NewTask(0, "late", 1, body)},
		Init:  spawnAll(t, 0),
	})
	var late []StatusEvent
	app.OnEvent(func(ev StatusEvent) {
		if ev.Kind == StatusLate {
			late = append(late, ev)
		}
	})

	require.NoError(t, run(t, app))

	assert.Equal(t, []string{"20 resumed"}, rec.lines)
	require.Len(t, late, 1)
	assert.Equal(t, Instant(20), late[0].Tick)
	assert.Equal(t, Instant(5), late[0].Deadline)
}

func TestApp_SpawnActiveTask(t *testing.T) {
	rec := &recorder{}
	var errs []error
	a := seq(
		func(cx *Context) Poll {
			rec.add(cx, "A 0")
			return cx.Delay(10)
		},
		func(cx *Context) Poll {
			rec.add(cx, "A 1")
			return Ready
		},
	)
	b := seq(
		func(cx *Context) Poll {
			errs = append(errs, cx.Spawn(0))
			return cx.Delay(20)
		},
		func(cx *Context) Poll {
			require.NoError(t, cx.Spawn(0), "A finished, so it can run again")
			return Ready
		},
	)
	app := build(t, newBoard(t, 16), Options{
		Tasks: []*Task{NewTask(0, "A", 1, a), NewTask(1, "B", 1, b)},
		Init: func(cx *InitContext) {
			require.NoError(t, cx.Spawn(0))
			errs = append(errs, cx.Spawn(0))
			require.NoError(t, cx.Spawn(1))
			errs = append(errs, cx.Spawn(9))
		},
	})

	require.NoError(t, run(t, app))

	assert.Equal(t, []string{"0 A 0", "10 A 1", "20 A 0", "30 A 1"}, rec.lines)
	require.Len(t, errs, 3)

	var se *SpawnError
	require.ErrorAs(t, errs[0], &se)
	assert.ErrorIs(t, se, ErrAlreadyActive)
	assert.Equal(t, Queued, se.State)
	assert.Equal(t, "A", se.Name)

	assert.ErrorIs(t, errs[1], ErrUnknownTask)

	require.ErrorAs(t, errs[2], &se)
	assert.Equal(t, AwaitingTimer, se.State)
}

func TestApp_CancelDropsDelay(t *testing.T) {
	rec := &recorder{}
	var errs []error
	a := seq(
		func(cx *Context) Poll {
			rec.add(cx, "A 0")
			return cx.Delay(100)
		},
		func(cx *Context) Poll {
			rec.add(cx, "A 1")
			return Ready
		},
	)
	b := BodyFunc(func(cx *Context) Poll {
		errs = append(errs, cx.Cancel(0), cx.Cancel(0), cx.Cancel(1))
		return Ready
	})
	app := build(t, newBoard(t, 16), Options{
		Tasks: []*Task{NewTask(0, "A", 1, a), NewTask(1, "B", 1, b)},
		Init:  spawnAll(t, 0, 1),
	})

	require.NoError(t, run(t, app))

	assert.Equal(t, []string{"0 A 0"}, rec.lines)
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], ErrNotSuspended)
	assert.ErrorIs(t, errs[2], ErrNotSuspended, "B is running")
	st, err := app.State(0)
	require.NoError(t, err)
	assert.Equal(t, Idle, st)
	_, armed := app.timer.Armed()
	assert.False(t, armed)
	assert.Equal(t, Instant(0), app.Now())
}

func TestApp_BodyDefectsPanic(t *testing.T) {
	for _, tc := range []struct {
		name string
		body BodyFunc
		want error
	}{
		{"pending without delay", func(cx *Context) Poll { return Pending }, ErrNoSuspension},
		{"two delays", func(cx *Context) Poll {
			cx.Delay(1)
			return cx.Delay(2)
		}, ErrDoubleDelay},
		{"ready after delay", func(cx *Context) Poll {
			cx.Delay(1)
			return Ready
		}, ErrStrayDeadline},
	} {
		t.Run(tc.name, func(t *testing.T) {
			app := build(t, newBoard(t, 16), Options{
				Tasks: []*Task{NewTask(0, "bad", 1, tc.body)},
				Init:  spawnAll(t, 0),
			})
			requireDesignPanic(t, tc.want, func() { _ = run(t, app) })
		})
	}
}

// loopForever declares a loop with no suspension point.
type loopForever struct{}

func (loopForever) Resume(*Context) Poll { return Ready }
func (loopForever) Validate() error      { return fmt.Errorf("%w: busy loop", ErrNoSuspension) }

func TestBuild_RejectsBadDeclarations(t *testing.T) {
	ok := BodyFunc(func(*Context) Poll { return Ready })

	for _, tc := range []struct {
		name string
		opts Options
		want error
	}{
		{"more levels than lines", Options{
			Tasks:       []*Task{NewTask(0, "a", 1, ok), NewTask(1, "b", 2, ok)},
			Dispatchers: []string{"SW0"},
		}, ErrTooFewDispatchers},
		{"priority zero", Options{
			Tasks: []*Task{NewTask(0, "a", 0, ok)},
		}, ErrConfig},
		{"priority beyond hardware", Options{
			Tasks: []*Task{NewTask(0, "a", 8, ok)},
		}, ErrConfig},
		{"duplicate id", Options{
			Tasks: []*Task{NewTask(0, "a", 1, ok), NewTask(0, "b", 1, ok)},
		}, ErrConfig},
		{"sparse id", Options{
			Tasks: []*Task{NewTask(3, "a", 1, ok)},
		}, ErrConfig},
		{"no body", Options{
			Tasks: []*Task{NewTask(0, "a", 1, nil)},
		}, ErrConfig},
		{"unknown line", Options{
			Tasks:       []*Task{NewTask(0, "a", 1, ok)},
			Dispatchers: []string{"NOPE"},
		}, ErrConfig},
		{"duplicate dispatcher line", Options{
			Tasks:       []*Task{NewTask(0, "low", 1, ok), NewTask(1, "high", 2, ok)},
			Dispatchers: []string{"SW0", "SW0"},
		}, ErrConfig},
		{"timer line", Options{
			Tasks:       []*Task{NewTask(0, "a", 1, ok)},
			Dispatchers: []string{hw.TimerLine},
		}, ErrConfig},
		{"resource without accessors", Options{
			Tasks:     []*Task{NewTask(0, "a", 1, ok)},
			Resources: []Shared{NewResource("r", 0)},
		}, ErrConfig},
		{"resource with unknown accessor", Options{
			Tasks:     []*Task{NewTask(0, "a", 1, ok)},
			Resources: []Shared{NewResource("r", 0, 0, 4)},
		}, ErrUnknownTask},
		{"body fails validation", Options{
			Tasks: []*Task{NewTask(0, "a", 1, loopForever{})},
		}, ErrNoSuspension},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if tc.opts.Dispatchers == nil {
				tc.opts.Dispatchers = testLines
			}
			_, err := Build(newBoard(t, 16), tc.opts)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestBuild_ValidationErrorNamesTask(t *testing.T) {
	_, err := Build(newBoard(t, 16), Options{
		Tasks:       []*Task{NewTask(0, "spin", 1, loopForever{})},
		Dispatchers: testLines,
	})
	var de *DesignError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "spin", de.Name)
}

func TestApp_ExitCode(t *testing.T) {
	body := seq(
		func(cx *Context) Poll { return cx.Delay(5) },
		func(cx *Context) Poll { return cx.Exit(3) },
	)
	app := build(t, newBoard(t, 16), Options{
		Tasks: []*Task{NewTask(0, "A", 1, body)},
		Init:  spawnAll(t, 0),
	})

	err := run(t, app)
	var ee *ExitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 3, ee.Code)
	assert.Equal(t, "A", ee.By)
	assert.Equal(t, Instant(5), app.Now())

	assert.ErrorIs(t, run(t, app), ErrAlreadyRan)
}

func TestApp_ExitFromInit(t *testing.T) {
	ran := false
	app := build(t, newBoard(t, 16), Options{
		Tasks: []*Task{NewTask(0, "A", 1, BodyFunc(func(*Context) Poll {
			ran = true
			return Ready
		}))},
		Init: func(cx *InitContext) {
			require.NoError(t, cx.Spawn(0))
			cx.Exit(0)
		},
	})

	require.NoError(t, run(t, app))
	assert.False(t, ran)
}

func TestApp_RunLimits(t *testing.T) {
	forever := func() Body {
		return BodyFunc(func(cx *Context) Poll { return cx.Delay(100) })
	}

	t.Run("tick budget", func(t *testing.T) {
		app := build(t, newBoard(t, 16), Options{
			Tasks:    []*Task{NewTask(0, "A", 1, forever())},
			Init:     spawnAll(t, 0),
			MaxTicks: 250,
		})
		assert.ErrorIs(t, run(t, app), ErrTimeLimit)
		assert.Equal(t, Instant(300), app.Now())
	})

	t.Run("context", func(t *testing.T) {
		app := build(t, newBoard(t, 16), Options{
			Tasks:     []*Task{NewTask(0, "A", 1, forever())},
			Init:      spawnAll(t, 0),
			KeepAlive: true,
		})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, app.Run(ctx), context.Canceled)
	})

	t.Run("nothing to do", func(t *testing.T) {
		app := build(t, newBoard(t, 16), Options{
			Tasks: []*Task{NewTask(0, "A", 1, forever())},
		})
		assert.NoError(t, run(t, app))
		assert.Equal(t, Instant(0), app.Now())
	})
}

func TestApp_IdleSpawnsWork(t *testing.T) {
	rec := &recorder{}
	body := seq(
		func(cx *Context) Poll {
			rec.add(cx, "T")
			return cx.Delay(40)
		},
		func(cx *Context) Poll {
			rec.add(cx, "T bye")
			return cx.Exit(0)
		},
	)
	idles := 0
	app := build(t, newBoard(t, 16), Options{
		Tasks:     []*Task{NewTask(0, "T", 1, body)},
		KeepAlive: true,
		Idle: func(cx *IdleContext) {
			if idles == 0 {
				require.NoError(t, cx.Spawn(0))
			}
			idles++
			cx.WaitForInterrupt()
		},
	})

	require.NoError(t, run(t, app))
	assert.Equal(t, []string{"0 T", "40 T bye"}, rec.lines)
	assert.Equal(t, 1, idles)
}

func TestApp_EventStream(t *testing.T) {
	body := seq(
		func(cx *Context) Poll { return cx.Delay(10) },
		func(cx *Context) Poll { return Ready },
	)
	app := build(t, newBoard(t, 16), Options{
		Tasks: []*Task{NewTask(0, "A", 1, body)},
		Init:  spawnAll(t, 0),
	})
	trace := filepath.Join(t.TempDir(), "trace.csv")
	require.NoError(t, app.EnableCSVLogging(trace))

	var kinds []StatusKind
	app.OnEvent(func(ev StatusEvent) {
		if ev.Kind != StatusIdle {
			kinds = append(kinds, ev.Kind)
		}
	})

	require.NoError(t, run(t, app))

	assert.Equal(t, []StatusKind{
		StatusInit, StatusSpawn, StatusDispatch, StatusSuspend, StatusWake, StatusDispatch, StatusFinish,
	}, kinds)

	data, err := os.ReadFile(trace)
	require.NoError(t, err)
	assert.Equal(t, strings.Join([]string{
		"tick,event,task_id,task,priority,deadline",
		"0,Init,,,,",
		"0,Spawn,0,A,1,",
		"0,Dispatch,0,A,1,",
		"0,Suspend,0,A,1,10",
		"10,Wake,0,A,1,10",
		"10,Dispatch,0,A,1,",
		"10,Finish,0,A,1,",
		"",
	}, "\n"), string(data))
}

func TestApp_Logging(t *testing.T) {
	var buf strings.Builder
	body := seq(
		func(cx *Context) Poll {
			cx.Logger().Info().Str("task", cx.Name()).Log("hello")
			cx.Burn(5)
			return cx.DelayUntil(1)
		},
		func(cx *Context) Poll { return Ready },
	)
	app := build(t, newBoard(t, 16), Options{
		Tasks:  []*Task{NewTask(0, "A", 1, body)},
		Init:   spawnAll(t, 0),
		Logger: NewLogger(&buf, ParseLevel("warn")),
	})

	require.NoError(t, run(t, app))

	out := buf.String()
	assert.NotContains(t, out, "hello")
	assert.Contains(t, out, `"event":"Late"`)
}

func TestApp_TraceWriteFailureStopsTracing(t *testing.T) {
	var logs strings.Builder
	body := seq(
		func(cx *Context) Poll { return cx.Delay(10) },
		func(cx *Context) Poll { return Ready },
	)
	app := build(t, newBoard(t, 16), Options{
		Tasks:  []*Task{NewTask(0, "A", 1, body)},
		Init:   spawnAll(t, 0),
		Logger: NewLogger(&logs, ParseLevel("warn")),
	})
	require.NoError(t, app.EnableCSVLogging(filepath.Join(t.TempDir(), "trace.csv")))
	require.NoError(t, app.csvFile.Close())

	require.NoError(t, run(t, app))

	assert.Nil(t, app.csvWriter)
	assert.Equal(t, 1, strings.Count(logs.String(), "trace write failed"))
}

func TestDesignError_Unwrap(t *testing.T) {
	err := error(&DesignError{Task: 2, Name: "x", Err: ErrDoubleDelay})
	assert.True(t, errors.Is(err, ErrDoubleDelay))
	assert.Contains(t, err.Error(), "x (2)")
}
