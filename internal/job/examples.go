package job

import (
	"slices"

	"irqsched/internal/sched"
)

// Task ids used by the bundled applications.
const (
	Foo sched.TaskID = iota
	Bar
	Baz
)

// AsyncDelay is three tasks at the same priority that greet, delay, and say
// goodbye. Baz has the longest delay and exits the program when done.
func AsyncDelay(cfg sched.Config, foo, bar, baz sched.Duration) sched.Options {
	greeter := func(name string, d sched.Duration, last bool) *Program {
		steps := []Step{
			Printf("hello from %s\n", name),
			Delay(d),
			Printf("bye from %s\n", name),
		}
		if last {
			steps = append(steps, Exit(0))
		}
		return New(steps...)
	}
	return sched.Options{
		Tasks: []*sched.Task{
			sched.NewTask(Foo, "foo", 1, greeter("foo", foo, false)),
			sched.NewTask(Bar, "bar", 1, greeter("bar", bar, false)),
			sched.NewTask(Baz, "baz", 1, greeter("baz", baz, true)),
		},
		Dispatchers: cfg.Dispatchers,
		Init: func(cx *sched.InitContext) {
			cx.Println("init")
			for _, id := range []sched.TaskID{Foo, Bar, Baz} {
				if err := cx.Spawn(id); err != nil {
					cx.Logger().Err().Err(err).Log("spawn from init")
				}
			}
		},
		MaxTicks: sched.Duration(cfg.MaxTicks),
	}
}

// AsyncInfiniteLoop is one task looping forever with a delay in every
// iteration. It exits at the top of the loop once it has printed passes times.
func AsyncInfiniteLoop(cfg sched.Config, period sched.Duration, passes int) sched.Options {
	foo := New(
		Loop(
			ExitWhen(func(i int) bool { return i == passes }, 0),
			Do(func(cx *sched.Context, i int) { cx.Printf("hello from async %d\n", i) }),
			Delay(period),
		),
	)
	return sched.Options{
		Tasks:       []*sched.Task{sched.NewTask(Foo, "foo", 1, foo)},
		Dispatchers: cfg.Dispatchers,
		Init: func(cx *sched.InitContext) {
			cx.Println("init")
			if err := cx.Spawn(Foo); err != nil {
				cx.Logger().Err().Err(err).Log("spawn from init")
			}
		},
		MaxTicks: sched.Duration(cfg.MaxTicks),
	}
}

// Task ids of the preemption application.
const (
	Sensor sched.TaskID = iota
	Nap
	Reporter
)

// Preemption has a periodic sensor task at priority 2 preempt a reporter
// burning CPU at priority 1. Both share a sample counter through a resource;
// the reporter prints the count once its work is done and exits after a
// final delay. Nap sleeps briefly at the reporter's level and only resumes
// once the reporter suspends.
func Preemption(cfg sched.Config, period, work sched.Duration, samples int) sched.Options {
	count := sched.NewResource("samples", 0, Sensor, Reporter)
	sensor := New(
		Repeat(samples,
			Do(func(cx *sched.Context, i int) {
				if err := count.Lock(cx, func(n *int) { *n++ }); err != nil {
					cx.Logger().Warning().Err(err).Str("task", cx.Name()).Log("sample not counted")
				}
				cx.Printf("sensor: sample %d at tick %d\n", i, cx.Now())
			}),
			DelayPeriodic(period),
		),
	)
	reporter := New(
		Do(func(cx *sched.Context, _ int) { cx.Printf("reporter: start at tick %d\n", cx.Now()) }),
		Burn(work),
		Do(func(cx *sched.Context, _ int) {
			var n int
			if err := count.Lock(cx, func(v *int) { n = *v }); err != nil {
				cx.Logger().Warning().Err(err).Str("task", cx.Name()).Log("sample count unavailable")
			}
			cx.Printf("reporter: %d samples by tick %d\n", n, cx.Now())
		}),
		Delay(work),
		Exit(0),
	)
	return sched.Options{
		Tasks: []*sched.Task{
			sched.NewTask(Sensor, "sensor", 2, sensor),
			sched.NewTask(Nap, "nap", 1, SleepWork(1)),
			sched.NewTask(Reporter, "reporter", 1, reporter),
		},
		Resources:   []sched.Shared{count},
		Dispatchers: cfg.Dispatchers,
		Init: func(cx *sched.InitContext) {
			for _, id := range []sched.TaskID{Sensor, Nap, Reporter} {
				if err := cx.Spawn(id); err != nil {
					cx.Logger().Err().Err(err).Log("spawn from init")
				}
			}
		},
		MaxTicks: sched.Duration(cfg.MaxTicks),
	}
}

// Example is a named application runnable from the command line.
type Example struct {
	Name  string
	About string
	Build func(cfg sched.Config) sched.Options
}

var examples = []Example{
	{
		Name:  "async-delay",
		About: "foo, bar and baz delay 100, 200 and 300 ms at one priority; baz exits",
		Build: func(cfg sched.Config) sched.Options {
			return AsyncDelay(cfg, cfg.Millis(100), cfg.Millis(200), cfg.Millis(300))
		},
	},
	{
		Name:  "async-infinite-loop",
		About: "foo loops printing a counter every 100 ms and exits after 5 passes",
		Build: func(cfg sched.Config) sched.Options {
			return AsyncInfiniteLoop(cfg, cfg.Millis(100), 5)
		},
	},
	{
		Name:  "priority-preemption",
		About: "a 50 ms periodic sensor at priority 2 preempts a 120 ms reporter at priority 1",
		Build: func(cfg sched.Config) sched.Options {
			return Preemption(cfg, cfg.Millis(50), cfg.Millis(120), 3)
		},
	},
}

// Examples lists the bundled applications.
func Examples() []Example { return slices.Clone(examples) }

// Lookup finds a bundled application by name.
func Lookup(name string) (Example, bool) {
	i := slices.IndexFunc(examples, func(e Example) bool { return e.Name == name })
	if i < 0 {
		return Example{}, false
	}
	return examples[i], true
}
