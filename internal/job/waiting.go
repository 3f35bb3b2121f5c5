package job

import (
	"irqsched/internal/sched"
)

// SleepWork returns a body that suspends once for d ticks, then finishes.
func SleepWork(d sched.Duration) sched.Body {
	return &sleeper{d: d}
}

// sleeper is the smallest hand-written continuation: one flag of state.
type sleeper struct {
	d     sched.Duration
	slept bool
}

func (s *sleeper) Resume(cx *sched.Context) sched.Poll {
	if !s.slept {
		s.slept = true
		return cx.Delay(s.d)
	}
	return sched.Ready
}

func (s *sleeper) Reset() { s.slept = false }
