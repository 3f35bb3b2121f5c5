package sched

import "fmt"

type slot struct {
	task     *Task
	state    State
	handle   Handle  // live deadline entry while AwaitingTimer
	deadline Instant // deadline of the most recent delay
	released bool    // last resumed by the timer rather than a spawn
	segments uint64
	cx       Context
}

// Registry is the static table of task slots, indexed by TaskID.
type Registry struct {
	slots []slot
}

func newRegistry(app *App, tasks []*Task) (*Registry, error) {
	r := &Registry{slots: make([]slot, len(tasks))}
	for _, t := range tasks {
		if t == nil || t.Body == nil {
			return nil, fmt.Errorf("%w: task without body", ErrConfig)
		}
		if int(t.ID) >= len(tasks) {
			return nil, fmt.Errorf("%w: task %s id %d outside 0..%d", ErrConfig, t.Name, t.ID, len(tasks)-1)
		}
		s := &r.slots[t.ID]
		if s.task != nil {
			return nil, fmt.Errorf("%w: task id %d declared twice (%s, %s)", ErrConfig, t.ID, s.task.Name, t.Name)
		}
		if v, ok := t.Body.(Validator); ok {
			if err := v.Validate(); err != nil {
				return nil, &DesignError{Task: t.ID, Name: t.Name, Err: err}
			}
		}
		s.task = t
		s.cx = Context{app: app, slot: s}
	}
	return r, nil
}

func (r *Registry) lookup(id TaskID) (*slot, error) {
	if int(id) >= len(r.slots) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTask, id)
	}
	return &r.slots[id], nil
}

// spawn moves an Idle or Done task to Queued.
func (r *Registry) spawn(id TaskID) (*slot, error) {
	s, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	if s.state.Active() {
		return s, &SpawnError{Task: id, Name: s.task.Name, State: s.state, Err: ErrAlreadyActive}
	}
	if rs, ok := s.task.Body.(Resetter); ok {
		rs.Reset()
	}
	s.state = Queued
	s.released = false
	return s, nil
}

// wake moves a task whose deadline expired from AwaitingTimer to Queued.
func (r *Registry) wake(id TaskID) (*slot, bool) {
	s := &r.slots[id]
	if s.state != AwaitingTimer {
		return s, false
	}
	s.state = Queued
	s.handle = Handle{}
	s.released = true
	return s, true
}

// cancel reverts an AwaitingTimer task to Idle, returning the deadline entry
// to drop.
func (r *Registry) cancel(id TaskID) (*slot, Handle, error) {
	s, err := r.lookup(id)
	if err != nil {
		return nil, Handle{}, err
	}
	if s.state != AwaitingTimer {
		return s, Handle{}, fmt.Errorf("cancel %s: %w (state %s)", s.task.Name, ErrNotSuspended, s.state)
	}
	h := s.handle
	s.state = Idle
	s.handle = Handle{}
	return s, h, nil
}

// State returns a task's lifecycle state.
func (r *Registry) State(id TaskID) (State, error) {
	s, err := r.lookup(id)
	if err != nil {
		return Idle, err
	}
	return s.state, nil
}

// Segments returns how many run segments a task has executed.
func (r *Registry) Segments(id TaskID) uint64 {
	if s, err := r.lookup(id); err == nil {
		return s.segments
	}
	return 0
}

// Len returns the number of declared tasks.
func (r *Registry) Len() int { return len(r.slots) }

func (r *Registry) anyActive() bool {
	for i := range r.slots {
		if r.slots[i].state.Active() {
			return true
		}
	}
	return false
}
