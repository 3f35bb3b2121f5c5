package sched

import "fmt"

// TaskID uniquely identifies a task in the scheduler. IDs are dense, starting at 0,
// and index the registry directly.
type TaskID uint32

// Priority is a logical task priority. 1 is the least urgent task priority;
// 0 is reserved for idle and init.
type Priority uint8

// Poll is what a task body returns from one run segment.
type Poll uint8

const (
	// Ready means the body has finished; it will not run again until re-spawned.
	Ready Poll = iota
	// Pending means the body suspended on a delay registered through its Context.
	Pending
)

func (p Poll) String() string {
	if p == Pending {
		return "Pending"
	}
	return "Ready"
}

// Body is a task's continuation: an explicit state machine whose fields are the
// locals that survive a suspension point. Resume runs it to its next
// suspension point, which is always a Context.Delay call returned as Pending.
type Body interface {
	Resume(cx *Context) Poll
}

// BodyFunc adapts a function holding its state in a closure.
type BodyFunc func(cx *Context) Poll

func (f BodyFunc) Resume(cx *Context) Poll { return f(cx) }

// Validator is implemented by bodies that can check themselves for design
// errors, such as a loop without a suspension point, before the app starts.
type Validator interface {
	Validate() error
}

// Resetter is implemented by bodies that must rewind to their first step when
// spawned again after finishing.
type Resetter interface {
	Reset()
}

// Task is one declared task: a fixed (id, priority) pair and its body.
type Task struct {
	ID       TaskID
	Name     string
	Priority Priority // immutable once the app is built
	Body     Body
}

// NewTask declares a task. An empty name defaults to "task<id>".
func NewTask(id TaskID, name string, priority Priority, body Body) *Task {
	if name == "" {
		name = fmt.Sprintf("task%d", id)
	}
	return &Task{
		ID:       id,
		Name:     name,
		Priority: priority,
		Body:     body,
	}
}

// State is a task's lifecycle state.
type State uint8

const (
	Idle State = iota
	Queued
	Running
	AwaitingTimer
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Queued:
		return "Queued"
	case Running:
		return "Running"
	case AwaitingTimer:
		return "AwaitingTimer"
	case Done:
		return "Done"
	default:
		return "Unknown"
	}
}

// Active reports whether a task in this state may not be spawned.
func (s State) Active() bool {
	return s == Queued || s == Running || s == AwaitingTimer
}
