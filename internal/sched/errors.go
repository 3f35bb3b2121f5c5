package sched

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyActive is returned when spawning a task that is Queued, Running or AwaitingTimer.
	ErrAlreadyActive = errors.New("task already active")
	// ErrUnknownTask is returned for a TaskID the app never declared.
	ErrUnknownTask = errors.New("unknown task")
	// ErrNotSuspended is returned when cancelling a task that is not awaiting its timer.
	ErrNotSuspended = errors.New("task not awaiting timer")
	// ErrNotAccessor is returned when a task locks a resource it was not declared to use.
	ErrNotAccessor = errors.New("task not declared as resource accessor")
	// ErrTimeLimit is returned by Run when the configured tick budget runs out.
	ErrTimeLimit = errors.New("time limit reached")
	// ErrAlreadyRan is returned by a second call to Run.
	ErrAlreadyRan = errors.New("app already ran")

	// ErrCapacity means a static queue was sized too small. It is a build defect.
	ErrCapacity = errors.New("static capacity exceeded")
	// ErrNoSuspension means a body returned Pending without registering a delay,
	// or declared a loop with no suspension point in it.
	ErrNoSuspension = errors.New("task has no suspension point")
	// ErrDoubleDelay means a body registered more than one delay in a run segment.
	ErrDoubleDelay = errors.New("task delayed twice in one run segment")
	// ErrStrayDeadline means a body registered a delay then returned Ready.
	ErrStrayDeadline = errors.New("task finished with a pending delay")
	// ErrHeldResource means a body tried to suspend while holding a shared resource.
	ErrHeldResource = errors.New("task suspended inside a resource lock")
	// ErrTooFewDispatchers means there are more distinct task priorities than dispatcher lines.
	ErrTooFewDispatchers = errors.New("not enough dispatcher interrupt lines")
	// ErrConfig covers the remaining declaration defects.
	ErrConfig = errors.New("invalid app declaration")
)

// SpawnError reports a failed spawn of a named task.
type SpawnError struct {
	Task  TaskID
	Name  string
	State State
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s (%d): %v (state %s)", e.Name, e.Task, e.Err, e.State)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitError is returned by Run when a task or init exits with a non-zero code.
type ExitError struct {
	Code int
	By   string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d (from %s)", e.Code, e.By)
}

// DesignError is the panic value for defects in a task body detected while
// running, such as a body returning Pending without a delay. These are bugs
// in the declared app, not conditions a caller can recover from.
type DesignError struct {
	Task TaskID
	Name string
	Err  error
}

func (e *DesignError) Error() string {
	return fmt.Sprintf("task %s (%d): %v", e.Name, e.Task, e.Err)
}

func (e *DesignError) Unwrap() error { return e.Err }
