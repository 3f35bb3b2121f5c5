// internal/sched/schedulerEvent.go

package sched

// StatusKind represents the type of scheduler event
type StatusKind int

const (
	StatusInit StatusKind = iota
	StatusSpawn
	StatusDispatch
	StatusSuspend
	StatusWake
	StatusLate
	StatusFinish
	StatusCancel
	StatusIdle
	StatusExit
)

// StatusEvent is emitted on every scheduling action
type StatusEvent struct {
	Tick     Instant
	Kind     StatusKind
	TaskID   TaskID
	Name     string
	Priority Priority
	Deadline Instant // Suspend, Wake, Late, Cancel
	Code     int     // Exit
}

func (sk StatusKind) String() string {
	switch sk {
	case StatusInit:
		return "Init"
	case StatusSpawn:
		return "Spawn"
	case StatusDispatch:
		return "Dispatch"
	case StatusSuspend:
		return "Suspend"
	case StatusWake:
		return "Wake"
	case StatusLate:
		return "Late"
	case StatusFinish:
		return "Finish"
	case StatusCancel:
		return "Cancel"
	case StatusIdle:
		return "Idle"
	case StatusExit:
		return "Exit"
	default:
		return "Unknown"
	}
}

// hasTask reports whether the event is about a specific task.
func (sk StatusKind) hasTask() bool {
	switch sk {
	case StatusInit, StatusIdle, StatusExit:
		return false
	default:
		return true
	}
}
