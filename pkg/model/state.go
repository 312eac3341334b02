package model

// TaskStatus represents the lifecycle state of a Task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusStarted   TaskStatus = "STARTED"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
)

// String returns the string representation of the task status.
func (s TaskStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the task is in a final state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

// ValidTaskTransitions defines the allowed state transitions for Tasks.
var ValidTaskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusStarted},
	TaskStatusStarted: {TaskStatusCompleted, TaskStatusFailed},
}

// CanTransitionTo returns true if moving from the current status to next is valid.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, allowed := range ValidTaskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RunStatus represents the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusCreated   RunStatus = "CREATED"
	RunStatusStarted   RunStatus = "STARTED"
	RunStatusClosed    RunStatus = "CLOSED"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusAborted   RunStatus = "ABORTED"
)

// String returns the string representation of the run status.
func (s RunStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the run is in a final state.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusAborted:
		return true
	}
	return false
}

// AcceptsTasks reports whether a run in this status may receive new tasks.
func (s RunStatus) AcceptsTasks() bool {
	return s == RunStatusCreated || s == RunStatusStarted
}

// ValidRunTransitions defines the allowed state transitions for Runs.
// Any non-terminal run may be aborted.
var ValidRunTransitions = map[RunStatus][]RunStatus{
	RunStatusCreated: {RunStatusStarted, RunStatusClosed, RunStatusAborted},
	RunStatusStarted: {RunStatusClosed, RunStatusAborted},
	RunStatusClosed:  {RunStatusCompleted, RunStatusAborted},
}

// CanTransitionTo returns true if moving from the current status to next is valid.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	for _, allowed := range ValidRunTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
