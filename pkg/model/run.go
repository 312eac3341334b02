package model

import "time"

// Run is a batch of tasks sharing one lifecycle and one change-set context.
type Run struct {
	ID          string     `json:"id"`
	Name        string     `json:"name,omitempty"`
	ChangeSetID string     `json:"change_set_id,omitempty"`
	Status      RunStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// RunEnded reports whether run will never issue work again. Claim checks it
// on every call before touching the task set.
func RunEnded(run *Run) bool {
	return run == nil || run.EndedAt != nil || run.Status.IsTerminal()
}

// RunAcceptsTasks reports whether new tasks may be added to run.
func RunAcceptsTasks(run *Run) bool {
	return !RunEnded(run) && run.Status.AcceptsTasks()
}

// TaskSummary counts the tasks of a run by status.
type TaskSummary struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Started   int `json:"started"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cached    int `json:"cached"`
}

// Summarize builds a TaskSummary from a task list.
func Summarize(tasks []*Task) TaskSummary {
	var s TaskSummary
	for _, t := range tasks {
		s.Total++
		switch t.Status {
		case TaskStatusPending:
			s.Pending++
		case TaskStatusStarted:
			s.Started++
		case TaskStatusCompleted:
			s.Completed++
		case TaskStatusFailed:
			s.Failed++
		}
		if t.Cached {
			s.Cached++
		}
	}
	return s
}
