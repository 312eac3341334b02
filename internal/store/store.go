package store

import (
	"context"
	"time"

	"github.com/me/tskmgr/pkg/model"
)

// RunStore persists runs.
type RunStore interface {
	CreateRun(ctx context.Context, run *model.Run) error
	// GetRun returns nil, nil when the run does not exist.
	GetRun(ctx context.Context, id string) (*model.Run, error)
	// LockRun reads a run and, where the backend supports it, holds a row
	// lock on it until the surrounding transaction ends.
	LockRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error)
	UpdateRun(ctx context.Context, run *model.Run) error
}

// TaskStore persists tasks and provides the atomic claim primitive.
type TaskStore interface {
	// InsertTasks inserts all tasks or none, assigning each a creation
	// sequence within its run.
	InsertTasks(ctx context.Context, tasks []*model.Task) error
	// GetTask returns nil, nil when the task does not exist.
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasksByRun(ctx context.Context, runID string) ([]*model.Task, error)

	// ClaimTask picks the highest-priority PENDING task matching req and
	// moves it to STARTED in a single statement. Concurrent callers never
	// receive the same task; a caller that loses a race gets nil, nil.
	ClaimTask(ctx context.Context, req ClaimRequest) (*model.Task, error)

	// FinishTask moves a STARTED task to a terminal status. It reports
	// false when the task was not STARTED at the time of the update.
	FinishTask(ctx context.Context, req FinishRequest) (bool, error)

	// FindCompleted returns COMPLETED tasks matching q, most recently
	// ended first.
	FindCompleted(ctx context.Context, q CompletedQuery) ([]*model.Task, error)

	// CountUnfinished counts the tasks of a run that are not terminal.
	CountUnfinished(ctx context.Context, runID string) (int, error)
}

// Querier is the set of operations available both on a Store and inside
// one of its transactions.
type Querier interface {
	RunStore
	TaskStore
}

// Store defines the persistence layer for runs and tasks.
type Store interface {
	Querier

	// InTx runs fn in a transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(q Querier) error) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// ClaimPredicate selects which pending tasks a claim may take.
type ClaimPredicate int

const (
	// ClaimAffine matches tasks hinted to the requesting runner or not
	// hinted at all.
	ClaimAffine ClaimPredicate = iota
	// ClaimForeign matches tasks hinted to some other runner.
	ClaimForeign
)

func (p ClaimPredicate) String() string {
	switch p {
	case ClaimAffine:
		return "affine"
	case ClaimForeign:
		return "foreign"
	}
	return "unknown"
}

// ClaimRequest describes one claim attempt.
type ClaimRequest struct {
	RunID      string
	RunnerID   string
	RunnerHost string
	Predicate  ClaimPredicate
	Now        time.Time
}

// FinishRequest describes the terminal transition of a started task.
type FinishRequest struct {
	TaskID   string
	Status   model.TaskStatus
	EndedAt  time.Time
	Duration float64
	Cached   bool
}

// CompletedQuery filters historical completed tasks.
type CompletedQuery struct {
	SignatureKey  string
	ChangeSetID   string // optional
	ExcludeCached bool
	RequireRunner bool
	Limit         int
}
