// Package dispatch creates tasks and hands them out to polling runners.
//
// Tasks are annotated at creation with an expected duration and an
// affinity hint. Runners then claim work in two phases: first tasks hinted
// to them or not hinted at all, then tasks hinted to other runners. Within
// a phase the longest expected task goes first.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/me/tskmgr/internal/events"
	"github.com/me/tskmgr/internal/lifecycle"
	"github.com/me/tskmgr/internal/store"
	"github.com/me/tskmgr/pkg/model"
)

// Config holds engine settings.
type Config struct {
	// SampleSize bounds the completions each duration estimate averages.
	SampleSize int
	// Clock returns the current time; nil means time.Now.
	Clock func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{SampleSize: DefaultSampleSize}
}

// Engine implements task creation, the claim protocol and outcome reports.
type Engine struct {
	store     store.Store
	estimator *Estimator
	resolver  AffinityResolver
	lifecycle *lifecycle.Controller
	events    *events.Bus
	clock     func() time.Time
	logger    *slog.Logger
}

// NewEngine creates an Engine. A nil bus gets a private one.
func NewEngine(st store.Store, bus *events.Bus, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if bus == nil {
		bus = events.NewBus(logger)
	}
	return &Engine{
		store:     st,
		estimator: NewEstimator(cfg.SampleSize),
		lifecycle: lifecycle.New(cfg.Clock, logger),
		events:    bus,
		clock:     cfg.Clock,
		logger:    logger.With("component", "dispatch"),
	}
}

// Events returns the bus the engine publishes to.
func (e *Engine) Events() *events.Bus {
	return e.events
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

// --- Runs ---

// CreateRun creates a run in the CREATED state.
func (e *Engine) CreateRun(ctx context.Context, name, changeSetID string) (*model.Run, error) {
	now := e.now()
	run := &model.Run{
		ID:          "run_" + uuid.NewString(),
		Name:        strings.TrimSpace(name),
		ChangeSetID: strings.TrimSpace(changeSetID),
		Status:      model.RunStatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	e.logger.Info("run created", "run_id", run.ID, "change_set_id", run.ChangeSetID)
	e.publishRun(run)
	return run, nil
}

// GetRun returns a run or ErrRunNotFound.
func (e *Engine) GetRun(ctx context.Context, id string) (*model.Run, error) {
	run, err := e.store.GetRun(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	if run == nil {
		return nil, fmt.Errorf("run %s: %w", id, model.ErrRunNotFound)
	}
	return run, nil
}

// ListRuns returns a page of runs, newest first, and the total count.
func (e *Engine) ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error) {
	return e.store.ListRuns(ctx, opts)
}

// CloseRun stops a run from accepting tasks.
func (e *Engine) CloseRun(ctx context.Context, id string) (*model.Run, error) {
	return e.transitionRun(ctx, id, e.lifecycle.Close)
}

// AbortRun ends a run immediately. Pending tasks are never handed out.
func (e *Engine) AbortRun(ctx context.Context, id string) (*model.Run, error) {
	return e.transitionRun(ctx, id, e.lifecycle.Abort)
}

type runTransition func(ctx context.Context, q store.Querier, runID string) (*model.Run, bool, error)

func (e *Engine) transitionRun(ctx context.Context, id string, fn runTransition) (*model.Run, error) {
	var (
		run     *model.Run
		changed bool
	)
	err := e.store.InTx(ctx, func(q store.Querier) error {
		var err error
		run, changed, err = fn(ctx, q, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if changed {
		e.publishRun(run)
	}
	return run, nil
}

// --- Tasks ---

// GetTask returns a task or ErrTaskNotFound.
func (e *Engine) GetTask(ctx context.Context, id string) (*model.Task, error) {
	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	if task == nil {
		return nil, fmt.Errorf("task %s: %w", id, model.ErrTaskNotFound)
	}
	return task, nil
}

// ListTasks returns the tasks of a run in creation order.
func (e *Engine) ListTasks(ctx context.Context, runID string) ([]*model.Task, error) {
	if _, err := e.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	tasks, err := e.store.ListTasksByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list tasks of run %s: %w", runID, err)
	}
	return tasks, nil
}

// CreateBatch adds tasks to a run that still accepts them. Each task gets a
// duration estimate and an affinity hint. All tasks are created or none
// are, and a CREATED run becomes STARTED, even for an empty batch.
func (e *Engine) CreateBatch(ctx context.Context, runID string, specs []model.TaskSpec) ([]*model.Task, error) {
	normalized := make([]model.TaskSpec, len(specs))
	var details []model.FieldError
	for i, spec := range specs {
		spec.Normalize()
		for _, fe := range spec.Validate() {
			fe.Field = fmt.Sprintf("tasks[%d].%s", i, fe.Field)
			details = append(details, fe)
		}
		normalized[i] = spec
	}
	if len(details) > 0 {
		return nil, model.NewValidationError("invalid task batch", details...)
	}

	var (
		tasks      []*model.Task
		run        *model.Run
		runChanged bool
	)
	err := e.store.InTx(ctx, func(q store.Querier) error {
		tasks, run, runChanged = nil, nil, false

		r, err := q.LockRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("get run %s: %w", runID, err)
		}
		if r == nil {
			return fmt.Errorf("run %s: %w", runID, model.ErrRunNotFound)
		}
		if !model.RunAcceptsTasks(r) {
			return fmt.Errorf("run %s is %s: %w", runID, r.Status, model.ErrRunNotAcceptingTasks)
		}

		now := e.now()
		hints := make(map[string]taskHints)
		for _, spec := range normalized {
			sig := spec.Signature()
			h, err := e.hintsFor(ctx, q, hints, r.ChangeSetID, sig)
			if err != nil {
				return err
			}
			tasks = append(tasks, &model.Task{
				ID:          "task_" + uuid.NewString(),
				RunID:       r.ID,
				ChangeSetID: r.ChangeSetID,
				Name:        spec.Name,
				Type:        spec.Type,
				Command:     spec.Command,
				Arguments:   spec.Arguments,
				Options:     spec.Options,
				Status:      model.TaskStatusPending,
				AvgDuration: h.avgDuration,
				RunnerID:    h.runnerID,
				CreatedAt:   now,
			})
		}
		if err := q.InsertTasks(ctx, tasks); err != nil {
			return fmt.Errorf("insert tasks: %w", err)
		}

		if r.Status == model.RunStatusCreated {
			r.Status = model.RunStatusStarted
			r.UpdatedAt = now
			if err := q.UpdateRun(ctx, r); err != nil {
				return fmt.Errorf("start run %s: %w", r.ID, err)
			}
			runChanged = true
		}
		run = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("tasks created", "run_id", runID, "count", len(tasks))
	for _, t := range tasks {
		e.publishTask(events.TaskCreated, t)
	}
	if runChanged {
		e.publishRun(run)
	}
	return tasks, nil
}

type taskHints struct {
	avgDuration *float64
	runnerID    string
}

// hintsFor computes the estimate and affinity for sig once per batch.
func (e *Engine) hintsFor(ctx context.Context, q store.Querier, cache map[string]taskHints, changeSetID string, sig model.Signature) (taskHints, error) {
	key, err := sig.Key()
	if err != nil {
		return taskHints{}, err
	}
	if h, ok := cache[key]; ok {
		return h, nil
	}
	avg, err := e.estimator.Estimate(ctx, q, sig)
	if err != nil {
		return taskHints{}, err
	}
	runnerID, err := e.resolver.Resolve(ctx, q, changeSetID, sig)
	if err != nil {
		return taskHints{}, err
	}
	h := taskHints{avgDuration: avg, runnerID: runnerID}
	cache[key] = h
	return h, nil
}

// Claim hands the next task of a run to a runner. The run is read fresh on
// every call. Once the run has ended the result is {continue: false} even if
// tasks are still pending. When nothing is claimable, continue stays true
// while the run may still receive tasks.
func (e *Engine) Claim(ctx context.Context, runID, runnerID, runnerHost string) (*model.ClaimResult, error) {
	runnerID = strings.TrimSpace(runnerID)
	if runnerID == "" {
		return nil, model.NewValidationError("runner_id is required",
			model.FieldError{Field: "runner_id", Message: "must not be empty"})
	}

	run, err := e.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if model.RunEnded(run) {
		return &model.ClaimResult{Continue: false}, nil
	}

	for _, p := range []store.ClaimPredicate{store.ClaimAffine, store.ClaimForeign} {
		task, err := e.store.ClaimTask(ctx, store.ClaimRequest{
			RunID:      runID,
			RunnerID:   runnerID,
			RunnerHost: runnerHost,
			Predicate:  p,
			Now:        e.now(),
		})
		if err != nil {
			return nil, fmt.Errorf("claim task in run %s: %w", runID, err)
		}
		if task != nil {
			e.logger.Info("task claimed", "task_id", task.ID, "run_id", runID,
				"runner_id", runnerID, "phase", p, "avg_duration", task.AvgDuration)
			e.publishTask(events.TaskClaimed, task)
			return &model.ClaimResult{Continue: true, Task: task}, nil
		}
	}
	return &model.ClaimResult{Continue: run.Status != model.RunStatusClosed}, nil
}

// ReportCompletion marks a started task COMPLETED and lets the run complete
// if it was the last one.
func (e *Engine) ReportCompletion(ctx context.Context, taskID string, cached bool) (*model.Task, error) {
	return e.finish(ctx, taskID, model.TaskStatusCompleted, cached, e.lifecycle.OnTaskCompleted)
}

// ReportFailure marks a started task FAILED and aborts its run.
func (e *Engine) ReportFailure(ctx context.Context, taskID string) (*model.Task, error) {
	return e.finish(ctx, taskID, model.TaskStatusFailed, false, e.lifecycle.OnTaskFailed)
}

func (e *Engine) finish(ctx context.Context, taskID string, status model.TaskStatus, cached bool, onRun runTransition) (*model.Task, error) {
	var (
		task       *model.Task
		run        *model.Run
		runChanged bool
	)
	err := e.store.InTx(ctx, func(q store.Querier) error {
		t, err := q.GetTask(ctx, taskID)
		if err != nil {
			return fmt.Errorf("get task %s: %w", taskID, err)
		}
		if t == nil {
			return fmt.Errorf("task %s: %w", taskID, model.ErrTaskNotFound)
		}
		if !t.IsStarted() || !t.Status.CanTransitionTo(status) {
			return invalidTaskTransition(t, status)
		}

		now := e.now()
		duration := now.Sub(*t.StartedAt).Seconds()
		if duration < 0 {
			duration = 0
		}
		ok, err := q.FinishTask(ctx, store.FinishRequest{
			TaskID:   t.ID,
			Status:   status,
			EndedAt:  now,
			Duration: duration,
			Cached:   cached,
		})
		if err != nil {
			return fmt.Errorf("finish task %s: %w", t.ID, err)
		}
		if !ok {
			// Another report won the race.
			return invalidTaskTransition(t, status)
		}
		t.Status = status
		t.EndedAt = &now
		t.Duration = &duration
		t.Cached = cached

		run, runChanged, err = onRun(ctx, q, t.RunID)
		if err != nil {
			return err
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("task finished", "task_id", task.ID, "run_id", task.RunID,
		"status", task.Status, "duration", *task.Duration, "cached", task.Cached)
	if status == model.TaskStatusCompleted {
		e.publishTask(events.TaskCompleted, task)
	} else {
		e.publishTask(events.TaskFailed, task)
	}
	if runChanged {
		e.publishRun(run)
	}
	return task, nil
}

func invalidTaskTransition(t *model.Task, to model.TaskStatus) error {
	return &model.InvalidTransitionError{
		Entity: "task",
		ID:     t.ID,
		From:   string(t.Status),
		To:     string(to),
	}
}

// --- Events ---

func (e *Engine) publishRun(run *model.Run) {
	e.events.Publish(events.Event{Type: events.RunUpdated, RunID: run.ID, Time: e.now(), Run: run})
}

func (e *Engine) publishTask(typ string, task *model.Task) {
	e.events.Publish(events.Event{Type: typ, RunID: task.RunID, Time: e.now(), Task: task})
}
