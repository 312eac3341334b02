// Package lifecycle owns the run state machine. Its handlers run inside the
// caller's transaction so that a task outcome and the run transition it
// causes commit together.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/tskmgr/internal/store"
	"github.com/me/tskmgr/pkg/model"
)

// Controller decides run transitions in response to task outcomes and to
// external close and abort requests.
type Controller struct {
	clock  func() time.Time
	logger *slog.Logger
}

// New creates a Controller. A nil clock defaults to time.Now.
func New(clock func() time.Time, logger *slog.Logger) *Controller {
	if clock == nil {
		clock = time.Now
	}
	return &Controller{
		clock:  clock,
		logger: logger.With("component", "lifecycle"),
	}
}

// OnTaskCompleted completes a closed run once none of its tasks remain
// unfinished. Runs that are still open are left alone: more tasks may come.
// The bool result reports whether the run was changed.
func (c *Controller) OnTaskCompleted(ctx context.Context, q store.Querier, runID string) (*model.Run, bool, error) {
	run, err := lockRun(ctx, q, runID)
	if err != nil {
		return nil, false, err
	}
	if run.Status != model.RunStatusClosed {
		return run, false, nil
	}
	return c.completeIfDone(ctx, q, run)
}

// OnTaskFailed aborts the run. A failure ends the run whatever state it was
// in; an already aborted run is left unchanged.
func (c *Controller) OnTaskFailed(ctx context.Context, q store.Querier, runID string) (*model.Run, bool, error) {
	run, err := lockRun(ctx, q, runID)
	if err != nil {
		return nil, false, err
	}
	if run.Status.IsTerminal() {
		return run, false, nil
	}
	if err := c.apply(ctx, q, run, model.RunStatusAborted); err != nil {
		return nil, false, err
	}
	c.logger.Info("run aborted", "run_id", run.ID, "reason", "task failed")
	return run, true, nil
}

// Close stops a run from accepting tasks. A run whose tasks have all
// finished, or that has none, completes immediately. Closing a closed run is
// a no-op; closing an ended run fails with ErrRunNotAcceptingTasks.
func (c *Controller) Close(ctx context.Context, q store.Querier, runID string) (*model.Run, bool, error) {
	run, err := lockRun(ctx, q, runID)
	if err != nil {
		return nil, false, err
	}
	switch {
	case run.Status == model.RunStatusClosed:
		return run, false, nil
	case !model.RunAcceptsTasks(run):
		return nil, false, transitionError(run, model.RunStatusClosed)
	}

	run.Status = model.RunStatusClosed
	unfinished, err := q.CountUnfinished(ctx, run.ID)
	if err != nil {
		return nil, false, fmt.Errorf("count unfinished tasks: %w", err)
	}
	next := model.RunStatusClosed
	if unfinished == 0 {
		next = model.RunStatusCompleted
	}
	if err := c.apply(ctx, q, run, next); err != nil {
		return nil, false, err
	}
	c.logger.Info("run closed", "run_id", run.ID, "status", run.Status, "unfinished", unfinished)
	return run, true, nil
}

// Abort ends a run on request. Aborting an aborted run is a no-op; aborting
// a completed run fails.
func (c *Controller) Abort(ctx context.Context, q store.Querier, runID string) (*model.Run, bool, error) {
	run, err := lockRun(ctx, q, runID)
	if err != nil {
		return nil, false, err
	}
	if run.Status == model.RunStatusAborted {
		return run, false, nil
	}
	if !run.Status.CanTransitionTo(model.RunStatusAborted) {
		return nil, false, transitionError(run, model.RunStatusAborted)
	}
	if err := c.apply(ctx, q, run, model.RunStatusAborted); err != nil {
		return nil, false, err
	}
	c.logger.Info("run aborted", "run_id", run.ID, "reason", "requested")
	return run, true, nil
}

func (c *Controller) completeIfDone(ctx context.Context, q store.Querier, run *model.Run) (*model.Run, bool, error) {
	unfinished, err := q.CountUnfinished(ctx, run.ID)
	if err != nil {
		return nil, false, fmt.Errorf("count unfinished tasks: %w", err)
	}
	if unfinished > 0 {
		return run, false, nil
	}
	if err := c.apply(ctx, q, run, model.RunStatusCompleted); err != nil {
		return nil, false, err
	}
	c.logger.Info("run completed", "run_id", run.ID)
	return run, true, nil
}

// apply moves run to status and persists it. Terminal states stamp EndedAt
// unless it is already set.
func (c *Controller) apply(ctx context.Context, q store.Querier, run *model.Run, status model.RunStatus) error {
	if run.Status != status && !run.Status.CanTransitionTo(status) {
		return transitionError(run, status)
	}
	now := c.clock().UTC()
	run.Status = status
	run.UpdatedAt = now
	if status.IsTerminal() && run.EndedAt == nil {
		run.EndedAt = &now
	}
	if err := q.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	return nil
}

func lockRun(ctx context.Context, q store.Querier, runID string) (*model.Run, error) {
	run, err := q.LockRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	if run == nil {
		return nil, fmt.Errorf("run %s: %w", runID, model.ErrRunNotFound)
	}
	return run, nil
}

func transitionError(run *model.Run, to model.RunStatus) error {
	return &model.InvalidTransitionError{
		Entity: "run",
		ID:     run.ID,
		From:   string(run.Status),
		To:     string(to),
	}
}
