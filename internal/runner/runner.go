// Package runner implements a polling task runner: it claims tasks of one
// run from the server, executes them and reports the outcome, until the
// server says no more work will come.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/me/tskmgr/pkg/model"
)

// Config holds runner configuration.
type Config struct {
	ServerURL string
	RunID     string
	RunnerID  string // defaults to the hostname
	Host      string // defaults to the hostname
	Parallel  int    // concurrent task slots, default 1
	Poll      time.Duration
	MaxPoll   time.Duration
	WorkDir   string
	// CachePattern marks a task cached when it matches the command output.
	CachePattern string
}

// Runner executes the tasks of a run.
type Runner struct {
	client   *Client
	executor Executor
	config   Config
	logger   *slog.Logger
}

// New creates a Runner that executes tasks as local processes.
func New(cfg Config, logger *slog.Logger) (*Runner, error) {
	ce := &CommandExecutor{WorkDir: cfg.WorkDir}
	if cfg.CachePattern != "" {
		re, err := regexp.Compile(cfg.CachePattern)
		if err != nil {
			return nil, fmt.Errorf("cache pattern: %w", err)
		}
		ce.CachePattern = re
	}
	return NewWithExecutor(cfg, ce, logger)
}

// NewWithExecutor creates a Runner with a custom executor.
func NewWithExecutor(cfg Config, ex Executor, logger *slog.Logger) (*Runner, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("server url is required")
	}
	if cfg.RunID == "" {
		return nil, errors.New("run id is required")
	}
	if cfg.RunnerID == "" || cfg.Host == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("hostname: %w", err)
		}
		if cfg.RunnerID == "" {
			cfg.RunnerID = host
		}
		if cfg.Host == "" {
			cfg.Host = host
		}
	}
	if cfg.Parallel < 1 {
		cfg.Parallel = 1
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 2 * time.Second
	}
	if cfg.MaxPoll < cfg.Poll {
		cfg.MaxPoll = 30 * time.Second
		if cfg.MaxPoll < cfg.Poll {
			cfg.MaxPoll = cfg.Poll
		}
	}

	return &Runner{
		client:   NewClient(cfg.ServerURL),
		executor: ex,
		config:   cfg,
		logger:   logger.With("component", "runner", "run_id", cfg.RunID, "runner_id", cfg.RunnerID),
	}, nil
}

// SetOutput copies command output to w when the runner uses the default
// executor.
func (r *Runner) SetOutput(w io.Writer) {
	if ce, ok := r.executor.(*CommandExecutor); ok {
		ce.Output = w
	}
}

// Stats counts what a runner did.
type Stats struct {
	Completed int
	Failed    int
	// Interrupted counts tasks whose execution was cut short by shutdown.
	// They are not reported and stay STARTED on the server.
	Interrupted int
}

// Run polls until the server stops issuing work for the run or ctx is
// cancelled. Each slot claims and executes tasks independently.
func (r *Runner) Run(ctx context.Context) (Stats, error) {
	r.logger.Info("runner started", "parallel", r.config.Parallel, "server", r.config.ServerURL)

	stats := make([]Stats, r.config.Parallel)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.config.Parallel; i++ {
		slot := i
		g.Go(func() error {
			return r.slotLoop(gctx, slot, &stats[slot])
		})
	}
	err := g.Wait()

	var total Stats
	for _, s := range stats {
		total.Completed += s.Completed
		total.Failed += s.Failed
		total.Interrupted += s.Interrupted
	}
	r.logger.Info("runner finished",
		"completed", total.Completed, "failed", total.Failed, "interrupted", total.Interrupted)
	if ctx.Err() != nil {
		return total, nil
	}
	return total, err
}

func (r *Runner) slotLoop(ctx context.Context, slot int, stats *Stats) error {
	logger := r.logger.With("slot", slot)
	wait := r.config.Poll

	for {
		res, err := r.client.Claim(ctx, r.config.RunID, r.config.RunnerID, r.config.Host)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			var se *StatusError
			if errors.As(err, &se) && se.StatusCode < http.StatusInternalServerError {
				// The run is gone or the request is invalid; retrying will not help.
				return err
			}
			logger.Warn("claim failed, retrying", "error", err, "wait", wait)
		case res.Task != nil:
			r.runTask(ctx, logger, res.Task, stats)
			wait = r.config.Poll
			continue
		case !res.Continue:
			logger.Debug("no more work")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if wait > r.config.MaxPoll {
			wait = r.config.MaxPoll
		}
	}
}

func (r *Runner) runTask(ctx context.Context, logger *slog.Logger, task *model.Task, stats *Stats) {
	logger = logger.With("task_id", task.ID)
	logger.Info("task received", "name", task.Name, "command", task.Command, "avg_duration", task.AvgDuration)

	start := time.Now()
	result, err := r.executor.Execute(ctx, task)
	elapsed := time.Since(start).Round(time.Millisecond)

	failed := err != nil || !result.Succeeded()
	if failed && ctx.Err() != nil {
		// The process was killed by shutdown, not by its own fault. A failure
		// report would abort the whole run.
		stats.Interrupted++
		logger.Warn("task interrupted, leaving it started", "error", err, "elapsed", elapsed)
		return
	}

	// Reports use a fresh context so a cancelled runner still settles a
	// task that finished.
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if failed {
		stats.Failed++
		logger.Warn("task failed", "exit_code", result.ExitCode, "error", err, "elapsed", elapsed)
		if _, rerr := r.client.Fail(reportCtx, task.ID); rerr != nil {
			logger.Error("report failure", "error", rerr)
		}
		return
	}

	stats.Completed++
	logger.Info("task completed", "cached", result.Cached, "elapsed", elapsed)
	if _, rerr := r.client.Complete(reportCtx, task.ID, result.Cached); rerr != nil {
		logger.Error("report completion", "error", rerr)
	}
}
