package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/me/tskmgr/internal/logging"
	"github.com/me/tskmgr/internal/runner"
)

func main() {
	var cfg runner.Config

	flag.StringVar(&cfg.ServerURL, "server", envOr("TSKMGR_SERVER", "http://localhost:8080"), "tskmgr server URL")
	flag.StringVar(&cfg.RunID, "run", os.Getenv("TSKMGR_RUN_ID"), "Run to execute tasks for")
	flag.StringVar(&cfg.RunnerID, "id", "", "Runner id (default: hostname)")
	flag.StringVar(&cfg.Host, "host", "", "Runner host reported to the server (default: hostname)")
	flag.IntVar(&cfg.Parallel, "parallel", 1, "Number of tasks to run concurrently")
	flag.DurationVar(&cfg.Poll, "poll", 2*time.Second, "Initial wait when no task is available")
	flag.DurationVar(&cfg.MaxPoll, "max-poll", 30*time.Second, "Maximum wait between empty polls")
	flag.StringVar(&cfg.WorkDir, "workdir", "", "Working directory for commands (default: current)")
	flag.StringVar(&cfg.CachePattern, "cache-pattern", "", "Regexp on command output that marks a task cached")
	quiet := flag.Bool("quiet", false, "Do not copy command output to stdout")

	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "text", "Log format (text, json)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	if *debug {
		*logLevel = "debug"
	}
	logger := logging.New(logging.Options{Level: *logLevel, Format: *logFormat, Service: "tskmgr-runner"})

	r, err := runner.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init runner: %v\n", err)
		os.Exit(1)
	}
	if !*quiet {
		r.SetOutput(os.Stdout)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats, err := r.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "runner error: %v\n", err)
		os.Exit(1)
	}
	if stats.Failed > 0 {
		os.Exit(2)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
