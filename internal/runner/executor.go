package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"sort"
	"strings"

	"github.com/me/tskmgr/pkg/model"
)

// TaskTypeShell runs the task command line through sh -c.
const TaskTypeShell = "shell"

// Executor runs a claimed task.
type Executor interface {
	Execute(ctx context.Context, task *model.Task) (Result, error)
}

// Result captures the outcome of an execution.
type Result struct {
	ExitCode int
	Output   string // combined stdout and stderr
	Cached   bool
}

// Succeeded reports whether the command exited with status 0.
func (r Result) Succeeded() bool {
	return r.ExitCode == 0
}

// CommandExecutor runs tasks as local processes.
type CommandExecutor struct {
	// WorkDir is the working directory of every command.
	WorkDir string
	// CachePattern, when set, marks a result cached if it matches the
	// command output.
	CachePattern *regexp.Regexp
	// Output receives a copy of the command output; may be nil.
	Output io.Writer
}

// Execute runs the task and returns its exit code and output. A non-zero
// exit is not an error; an error means the process could not be run.
func (e *CommandExecutor) Execute(ctx context.Context, task *model.Task) (Result, error) {
	argv := CommandLine(task)
	if len(argv) == 0 || argv[0] == "" {
		return Result{}, fmt.Errorf("task %s: empty command", task.ID)
	}

	var cmd *exec.Cmd
	if task.Type == TaskTypeShell {
		cmd = exec.CommandContext(ctx, "sh", "-c", strings.Join(argv, " "))
	} else {
		cmd = exec.CommandContext(ctx, argv[0], argv[1:]...)
	}
	cmd.Dir = e.WorkDir

	var buf bytes.Buffer
	var out io.Writer = &buf
	if e.Output != nil {
		out = io.MultiWriter(&buf, e.Output)
	}
	cmd.Stdout = out
	cmd.Stderr = out

	runErr := cmd.Run()
	result := Result{Output: buf.String()}

	switch err := runErr.(type) {
	case nil:
		result.ExitCode = 0
	case *exec.ExitError:
		result.ExitCode = err.ExitCode()
	default:
		return result, fmt.Errorf("run %s: %w", argv[0], runErr)
	}

	if result.Succeeded() && e.CachePattern != nil && e.CachePattern.MatchString(result.Output) {
		result.Cached = true
	}
	return result, nil
}

// CommandLine renders a task as argv: the command, its arguments, then its
// options as --key=value flags in key order. A true option renders as a
// bare --key flag and a list repeats the flag once per element.
func CommandLine(task *model.Task) []string {
	argv := append([]string{task.Command}, task.Arguments...)

	keys := make([]string, 0, len(task.Options))
	for k := range task.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch v := task.Options[k].(type) {
		case nil:
			continue
		case bool:
			if v {
				argv = append(argv, "--"+k)
			} else {
				argv = append(argv, "--"+k+"=false")
			}
		case []any:
			for _, item := range v {
				argv = append(argv, fmt.Sprintf("--%s=%v", k, item))
			}
		default:
			argv = append(argv, fmt.Sprintf("--%s=%v", k, v))
		}
	}
	return argv
}
