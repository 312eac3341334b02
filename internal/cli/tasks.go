package cli

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/me/tskmgr/pkg/model"
)

// taskFile is the document add-tasks reads. A bare list of tasks is
// accepted as well.
type taskFile struct {
	Tasks []model.TaskSpec `yaml:"tasks"`
}

// parseTaskFile reads task specs from YAML (or JSON, which YAML accepts).
func parseTaskFile(data []byte) ([]model.TaskSpec, error) {
	var list []model.TaskSpec
	if err := yaml.Unmarshal(data, &list); err == nil {
		if len(list) == 0 {
			return nil, errors.New("no tasks in file")
		}
		return list, nil
	}

	var doc taskFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse tasks: %w", err)
	}
	if len(doc.Tasks) == 0 {
		return nil, errors.New("no tasks in file")
	}
	return doc.Tasks, nil
}

func newAddTasksCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "add-tasks <run_id> [command [args...]]",
		Short: "Add tasks to a run",
		Long: `Add tasks to a run, either from a YAML/JSON file (-f, "-" for stdin)
or a single task given on the command line.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]

			var specs []model.TaskSpec
			switch {
			case file != "" && len(args) > 1:
				return errors.New("give either --file or a command, not both")
			case file != "":
				data, err := readInput(cmd.InOrStdin(), file)
				if err != nil {
					return err
				}
				if specs, err = parseTaskFile(data); err != nil {
					return err
				}
			case len(args) > 1:
				specs = []model.TaskSpec{{Command: args[1], Arguments: args[2:]}}
			default:
				return errors.New("no tasks given: use --file or pass a command")
			}

			resp, err := client.Post(cmd.Context(), "/api/v1/runs/"+url.PathEscape(runID)+"/tasks",
				map[string]any{"tasks": specs})
			if err != nil {
				return fmt.Errorf("add tasks: %w", err)
			}
			var tasks []model.Task
			if err := resp.decode(&tasks); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Added %d task(s) to run %s\n", len(tasks), runID)
			for _, t := range tasks {
				fmt.Fprintf(out, "  %s  %s\n", t.ID, formatEstimate(t.AvgDuration))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON file with tasks")
	return cmd
}

func newTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks <run_id>",
		Short: "List the tasks of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(cmd.Context(), "/api/v1/runs/"+url.PathEscape(args[0])+"/tasks")
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}
			var tasks []model.Task
			if err := resp.decode(&tasks); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(tasks) == 0 {
				fmt.Fprintln(out, "No tasks found.")
				return nil
			}

			fmt.Fprintf(out, "%-42s  %-10s  %-20s  %-12s  %s\n", "ID", "STATUS", "RUNNER", "DURATION", "COMMAND")
			for _, t := range tasks {
				runner := t.RunnerID
				if runner == "" {
					runner = "-"
				}
				dur := formatEstimate(t.AvgDuration)
				if t.Duration != nil {
					dur = formatSeconds(*t.Duration)
					if t.Cached {
						dur += " (cached)"
					}
				}
				line := strings.TrimSpace(t.Command + " " + strings.Join(t.Arguments, " "))
				fmt.Fprintf(out, "%-42s  %-10s  %-20s  %-12s  %s\n", t.ID, t.Status, runner, dur, line)
			}
			return nil
		},
	}
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// formatSeconds renders a duration in seconds at millisecond precision.
func formatSeconds(s float64) string {
	return (time.Duration(s * float64(time.Second))).Round(time.Millisecond).String()
}

// formatEstimate renders an average duration hint, or "-" when unknown.
func formatEstimate(avg *float64) string {
	if avg == nil {
		return "-"
	}
	return "~" + formatSeconds(*avg)
}

// formatAge renders t relative to now.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}
