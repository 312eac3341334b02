// Package cli implements the tskmgr command-line client.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/tskmgr/internal/logging"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking TSKMGR_SERVER first.
func defaultServer() string {
	if s := os.Getenv("TSKMGR_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the tskmgr CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tskmgr",
		Short: "tskmgr: task dispatch for polling runners",
		Long:  "tskmgr creates runs, adds tasks to them and follows their progress.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.New(logging.Options{Level: flagLogLevel, Format: flagLogFormat, Writer: cmd.ErrOrStderr()})
			client = NewClient(flagServer, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "tskmgr server URL (or TSKMGR_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newCreateCmd(),
		newAddTasksCmd(),
		newTasksCmd(),
		newStatusCmd(),
		newListCmd(),
		newCloseCmd(),
		newAbortCmd(),
	)

	return root
}
