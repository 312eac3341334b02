package cli

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/me/tskmgr/pkg/model"
)

func newCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <run_id>",
		Short: "Close a run to new tasks",
		Long:  "Close a run. No more tasks may be added; the run completes once its remaining tasks finish.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transitionRun(cmd, args[0], "close")
		},
	}
}

func newAbortCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <run_id>",
		Short: "Abort a run",
		Long:  "Abort a run. Runners stop receiving its tasks; tasks already started are left to report.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transitionRun(cmd, args[0], "abort")
		},
	}
}

func transitionRun(cmd *cobra.Command, id, action string) error {
	resp, err := client.Put(cmd.Context(), "/api/v1/runs/"+url.PathEscape(id)+"/"+action, nil)
	if err != nil {
		return fmt.Errorf("%s run: %w", action, err)
	}
	var run model.Run
	if err := resp.decode(&run); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Run %s: %s\n", run.ID, run.Status)
	return nil
}
