package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/tskmgr/pkg/model"
)

func newCreateCmd() *cobra.Command {
	var name, changeSet string
	var quiet bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Post(cmd.Context(), "/api/v1/runs", map[string]string{
				"name":          name,
				"change_set_id": changeSet,
			})
			if err != nil {
				return fmt.Errorf("create run: %w", err)
			}
			var run model.Run
			if err := resp.decode(&run); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if quiet {
				fmt.Fprintln(out, run.ID)
				return nil
			}
			fmt.Fprintf(out, "Run created: %s\n", run.ID)
			if run.ChangeSetID != "" {
				fmt.Fprintf(out, "  Change set: %s\n", run.ChangeSetID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Run name")
	cmd.Flags().StringVar(&changeSet, "change-set", "", "Change set id used for runner affinity")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Print only the run id")
	return cmd
}
