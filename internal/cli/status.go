package cli

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/tskmgr/pkg/model"
)

// runStatus mirrors the run detail response.
type runStatus struct {
	model.Run
	Tasks model.TaskSummary `json:"tasks"`
}

func newStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status <run_id>",
		Short: "Show the status of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(cmd.Context(), "/api/v1/runs/"+url.PathEscape(args[0]))
			if err != nil {
				return fmt.Errorf("get run: %w", err)
			}
			var rs runStatus
			if err := resp.decode(&rs); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rs)
			}

			fmt.Fprintf(out, "Run: %s\n", rs.ID)
			if rs.Name != "" {
				fmt.Fprintf(out, "  Name:       %s\n", rs.Name)
			}
			if rs.ChangeSetID != "" {
				fmt.Fprintf(out, "  Change set: %s\n", rs.ChangeSetID)
			}
			fmt.Fprintf(out, "  Status:     %s\n", rs.Status)

			ts := rs.Tasks
			fmt.Fprintf(out, "  Tasks:      %s total", humanize.Comma(int64(ts.Total)))
			for _, c := range []struct {
				n     int
				label string
			}{
				{ts.Pending, "pending"},
				{ts.Started, "started"},
				{ts.Completed, "completed"},
				{ts.Failed, "failed"},
				{ts.Cached, "cached"},
			} {
				if c.n > 0 {
					fmt.Fprintf(out, ", %s %s", humanize.Comma(int64(c.n)), c.label)
				}
			}
			fmt.Fprintln(out)

			fmt.Fprintf(out, "  Created:    %s\n", formatAge(rs.CreatedAt))
			if rs.EndedAt != nil {
				fmt.Fprintf(out, "  Ended:      %s (took %s)\n", formatAge(*rs.EndedAt),
					formatSeconds(rs.EndedAt.Sub(rs.CreatedAt).Seconds()))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the run as JSON")
	return cmd
}
