package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/docket/pkg/model"
)

func newAgentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List remote agent connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(cmd.Context(), "/api/v1/agents")
			if err != nil {
				return fmt.Errorf("list agents: %w", err)
			}
			conns, err := decodeData[[]model.AgentConn](resp)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(conns) == 0 {
				fmt.Fprintln(out, "No agents connected.")
				return nil
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "CONN\tGROUP\tHOST\tSTATE\tPROCS\tLAST SEEN")
			for _, c := range conns {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					c.ConnID, c.GroupID, c.Hostname, c.State, c.Procs, humanize.Time(c.LastSeen))
			}
			return tw.Flush()
		},
	}
}
