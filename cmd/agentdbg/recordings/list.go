package recordingscmder

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/agentdbg/pkg/apiclient"
	"github.com/papercomputeco/agentdbg/pkg/cliui"
)

func newListCmd(cmder *commander) *cobra.Command {
	var (
		filter apiclient.RecordingFilter
		quiet  bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recordings, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if filter.Limit < 0 {
				return fmt.Errorf("--limit must not be negative")
			}

			client, err := cmder.client(cmd)
			if err != nil {
				return err
			}
			recs, err := client.Recordings(commandContext(cmd), filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if quiet {
				for _, r := range recs {
					fmt.Fprintln(out, r.ID)
				}
				return nil
			}
			if len(recs) == 0 {
				fmt.Fprintln(out, "No recordings found.")
				return nil
			}

			rows := make([][]string, 0, len(recs))
			for _, r := range recs {
				rows = append(rows, []string{
					r.ID,
					r.AgentID,
					r.StartedAt.Local().Format(time.DateTime),
					cliui.FormatDuration(time.Duration(r.DurationMs) * time.Millisecond),
					strconv.Itoa(r.ToolCalls),
					cliui.Outcome(r.Finished, r.Success),
					strings.Join(r.Tags, ","),
				})
			}
			return cliui.Table(out, []string{"id", "agent", "started", "duration", "tool calls", "outcome", "tags"}, rows)
		},
	}

	cmd.Flags().StringVar(&filter.AgentID, "agent", "", "Only recordings of this agent")
	cmd.Flags().StringVar(&filter.Tag, "tag", "", "Only recordings with a tag containing this text")
	cmd.Flags().IntVar(&filter.Limit, "limit", 20, "Maximum number of recordings (0 for all)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Print only recording ids")

	return cmd
}
