// Package statuscmder provides the status command for showing whether an
// agentdbg server is running and what it is doing.
package statuscmder

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/agentdbg/pkg/apiclient"
	"github.com/papercomputeco/agentdbg/pkg/cliui"
	"github.com/papercomputeco/agentdbg/pkg/config"
	"github.com/papercomputeco/agentdbg/pkg/protocol"
)

const statusLongDesc string = `Show the state of the agentdbg server.

Finds the server through --api-target, the state file written by
"agentdbg serve" in the .agentdbg/ directory, or client.api_target from the
config, and prints its version, uptime, connections and sessions by state.

Examples:
  agentdbg status
  agentdbg status --api-target http://debug-box:8765`

const statusShortDesc string = "Show agentdbg server status"

type statusCommander struct {
	apiTarget string
	configDir string
}

func NewStatusCmd() *cobra.Command {
	cmder := &statusCommander{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: statusShortDesc,
		Long:  statusLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmder.configDir, _ = cmd.Flags().GetString("config-dir")
			if !cmd.Flags().Changed(config.Flags[config.FlagAPITarget].Name) {
				cmder.apiTarget = ""
			}
			return cmder.run(cmd.Context(), cmd.OutOrStdout())
		},
	}

	config.AddStringFlag(cmd, config.Flags, config.FlagAPITarget, &cmder.apiTarget)

	return cmd
}

func (c *statusCommander) run(ctx context.Context, out io.Writer) error {
	client, err := apiclient.Resolve(c.configDir, c.apiTarget)
	if err != nil {
		return err
	}

	if !client.Ping(ctx) {
		fmt.Fprintf(out, "  %s agentdbg is not running at %s\n",
			cliui.DimStyle.Render("●"),
			cliui.IDStyle.Render(client.Target()),
		)
		return nil
	}

	st, err := client.Status(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "\n  %s agentdbg is running at %s\n\n", cliui.SuccessMark, cliui.IDStyle.Render(client.Target()))
	cliui.KeyValue(out, "Version", st.Version)
	if st.Status == nil {
		return nil
	}

	s := st.Status
	cliui.KeyValue(out, "Uptime", cliui.FormatDuration(time.Duration(s.UptimeMs)*time.Millisecond))
	cliui.KeyValue(out, "Connections", s.Connections)
	cliui.KeyValue(out, "Executions", s.ActiveExecutions)
	cliui.KeyValue(out, "Agents", s.Agents)
	cliui.KeyValue(out, "Tools", s.Tools)
	cliui.KeyValue(out, "Recordings", s.Recordings)
	cliui.KeyValue(out, "Breakpoints", s.GlobalBreakpoints)
	fmt.Fprintln(out)

	if s.Sessions == 0 {
		fmt.Fprintf(out, "  %s\n\n", cliui.DimStyle.Render("No sessions."))
		return nil
	}

	states := make([]protocol.SessionState, 0, len(s.SessionsByState))
	for state := range s.SessionsByState {
		states = append(states, state)
	}
	slices.Sort(states)

	rows := make([][]string, 0, len(states))
	for _, state := range states {
		rows = append(rows, []string{string(state), strconv.Itoa(s.SessionsByState[state])})
	}
	return cliui.Table(out, []string{"state", "sessions"}, rows)
}
