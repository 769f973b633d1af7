// Package agentdbgcmder
package agentdbgcmder

import (
	"github.com/spf13/cobra"

	configcmder "github.com/papercomputeco/agentdbg/cmd/agentdbg/config"
	eventscmder "github.com/papercomputeco/agentdbg/cmd/agentdbg/events"
	logscmder "github.com/papercomputeco/agentdbg/cmd/agentdbg/logs"
	recordingscmder "github.com/papercomputeco/agentdbg/cmd/agentdbg/recordings"
	servecmder "github.com/papercomputeco/agentdbg/cmd/agentdbg/serve"
	statuscmder "github.com/papercomputeco/agentdbg/cmd/agentdbg/status"
	stopcmder "github.com/papercomputeco/agentdbg/cmd/agentdbg/stop"
	versioncmder "github.com/papercomputeco/agentdbg/cmd/version"
)

const agentdbgLongDesc string = `agentdbg is a debugger and flight recorder for agents.

Agents run inside debug sessions that can be paused, stepped, inspected and
stopped. Every run is recorded and can be exported, imported and replayed.

Run the server and work with it using:
  agentdbg serve         Run the debug server (WebSocket, HTTP and MCP)
  agentdbg status        Show whether a server is running
  agentdbg stop          Stop a running server
  agentdbg logs          Print the server log
  agentdbg events        Stream live session events
  agentdbg recordings    List, show, export and replay recordings
  agentdbg config        Manage persistent configuration`

const agentdbgShortDesc string = "agentdbg - Agent Debugger"

func NewAgentdbgCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "agentdbg",
		Short:         agentdbgShortDesc,
		Long:          agentdbgLongDesc,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	// Global flags
	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().String("config-dir", "", "Override path to .agentdbg/ config directory")

	// Add subcommands
	cmd.AddCommand(servecmder.NewServeCmd())
	cmd.AddCommand(statuscmder.NewStatusCmd())
	cmd.AddCommand(stopcmder.NewStopCmd())
	cmd.AddCommand(logscmder.NewLogsCmd())
	cmd.AddCommand(eventscmder.NewEventsCmd())
	cmd.AddCommand(recordingscmder.NewRecordingsCmd())
	cmd.AddCommand(configcmder.NewConfigCmd())
	cmd.AddCommand(versioncmder.NewVersionCmd())

	return cmd
}
