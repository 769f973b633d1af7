// Package recordingscmder provides the recordings command for listing,
// inspecting, exporting, importing and replaying recordings held by a
// running agentdbg server.
package recordingscmder

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/agentdbg/pkg/apiclient"
	"github.com/papercomputeco/agentdbg/pkg/config"
)

const recordingsLongDesc string = `Work with the recordings of a running agentdbg server.

Every execution is recorded: its input, each tool call and response, logs,
checkpoints, state changes and the final outcome. Recordings can be exported
as bundles (json or cbor+zstd), imported into another server and replayed,
in which case tool calls are answered from the recorded responses.

Examples:
  agentdbg recordings list --agent tool_chain
  agentdbg recordings show 3f2a9c1e-...
  agentdbg recordings export 3f2a9c1e-... --format cbor+zstd -o run.bin
  agentdbg recordings import run.bin
  agentdbg recordings replay 3f2a9c1e-...`

const recordingsShortDesc string = "Work with recordings"

// commander holds the flags shared by the subcommands.
type commander struct {
	apiTarget string
}

func NewRecordingsCmd() *cobra.Command {
	cmder := &commander{}

	cmd := &cobra.Command{
		Use:     "recordings",
		Aliases: []string{"rec"},
		Short:   recordingsShortDesc,
		Long:    recordingsLongDesc,
	}

	def := config.Flags[config.FlagAPITarget]
	cmd.PersistentFlags().StringVarP(&cmder.apiTarget, def.Name, def.Shorthand, "", def.Description)

	cmd.AddCommand(newListCmd(cmder))
	cmd.AddCommand(newShowCmd(cmder))
	cmd.AddCommand(newExportCmd(cmder))
	cmd.AddCommand(newImportCmd(cmder))
	cmd.AddCommand(newDeleteCmd(cmder))
	cmd.AddCommand(newReplayCmd(cmder))

	return cmd
}

func (c *commander) client(cmd *cobra.Command) (*apiclient.Client, error) {
	configDir, _ := cmd.Flags().GetString("config-dir")
	return apiclient.Resolve(configDir, c.apiTarget)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
