package recordingscmder

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/agentdbg/pkg/cliui"
	"github.com/papercomputeco/agentdbg/pkg/recording"
)

func newExportCmd(cmder *commander) *cobra.Command {
	var (
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Export a recording bundle",
		Long: `Export a recording with its events and annotations as a bundle.

Bundles are JSON by default. The cbor+zstd format is compact and carries a
checksum that is verified on import.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := recording.ParseFormat(format)
			if err != nil {
				return err
			}

			client, err := cmder.client(cmd)
			if err != nil {
				return err
			}
			data, err := client.Export(commandContext(cmd), args[0], f)
			if err != nil {
				return err
			}

			if output == "" || output == "-" {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0o600); err != nil {
				return fmt.Errorf("writing bundle: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "  %s Wrote %s\n", cliui.SuccessMark, output)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", string(recording.FormatJSON), "Bundle format (json, cbor+zstd)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "File to write (default stdout)")

	return cmd
}

func newImportCmd(cmder *commander) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a recording bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading bundle: %w", err)
			}

			client, err := cmder.client(cmd)
			if err != nil {
				return err
			}
			info, err := client.Import(commandContext(cmd), data)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "  %s Imported %s as %s\n",
				cliui.SuccessMark,
				cliui.NameStyle.Render(info.AgentID),
				cliui.IDStyle.Render(info.ID),
			)
			return nil
		},
	}

	return cmd
}

func newDeleteCmd(cmder *commander) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cmder.client(cmd)
			if err != nil {
				return err
			}
			if err := client.DeleteRecording(commandContext(cmd), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "  %s Deleted %s\n", cliui.SuccessMark, cliui.IDStyle.Render(args[0]))
			return nil
		},
	}

	return cmd
}

func newReplayCmd(cmder *commander) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <id>",
		Short: "Replay a recording in a new session",
		Long: `Replay a recording in a new session.

The agent runs again with the recorded input. Each tool call is answered
from the recorded responses in order; once a tool's recorded responses are
used up the real tool runs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cmder.client(cmd)
			if err != nil {
				return err
			}
			info, err := client.Replay(commandContext(cmd), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "  %s Replaying %s\n", cliui.SuccessMark, cliui.IDStyle.Render(args[0]))
			cliui.KeyValue(out, "Session", info.ID)
			cliui.KeyValue(out, "Recording", info.RecordingID)
			return nil
		},
	}

	return cmd
}
