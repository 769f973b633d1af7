// Package stopcmder provides the stop command, which asks a running
// agentdbg server to shut down.
package stopcmder

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/agentdbg/pkg/apiclient"
	"github.com/papercomputeco/agentdbg/pkg/cliui"
	"github.com/papercomputeco/agentdbg/pkg/config"
)

const stopLongDesc string = `Stop a running agentdbg server.

Asks the server to shut down through its admin endpoint and waits until it
stops answering. In-flight executions are stopped and their recordings
finalized before the server exits.

Examples:
  agentdbg stop
  agentdbg stop --api-target http://localhost:9000`

const stopShortDesc string = "Stop the agentdbg server"

type stopCommander struct {
	apiTarget string
	configDir string
	wait      time.Duration
}

func NewStopCmd() *cobra.Command {
	cmder := &stopCommander{}

	cmd := &cobra.Command{
		Use:   "stop",
		Short: stopShortDesc,
		Long:  stopLongDesc,
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
	cmd.Flags().DurationVar(&cmder.wait, "wait", 20*time.Second, "How long to wait for the server to stop")

	return cmd
}

func (c *stopCommander) run(ctx context.Context, out io.Writer) error {
	client, err := apiclient.Resolve(c.configDir, c.apiTarget)
	if err != nil {
		return err
	}

	if !client.Ping(ctx) {
		return fmt.Errorf("no agentdbg server is running at %s", client.Target())
	}

	return cliui.Step(out, "Stopping agentdbg at "+client.Target(), func() error {
		if err := client.Shutdown(ctx); err != nil {
			return err
		}
		return waitStopped(ctx, client, c.wait)
	})
}

func waitStopped(ctx context.Context, client *apiclient.Client, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if !client.Ping(ctx) {
			if ctx.Err() != nil {
				return fmt.Errorf("server still running after %s", wait)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("server still running after %s", wait)
		case <-ticker.C:
		}
	}
}
