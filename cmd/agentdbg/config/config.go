// Package configcmder provides the config command for managing persistent
// agentdbg configuration stored in the .agentdbg/ directory.
package configcmder

import (
	"github.com/spf13/cobra"

	"github.com/papercomputeco/agentdbg/pkg/config"
)

const configLongDesc string = `Manage persistent agentdbg configuration.

Configuration is stored as config.toml in the .agentdbg/ directory and provides
default values for command flags. CLI flags and AGENTDBG_* environment
variables always take precedence over config file values.

Keys use dotted notation matching the TOML section structure:
  server.listen, server.max_connections, server.heartbeat_interval,
  storage.driver, storage.sqlite_path, storage.postgres_dsn,
  executor.default_timeout, executor.sandboxed,
  sessions.max_sessions, recorder.max_recordings, recorder.auto_cleanup,
  debugger.max_timeline_events, debugger.max_snapshots, debugger.watch_history,
  eventstream.provider, eventstream.brokers, eventstream.topic,
  client.api_target, log.file, log.debug

Use subcommands to get, set, or list configuration values:
  agentdbg config set <key> <value>    Set a configuration value
  agentdbg config get <key>            Get a configuration value
  agentdbg config list                 List all configuration values

Examples:
  agentdbg config set storage.driver postgres
  agentdbg config set eventstream.brokers kafka-1:9092,kafka-2:9092
  agentdbg config get server.listen
  agentdbg config list`

const configShortDesc string = "Manage persistent agentdbg configuration"

func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: configShortDesc,
		Long:  configLongDesc,
	}

	cmd.AddCommand(newSetCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newListCmd())

	return cmd
}

func validKeys(_ *cobra.Command, args []string, _ string) ([]string, cobra.ShellCompDirective) {
	if len(args) == 0 {
		return config.ValidConfigKeys(), cobra.ShellCompDirectiveNoFileComp
	}
	return nil, cobra.ShellCompDirectiveNoFileComp
}
