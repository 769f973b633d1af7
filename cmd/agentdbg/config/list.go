package configcmder

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/papercomputeco/agentdbg/pkg/cliui"
	"github.com/papercomputeco/agentdbg/pkg/config"
)

const listLongDesc string = `List configuration values.

Shows every key with its effective value and whether it comes from the
config.toml file in the .agentdbg/ directory or from the built-in
defaults. Pass a section name to list only that section. Connection
strings are masked unless --show-secrets is given.

Examples:
  agentdbg config list
  agentdbg config list storage
  agentdbg config list storage --show-secrets`

const listShortDesc string = "List configuration values"

// secretKeys hold credentials that are masked by default.
var secretKeys = []string{"storage.postgres_dsn"}

func newListCmd() *cobra.Command {
	var showSecrets bool

	cmd := &cobra.Command{
		Use:   "list [section]",
		Short: listShortDesc,
		Long:  listLongDesc,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configDir, _ := cmd.Flags().GetString("config-dir")
			section := ""
			if len(args) == 1 {
				section = args[0]
			}
			return runList(cmd.OutOrStdout(), configDir, section, showSecrets)
		},
		ValidArgsFunction: validSections,
	}

	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Print connection strings unmasked")

	return cmd
}

func runList(out io.Writer, configDir, section string, showSecrets bool) error {
	keys := config.ValidConfigKeys()
	if section != "" {
		sections := configSections()
		if !slices.Contains(sections, section) {
			return fmt.Errorf("unknown config section: %q\n\nValid sections: %s",
				section, strings.Join(sections, ", "))
		}
		keys = lo.Filter(keys, func(k string, _ int) bool { return sectionOf(k) == section })
	}

	cfger, err := config.NewConfiger(configDir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	printTarget(out, cfger.GetTarget())

	rows := make([][]string, 0, len(keys))
	for _, key := range keys {
		value, err := cfger.GetConfigValue(key)
		if err != nil {
			return err
		}
		def, err := config.DefaultConfigValue(key)
		if err != nil {
			return err
		}

		source := "default"
		if value != def {
			source = "config"
		}

		shown := fmt.Sprintf("%q", value)
		switch {
		case value == "":
			shown = "<not set>"
		case !showSecrets && slices.Contains(secretKeys, key):
			shown = "********"
		}
		rows = append(rows, []string{key, shown, source})
	}

	return cliui.Table(out, []string{"Key", "Value", "Source"}, rows)
}

func sectionOf(key string) string {
	section, _, _ := strings.Cut(key, ".")
	return section
}

func configSections() []string {
	return lo.Uniq(lo.Map(config.ValidConfigKeys(), func(k string, _ int) string { return sectionOf(k) }))
}

func validSections(_ *cobra.Command, args []string, _ string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return configSections(), cobra.ShellCompDirectiveNoFileComp
}
