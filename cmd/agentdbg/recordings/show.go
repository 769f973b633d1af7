package recordingscmder

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/agentdbg/pkg/cliui"
	"github.com/papercomputeco/agentdbg/pkg/recording"
	"github.com/papercomputeco/agentdbg/pkg/utils"
)

func newShowCmd(cmder *commander) *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a recording and its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cmder.client(cmd)
			if err != nil {
				return err
			}

			ctx := commandContext(cmd)
			rec, err := client.Recording(ctx, args[0])
			if err != nil {
				return err
			}
			events, err := client.Events(ctx, rec.ID)
			if err != nil {
				return err
			}

			report := Report(rec, events)
			if !raw {
				if rendered, err := cliui.RenderMarkdown(report); err == nil {
					report = rendered
				}
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), report)
			return err
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "Print the markdown report without rendering it")

	return cmd
}

// Report renders a recording and its events as markdown.
func Report(rec *recording.Recording, events []recording.Event) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Recording %s\n\n", rec.ID)
	fmt.Fprintf(&b, "- **Agent:** %s\n", rec.AgentID)
	fmt.Fprintf(&b, "- **Session:** %s\n", rec.SessionID)
	fmt.Fprintf(&b, "- **Started:** %s\n", rec.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Duration:** %s\n", cliui.FormatDuration(time.Duration(rec.DurationMs)*time.Millisecond))
	fmt.Fprintf(&b, "- **Tool calls:** %d\n", rec.ToolCalls)
	switch {
	case !rec.Finished:
		b.WriteString("- **Outcome:** running\n")
	case rec.Success:
		b.WriteString("- **Outcome:** success\n")
	default:
		fmt.Fprintf(&b, "- **Outcome:** failed: %s\n", rec.Error)
	}
	if len(rec.Tags) > 0 {
		fmt.Fprintf(&b, "- **Tags:** %s\n", strings.Join(rec.Tags, ", "))
	}
	if rec.Notes != "" {
		fmt.Fprintf(&b, "\n%s\n", rec.Notes)
	}

	writeJSON(&b, "Input", rec.Input)
	if rec.Finished && rec.Success {
		writeJSON(&b, "Result", rec.Result)
	}

	fmt.Fprintf(&b, "\n## Events (%d)\n\n", len(events))
	if len(events) == 0 {
		b.WriteString("_No events._\n")
		return b.String()
	}
	b.WriteString("| # | time | kind | detail |\n|---|---|---|---|\n")
	for _, ev := range events {
		fmt.Fprintf(&b, "| %d | %s | %s | %s |\n",
			ev.Seq,
			ev.Timestamp.Format("15:04:05.000"),
			ev.Kind,
			detail(ev.Payload),
		)
	}
	return b.String()
}

func writeJSON(b *strings.Builder, title string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		data = []byte(fmt.Sprint(v))
	}
	fmt.Fprintf(b, "\n## %s\n\n```json\n%s\n```\n", title, data)
}

// detail is a one line, table safe rendering of an event payload.
func detail(payload any) string {
	if payload == nil {
		return ""
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	s := utils.Truncate(string(data), 77)
	return "`" + strings.ReplaceAll(s, "|", `\|`) + "`"
}
