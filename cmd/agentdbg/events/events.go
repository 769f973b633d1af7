// Package eventscmder provides the events command, a live tail of what a
// running agentdbg server broadcasts to its operators.
package eventscmder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/papercomputeco/agentdbg/pkg/apiclient"
	"github.com/papercomputeco/agentdbg/pkg/cliui"
	"github.com/papercomputeco/agentdbg/pkg/config"
	"github.com/papercomputeco/agentdbg/pkg/protocol"
)

const eventsLongDesc string = `Stream the events of a running agentdbg server.

Prints one line per session event (created, state changes, breakpoint hits,
tool calls and responses, logs, completion) until interrupted or until the
server stops. The stream is read-only; use the WebSocket to control sessions.

Examples:
  agentdbg events
  agentdbg events --session 3f2a9c1e-...
  agentdbg events --json | jq .
  agentdbg events -o stream.txt`

const eventsShortDesc string = "Stream live session events"

type eventsCommander struct {
	apiTarget string
	configDir string
	sessionID string
	json      bool
	output    string
}

func NewEventsCmd() *cobra.Command {
	cmder := &eventsCommander{}

	cmd := &cobra.Command{
		Use:   "events",
		Short: eventsShortDesc,
		Long:  eventsLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmder.configDir, _ = cmd.Flags().GetString("config-dir")
			if !cmd.Flags().Changed(config.Flags[config.FlagAPITarget].Name) {
				cmder.apiTarget = ""
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return cmder.run(ctx, cmd.OutOrStdout())
		},
	}

	config.AddStringFlag(cmd, config.Flags, config.FlagAPITarget, &cmder.apiTarget)
	cmd.Flags().StringVar(&cmder.sessionID, "session", "", "Only events of this session")
	cmd.Flags().BoolVar(&cmder.json, "json", false, "Print each event as a JSON line")
	cmd.Flags().StringVarP(&cmder.output, "output", "o", "", "Also save the raw event stream to this file")

	return cmd
}

func (c *eventsCommander) run(ctx context.Context, out io.Writer) error {
	client, err := apiclient.Resolve(c.configDir, c.apiTarget)
	if err != nil {
		return err
	}

	var raw io.Writer
	if c.output != "" {
		f, err := os.Create(c.output)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		raw = f
	}

	err = client.Watch(ctx, c.sessionID, raw, func(ev apiclient.StreamEvent) error {
		if c.json {
			_, err := fmt.Fprintln(out, string(ev.Data))
			return err
		}
		_, err := fmt.Fprintln(out, FormatEvent(ev))
		return err
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// FormatEvent renders a broadcast as a single line.
func FormatEvent(ev apiclient.StreamEvent) string {
	data := gjson.ParseBytes(ev.Data)

	session := ""
	if ev.SessionID != "" {
		session = cliui.IDStyle.Render(cliui.ShortID(ev.SessionID))
	}

	return fmt.Sprintf("%-18s %-8s %s",
		cliui.NameStyle.Render(string(ev.Type)),
		session,
		summary(ev.Type, data),
	)
}

func summary(kind protocol.MessageType, data gjson.Result) string {
	switch kind {
	case protocol.TypeSessionCreated:
		s := "agent " + data.Get("agentId").String()
		if replayOf := data.Get("replayOf").String(); replayOf != "" {
			s += ", replay of " + cliui.ShortID(replayOf)
		}
		return s
	case protocol.TypeStateChanged:
		return fmt.Sprintf("%s -> %s",
			cliui.State(protocol.SessionState(data.Get("previousState").String())),
			cliui.State(protocol.SessionState(data.Get("state").String())),
		)
	case protocol.TypeBreakpointHit:
		bp := data.Get("breakpoint")
		s := bp.Get("type").String() + " breakpoint " + cliui.ShortID(bp.Get("id").String())
		if loc := data.Get("location.file").String(); loc != "" {
			s += fmt.Sprintf(" at %s:%d", loc, data.Get("location.line").Int())
		}
		return s
	case protocol.TypeToolCall:
		return data.Get("call.toolName").String() + " " + data.Get("call.params").Raw
	case protocol.TypeToolResponse:
		resp := data.Get("response")
		s := resp.Get("toolName").String()
		if errMsg := resp.Get("error").String(); errMsg != "" {
			s += " " + cliui.ErrorStyle.Render("error: "+errMsg)
		} else {
			s += " " + resp.Get("result").Raw
		}
		if resp.Get("mocked").Bool() {
			s += cliui.DimStyle.Render(" (mocked)")
		}
		return s
	case protocol.TypeLog:
		return fmt.Sprintf("[%s] %s", data.Get("level").String(), data.Get("message").String())
	case protocol.TypeExecutionComplete:
		if !data.Get("success").Bool() {
			return fmt.Sprintf("%s %s", cliui.FailMark, data.Get("error").String())
		}
		return fmt.Sprintf("%s in %dms", cliui.SuccessMark, data.Get("duration").Int())
	case protocol.TypeError:
		return cliui.ErrorStyle.Render(data.Get("message").String())
	default:
		return data.Raw
	}
}
