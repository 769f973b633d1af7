package cliui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/papercomputeco/agentdbg/pkg/protocol"
)

var stateColors = map[protocol.SessionState]lipgloss.Color{
	protocol.StateIdle:      "245",
	protocol.StateRunning:   "39",
	protocol.StatePaused:    "214",
	protocol.StateStepping:  "214",
	protocol.StateCompleted: "82",
	protocol.StateError:     "196",
}

// State renders a session state in its color.
func State(s protocol.SessionState) string {
	color, ok := stateColors[s]
	if !ok {
		color = "252"
	}
	return lipgloss.NewStyle().Foreground(color).Render(string(s))
}

// Outcome renders a recording outcome.
func Outcome(finished, success bool) string {
	switch {
	case !finished:
		return DimStyle.Render("running")
	case success:
		return SuccessMark + " ok"
	default:
		return FailMark + " failed"
	}
}
