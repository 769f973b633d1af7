// Package sse reads and writes Server-Sent Events.
//
// The agentdbg server streams engine broadcasts as events at /v1/events and
// clients parse them back with a Reader, optionally copying the raw stream to
// a second writer as it is read.
//
// Event stream format:
// https://html.spec.whatwg.org/multipage/server-sent-events.html
package sse

import (
	"io"
	"strings"
)

// Event represents a single event, delimited by a blank line on the wire.
type Event struct {
	// Type is the "event:" field. Empty means the default "message" type.
	Type string

	// Data is every "data:" line of the event joined with "\n".
	Data string

	// ID is the last "id:" field, if present.
	ID string
}

// Write encodes ev onto w. Data containing newlines is split over several
// data fields so that a Reader joins it back unchanged.
func Write(w io.Writer, ev Event) error {
	var b strings.Builder
	if ev.ID != "" {
		b.WriteString("id: " + ev.ID + "\n")
	}
	if ev.Type != "" {
		b.WriteString("event: " + ev.Type + "\n")
	}
	for _, line := range strings.Split(ev.Data, "\n") {
		b.WriteString("data: " + line + "\n")
	}
	b.WriteString("\n")

	_, err := io.WriteString(w, b.String())
	return err
}

// Comment writes a comment line. Readers skip comments, so they serve as
// keep-alives.
func Comment(w io.Writer, text string) error {
	_, err := io.WriteString(w, ": "+text+"\n\n")
	return err
}
