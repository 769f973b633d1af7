package eventstream

import (
	"time"

	"github.com/google/uuid"

	"github.com/papercomputeco/agentdbg/pkg/recording"
)

const (
	// SchemaVersionV1 is the first version of the event payload schema.
	SchemaVersionV1 = 1

	// EventTypeRecordingEvent is emitted after a recording event is stored.
	EventTypeRecordingEvent = "agentdbg.recording.event"
)

// RecordingEventPublished is a transport-neutral payload for one stored
// recording event.
type RecordingEventPublished struct {
	SchemaVersion int         `json:"schema_version"`
	EventType     string      `json:"event_type"`
	EventID       string      `json:"event_id"`
	EmittedAt     time.Time   `json:"emitted_at"`
	Source        EventSource `json:"source"`
	Event         EventBody   `json:"event"`
}

// EventSource identifies the session and recording the event belongs to.
type EventSource struct {
	AgentID     string   `json:"agent_id"`
	SessionID   string   `json:"session_id"`
	RecordingID string   `json:"recording_id"`
	Tags        []string `json:"tags,omitempty"`
}

// EventBody is the recorded event itself.
type EventBody struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// NewRecordingEvent builds the published payload for ev.
func NewRecordingEvent(rec *recording.Recording, ev *recording.Event, now time.Time) *RecordingEventPublished {
	return &RecordingEventPublished{
		SchemaVersion: SchemaVersionV1,
		EventType:     EventTypeRecordingEvent,
		EventID:       uuid.NewString(),
		EmittedAt:     now,
		Source: EventSource{
			AgentID:     rec.AgentID,
			SessionID:   rec.SessionID,
			RecordingID: rec.ID,
			Tags:        rec.Tags,
		},
		Event: EventBody{
			ID:        ev.ID,
			Seq:       ev.Seq,
			Kind:      string(ev.Kind),
			Timestamp: ev.Timestamp,
			Payload:   ev.Payload,
		},
	}
}
