// Package recording holds the durable trace of a debugging session: the
// recording metadata, its sequence-stamped events and operator annotations,
// and the bundle format used to move a recording between servers.
package recording

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/papercomputeco/agentdbg/pkg/protocol"
)

// EventKind classifies a recording event.
type EventKind string

const (
	EventExecutionStart EventKind = "execution_start"
	EventExecutionEnd   EventKind = "execution_end"
	EventToolCall       EventKind = "tool_call"
	EventToolResponse   EventKind = "tool_response"
	EventBreakpointHit  EventKind = "breakpoint_hit"
	EventStateChange    EventKind = "state_change"
	EventVariableSet    EventKind = "variable_set"
	EventCheckpoint     EventKind = "checkpoint"
	EventSnapshot       EventKind = "snapshot"
	EventLog            EventKind = "log"
)

// AnnotationType is the severity of an annotation.
type AnnotationType string

const (
	AnnotationNote    AnnotationType = "note"
	AnnotationWarning AnnotationType = "warning"
	AnnotationError   AnnotationType = "error"
	AnnotationInfo    AnnotationType = "info"
)

// Valid reports whether t is a known annotation type.
func (t AnnotationType) Valid() bool {
	switch t {
	case AnnotationNote, AnnotationWarning, AnnotationError, AnnotationInfo:
		return true
	}
	return false
}

// Tags used to mark replays.
const (
	TagReplay         = "replay"
	TagReplayOfPrefix = "replay-of:"
)

// Recording is the metadata of a recorded session.
type Recording struct {
	ID         string    `json:"id" cbor:"id"`
	SessionID  string    `json:"sessionId" cbor:"sessionId"`
	AgentID    string    `json:"agentId" cbor:"agentId"`
	StartedAt  time.Time `json:"startedAt" cbor:"startedAt"`
	DurationMs int64     `json:"durationMs" cbor:"durationMs"`
	Success    bool      `json:"success" cbor:"success"`
	Finished   bool      `json:"finished" cbor:"finished"`
	ToolCalls  int       `json:"toolCalls" cbor:"toolCalls"`
	Input      any       `json:"input,omitempty" cbor:"input,omitempty"`
	Result     any       `json:"result,omitempty" cbor:"result,omitempty"`
	Error      string    `json:"error,omitempty" cbor:"error,omitempty"`
	Tags       []string  `json:"tags" cbor:"tags"`
	Notes      string    `json:"notes,omitempty" cbor:"notes,omitempty"`
}

// HasTag reports whether the recording carries exactly tag.
func (r *Recording) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Info summarizes the recording for protocol listings.
func (r *Recording) Info() protocol.RecordingInfo {
	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}
	return protocol.RecordingInfo{
		ID:         r.ID,
		SessionID:  r.SessionID,
		AgentID:    r.AgentID,
		StartedAt:  r.StartedAt,
		DurationMs: r.DurationMs,
		Success:    r.Success,
		Finished:   r.Finished,
		ToolCalls:  r.ToolCalls,
		Tags:       tags,
	}
}

// Clone returns a copy whose tag slice is not shared.
func (r *Recording) Clone() *Recording {
	if r == nil {
		return nil
	}
	c := *r
	c.Tags = append([]string{}, r.Tags...)
	return &c
}

// Normalize converts v to its generic JSON form: objects become
// map[string]any, arrays []any and numbers float64. Stored values are kept in
// this form so every driver returns, and every export writes, the same shape
// for a payload no matter how it was first recorded.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("payload is not JSON encodable: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Event is one sequence-stamped entry in a recording.
type Event struct {
	ID          string    `json:"id" cbor:"id"`
	RecordingID string    `json:"recordingId" cbor:"recordingId"`
	Seq         int64     `json:"seq" cbor:"seq"`
	Timestamp   time.Time `json:"timestamp" cbor:"timestamp"`
	Kind        EventKind `json:"kind" cbor:"kind"`
	Payload     any       `json:"payload,omitempty" cbor:"payload,omitempty"`
}

// Annotation is an operator note attached to a recording, or to one of its
// events when EventID is set.
type Annotation struct {
	ID          string         `json:"id" cbor:"id"`
	RecordingID string         `json:"recordingId" cbor:"recordingId"`
	EventID     string         `json:"eventId,omitempty" cbor:"eventId,omitempty"`
	Author      string         `json:"author" cbor:"author"`
	Type        AnnotationType `json:"type" cbor:"type"`
	Text        string         `json:"text" cbor:"text"`
	CreatedAt   time.Time      `json:"createdAt" cbor:"createdAt"`
}

// Bundle is a self-contained export of a recording.
type Bundle struct {
	Version     int          `json:"version" cbor:"version"`
	ExportedAt  time.Time    `json:"exportedAt" cbor:"exportedAt"`
	Recording   *Recording   `json:"recording" cbor:"recording"`
	Events      []Event      `json:"events" cbor:"events"`
	Annotations []Annotation `json:"annotations" cbor:"annotations"`
}

// BundleVersion is the bundle layout written by this package.
const BundleVersion = 1
