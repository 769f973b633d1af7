package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType is the discriminator carried by every message in the "type" field.
type MessageType string

// Operator to engine.
const (
	TypeExecute          MessageType = "execute"
	TypeStep             MessageType = "step"
	TypeContinue         MessageType = "continue"
	TypePause            MessageType = "pause"
	TypeStop             MessageType = "stop"
	TypeInspect          MessageType = "inspect"
	TypeMockResponse     MessageType = "mock_response"
	TypeAddBreakpoint    MessageType = "add_breakpoint"
	TypeRemoveBreakpoint MessageType = "remove_breakpoint"
	TypeGetSessions      MessageType = "get_sessions"
	TypeGetRecordings    MessageType = "get_recordings"
	TypeReplayRecording  MessageType = "replay_recording"
)

// Inbound is implemented by every operator to engine message.
type Inbound interface {
	InboundType() MessageType
	validate() error
}

// SessionTarget is implemented by inbound messages addressed to one session.
type SessionTarget interface {
	TargetSession() string
}

// BreakpointSpec is the wire form of a breakpoint supplied by an operator.
// ID is optional and assigned by the engine when empty; Enabled defaults to true.
type BreakpointSpec struct {
	ID        string         `json:"id,omitempty"`
	Type      BreakpointType `json:"type"`
	Enabled   *bool          `json:"enabled,omitempty"`
	Location  string         `json:"location,omitempty"`
	Line      int            `json:"line,omitempty"`
	Condition string         `json:"condition,omitempty"`
	ToolName  string         `json:"toolName,omitempty"`
	Phase     string         `json:"phase,omitempty"`
}

// Breakpoint converts s into a Breakpoint without an ID or timestamps.
func (s BreakpointSpec) Breakpoint() *Breakpoint {
	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	return &Breakpoint{
		ID:        s.ID,
		Type:      s.Type,
		Enabled:   enabled,
		Location:  s.Location,
		Line:      s.Line,
		Condition: s.Condition,
		ToolName:  s.ToolName,
		Phase:     s.Phase,
	}
}

func validateSpecs(field string, specs []BreakpointSpec) error {
	for i, spec := range specs {
		if err := spec.Breakpoint().Validate(); err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				return &ValidationError{Field: fmt.Sprintf("%s[%d].%s", field, i, strings.TrimPrefix(verr.Field, "breakpoint.")), Reason: verr.Reason}
			}
			return err
		}
	}
	return nil
}

func requireSession(id string) error {
	if strings.TrimSpace(id) == "" {
		return &ValidationError{Field: "sessionId", Reason: "is required"}
	}
	return nil
}

// ExecuteRequest starts a new session running agentId against input.
type ExecuteRequest struct {
	Type          MessageType               `json:"type"`
	AgentID       string                    `json:"agentId"`
	Input         any                       `json:"input"`
	Breakpoints   []BreakpointSpec          `json:"breakpoints,omitempty"`
	MockResponses map[string]json.RawMessage `json:"mockResponses,omitempty"`
	TimeoutMs     int64                     `json:"timeoutMs,omitempty"`
	Sandboxed     bool                      `json:"sandboxed,omitempty"`
}

func (*ExecuteRequest) InboundType() MessageType { return TypeExecute }

func (m *ExecuteRequest) validate() error {
	if strings.TrimSpace(m.AgentID) == "" {
		return &ValidationError{Field: "agentId", Reason: "is required"}
	}
	if m.TimeoutMs < 0 {
		return &ValidationError{Field: "timeoutMs", Reason: "must not be negative"}
	}
	for name := range m.MockResponses {
		if strings.TrimSpace(name) == "" {
			return &ValidationError{Field: "mockResponses", Reason: "tool names must not be empty"}
		}
	}
	return validateSpecs("breakpoints", m.Breakpoints)
}

// Mocks decodes the mock response table.
func (m *ExecuteRequest) Mocks() (map[string]any, error) {
	out := make(map[string]any, len(m.MockResponses))
	for name, raw := range m.MockResponses {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decoding mock for %q: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

// StepRequest resumes a paused session for a single unit of work.
type StepRequest struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
}

func (*StepRequest) InboundType() MessageType { return TypeStep }
func (m *StepRequest) validate() error       { return requireSession(m.SessionID) }
func (m *StepRequest) TargetSession() string  { return m.SessionID }

// ContinueRequest resumes a paused session.
type ContinueRequest struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
}

func (*ContinueRequest) InboundType() MessageType { return TypeContinue }
func (m *ContinueRequest) validate() error       { return requireSession(m.SessionID) }
func (m *ContinueRequest) TargetSession() string  { return m.SessionID }

// PauseRequest pauses a running session at its next suspension point.
type PauseRequest struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
}

func (*PauseRequest) InboundType() MessageType { return TypePause }
func (m *PauseRequest) validate() error       { return requireSession(m.SessionID) }
func (m *PauseRequest) TargetSession() string  { return m.SessionID }

// StopRequest cancels the in-flight execution of a session.
type StopRequest struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
}

func (*StopRequest) InboundType() MessageType { return TypeStop }
func (m *StopRequest) validate() error       { return requireSession(m.SessionID) }
func (m *StopRequest) TargetSession() string  { return m.SessionID }

// InspectRequest reads a variable by dotted path.
type InspectRequest struct {
	Type         MessageType `json:"type"`
	SessionID    string      `json:"sessionId"`
	VariablePath string      `json:"variablePath"`
}

func (*InspectRequest) InboundType() MessageType { return TypeInspect }
func (m *InspectRequest) TargetSession() string  { return m.SessionID }

func (m *InspectRequest) validate() error {
	if err := requireSession(m.SessionID); err != nil {
		return err
	}
	if strings.TrimSpace(m.VariablePath) == "" {
		return &ValidationError{Field: "variablePath", Reason: "is required"}
	}
	return nil
}

// MockResponseRequest installs a mock response for a tool on a session.
type MockResponseRequest struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId"`
	ToolName  string          `json:"toolName"`
	Response  json.RawMessage `json:"response"`
}

func (*MockResponseRequest) InboundType() MessageType { return TypeMockResponse }
func (m *MockResponseRequest) TargetSession() string  { return m.SessionID }

func (m *MockResponseRequest) validate() error {
	if err := requireSession(m.SessionID); err != nil {
		return err
	}
	if strings.TrimSpace(m.ToolName) == "" {
		return &ValidationError{Field: "toolName", Reason: "is required"}
	}
	if len(m.Response) == 0 {
		return &ValidationError{Field: "response", Reason: "is required"}
	}
	return nil
}

// Value decodes the mock response.
func (m *MockResponseRequest) Value() (any, error) {
	var v any
	if err := json.Unmarshal(m.Response, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// AddBreakpointRequest adds a breakpoint to a session, or to the global set
// applied to new sessions when SessionID is empty.
type AddBreakpointRequest struct {
	Type       MessageType    `json:"type"`
	SessionID  string         `json:"sessionId,omitempty"`
	Breakpoint BreakpointSpec `json:"breakpoint"`
}

func (*AddBreakpointRequest) InboundType() MessageType { return TypeAddBreakpoint }
func (m *AddBreakpointRequest) TargetSession() string  { return m.SessionID }

func (m *AddBreakpointRequest) validate() error {
	return m.Breakpoint.Breakpoint().Validate()
}

// RemoveBreakpointRequest deletes a breakpoint by id.
type RemoveBreakpointRequest struct {
	Type         MessageType `json:"type"`
	SessionID    string      `json:"sessionId,omitempty"`
	BreakpointID string      `json:"breakpointId"`
}

func (*RemoveBreakpointRequest) InboundType() MessageType { return TypeRemoveBreakpoint }
func (m *RemoveBreakpointRequest) TargetSession() string  { return m.SessionID }

func (m *RemoveBreakpointRequest) validate() error {
	if strings.TrimSpace(m.BreakpointID) == "" {
		return &ValidationError{Field: "breakpointId", Reason: "is required"}
	}
	return nil
}

// GetSessionsRequest lists known sessions.
type GetSessionsRequest struct {
	Type MessageType `json:"type"`
}

func (*GetSessionsRequest) InboundType() MessageType { return TypeGetSessions }
func (*GetSessionsRequest) validate() error          { return nil }

// GetRecordingsRequest lists recordings, optionally filtered.
type GetRecordingsRequest struct {
	Type    MessageType `json:"type"`
	AgentID string      `json:"agentId,omitempty"`
	Tag     string      `json:"tag,omitempty"`
	Limit   int         `json:"limit,omitempty"`
}

func (*GetRecordingsRequest) InboundType() MessageType { return TypeGetRecordings }

func (m *GetRecordingsRequest) validate() error {
	if m.Limit < 0 {
		return &ValidationError{Field: "limit", Reason: "must not be negative"}
	}
	return nil
}

// ReplayRecordingRequest re-executes a recorded run with its recorded tool responses.
type ReplayRecordingRequest struct {
	Type        MessageType      `json:"type"`
	RecordingID string           `json:"recordingId"`
	Breakpoints []BreakpointSpec `json:"breakpoints,omitempty"`
}

func (*ReplayRecordingRequest) InboundType() MessageType { return TypeReplayRecording }

func (m *ReplayRecordingRequest) validate() error {
	if strings.TrimSpace(m.RecordingID) == "" {
		return &ValidationError{Field: "recordingId", Reason: "is required"}
	}
	return validateSpecs("breakpoints", m.Breakpoints)
}

var inboundFactories = map[MessageType]func() Inbound{
	TypeExecute:          func() Inbound { return &ExecuteRequest{} },
	TypeStep:             func() Inbound { return &StepRequest{} },
	TypeContinue:         func() Inbound { return &ContinueRequest{} },
	TypePause:            func() Inbound { return &PauseRequest{} },
	TypeStop:             func() Inbound { return &StopRequest{} },
	TypeInspect:          func() Inbound { return &InspectRequest{} },
	TypeMockResponse:     func() Inbound { return &MockResponseRequest{} },
	TypeAddBreakpoint:    func() Inbound { return &AddBreakpointRequest{} },
	TypeRemoveBreakpoint: func() Inbound { return &RemoveBreakpointRequest{} },
	TypeGetSessions:      func() Inbound { return &GetSessionsRequest{} },
	TypeGetRecordings:    func() Inbound { return &GetRecordingsRequest{} },
	TypeReplayRecording:  func() Inbound { return &ReplayRecordingRequest{} },
}

// Decode parses and validates one inbound frame. Any failure is reported as a
// *ValidationError and no partially decoded message is returned.
func Decode(data []byte) (Inbound, error) {
	var envelope struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &ValidationError{Reason: "malformed JSON: " + err.Error()}
	}
	if envelope.Type == "" {
		return nil, &ValidationError{Field: "type", Reason: "is required"}
	}

	factory, ok := inboundFactories[envelope.Type]
	if !ok {
		return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown message type %q", envelope.Type)}
	}

	msg := factory()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(msg); err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("%s: %v", envelope.Type, err)}
	}

	if err := msg.validate(); err != nil {
		return nil, err
	}

	return msg, nil
}

// Encode marshals an inbound message, filling in its type discriminator.
func Encode(msg Inbound) ([]byte, error) {
	setInboundType(msg)
	return json.Marshal(msg)
}

func setInboundType(msg Inbound) {
	t := msg.InboundType()
	switch m := msg.(type) {
	case *ExecuteRequest:
		m.Type = t
	case *StepRequest:
		m.Type = t
	case *ContinueRequest:
		m.Type = t
	case *PauseRequest:
		m.Type = t
	case *StopRequest:
		m.Type = t
	case *InspectRequest:
		m.Type = t
	case *MockResponseRequest:
		m.Type = t
	case *AddBreakpointRequest:
		m.Type = t
	case *RemoveBreakpointRequest:
		m.Type = t
	case *GetSessionsRequest:
		m.Type = t
	case *GetRecordingsRequest:
		m.Type = t
	case *ReplayRecordingRequest:
		m.Type = t
	}
}
