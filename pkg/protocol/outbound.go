package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Engine to operator.
const (
	TypeSessionCreated    MessageType = "session_created"
	TypeStateChanged      MessageType = "state_changed"
	TypeBreakpointHit     MessageType = "breakpoint_hit"
	TypeToolCall          MessageType = "tool_call"
	TypeToolResponse      MessageType = "tool_response"
	TypeExecutionComplete MessageType = "execution_complete"
	TypeError             MessageType = "error"
	TypeVariableValue     MessageType = "variable_value"
	TypeLog               MessageType = "log"
	TypeSessionList       MessageType = "session_list"
	TypeRecordingList     MessageType = "recording_list"
	TypeAck               MessageType = "ack"
)

// Outbound is implemented by every engine to operator message.
type Outbound interface {
	OutboundType() MessageType
}

// SessionCreated announces a new session.
type SessionCreated struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"sessionId"`
	AgentID     string      `json:"agentId"`
	RecordingID string      `json:"recordingId,omitempty"`
	ReplayOf    string      `json:"replayOf,omitempty"`
}

func (*SessionCreated) OutboundType() MessageType { return TypeSessionCreated }

// StateChanged reports a session state transition.
type StateChanged struct {
	Type          MessageType  `json:"type"`
	SessionID     string       `json:"sessionId"`
	State         SessionState `json:"state"`
	PreviousState SessionState `json:"previousState"`
	Timestamp     time.Time    `json:"timestamp"`
}

func (*StateChanged) OutboundType() MessageType { return TypeStateChanged }

// BreakpointHit reports that a session paused on a breakpoint.
type BreakpointHit struct {
	Type       MessageType     `json:"type"`
	SessionID  string          `json:"sessionId"`
	Breakpoint *Breakpoint     `json:"breakpoint"`
	Location   *SourceLocation `json:"location,omitempty"`
	Stack      []StackFrame    `json:"stack"`
}

func (*BreakpointHit) OutboundType() MessageType { return TypeBreakpointHit }

// ToolCallMessage reports a tool invocation.
type ToolCallMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Call      ToolCall    `json:"call"`
}

func (*ToolCallMessage) OutboundType() MessageType { return TypeToolCall }

// ToolResponseMessage reports the outcome of a tool invocation.
type ToolResponseMessage struct {
	Type      MessageType  `json:"type"`
	SessionID string       `json:"sessionId"`
	Response  ToolResponse `json:"response"`
}

func (*ToolResponseMessage) OutboundType() MessageType { return TypeToolResponse }

// ExecutionComplete reports the end of an execution.
type ExecutionComplete struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"sessionId"`
	Success    bool        `json:"success"`
	Result     any         `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	DurationMs int64       `json:"duration"`
}

func (*ExecutionComplete) OutboundType() MessageType { return TypeExecutionComplete }

// ErrorMessage carries a human readable failure and an optional trace.
type ErrorMessage struct {
	Type      MessageType `json:"type"`
	Message   string      `json:"message"`
	SessionID string      `json:"sessionId,omitempty"`
	Stack     string      `json:"stack,omitempty"`
}

func (*ErrorMessage) OutboundType() MessageType { return TypeError }

// VariableValue answers an inspect request.
type VariableValue struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Path      string      `json:"path"`
	Value     any         `json:"value"`
	Found     bool        `json:"found"`
}

func (*VariableValue) OutboundType() MessageType { return TypeVariableValue }

// LogMessage relays an agent or engine log line.
type LogMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Level     LogLevel    `json:"level"`
	Message   string      `json:"message"`
	Timestamp time.Time   `json:"timestamp"`
}

func (*LogMessage) OutboundType() MessageType { return TypeLog }

// SessionList answers get_sessions.
type SessionList struct {
	Type     MessageType   `json:"type"`
	Sessions []SessionInfo `json:"sessions"`
}

func (*SessionList) OutboundType() MessageType { return TypeSessionList }

// RecordingList answers get_recordings.
type RecordingList struct {
	Type       MessageType     `json:"type"`
	Recordings []RecordingInfo `json:"recordings"`
}

func (*RecordingList) OutboundType() MessageType { return TypeRecordingList }

// Ack confirms a control request that has no other reply.
type Ack struct {
	Type       MessageType `json:"type"`
	Request    MessageType `json:"request"`
	SessionID  string      `json:"sessionId,omitempty"`
	OK         bool        `json:"ok"`
	Breakpoint *Breakpoint `json:"breakpoint,omitempty"`
}

func (*Ack) OutboundType() MessageType { return TypeAck }

func NewSessionCreated(sessionID, agentID, recordingID string) *SessionCreated {
	return &SessionCreated{Type: TypeSessionCreated, SessionID: sessionID, AgentID: agentID, RecordingID: recordingID}
}

func NewStateChanged(sessionID string, state, previous SessionState, ts time.Time) *StateChanged {
	return &StateChanged{Type: TypeStateChanged, SessionID: sessionID, State: state, PreviousState: previous, Timestamp: ts}
}

func NewBreakpointHit(sessionID string, bp *Breakpoint, loc *SourceLocation, stack []StackFrame) *BreakpointHit {
	if stack == nil {
		stack = []StackFrame{}
	}
	return &BreakpointHit{Type: TypeBreakpointHit, SessionID: sessionID, Breakpoint: bp, Location: loc, Stack: stack}
}

func NewToolCall(call ToolCall) *ToolCallMessage {
	return &ToolCallMessage{Type: TypeToolCall, SessionID: call.SessionID, Call: call}
}

func NewToolResponse(resp ToolResponse) *ToolResponseMessage {
	return &ToolResponseMessage{Type: TypeToolResponse, SessionID: resp.SessionID, Response: resp}
}

func NewExecutionComplete(sessionID string, success bool, result any, errMsg string, duration time.Duration) *ExecutionComplete {
	return &ExecutionComplete{
		Type:       TypeExecutionComplete,
		SessionID:  sessionID,
		Success:    success,
		Result:     result,
		Error:      errMsg,
		DurationMs: duration.Milliseconds(),
	}
}

func NewError(message, sessionID, stack string) *ErrorMessage {
	return &ErrorMessage{Type: TypeError, Message: message, SessionID: sessionID, Stack: stack}
}

func NewVariableValue(sessionID, path string, value any, found bool) *VariableValue {
	return &VariableValue{Type: TypeVariableValue, SessionID: sessionID, Path: path, Value: value, Found: found}
}

func NewLog(sessionID string, level LogLevel, message string, ts time.Time) *LogMessage {
	return &LogMessage{Type: TypeLog, SessionID: sessionID, Level: level, Message: message, Timestamp: ts}
}

func NewSessionList(sessions []SessionInfo) *SessionList {
	if sessions == nil {
		sessions = []SessionInfo{}
	}
	return &SessionList{Type: TypeSessionList, Sessions: sessions}
}

func NewRecordingList(recordings []RecordingInfo) *RecordingList {
	if recordings == nil {
		recordings = []RecordingInfo{}
	}
	return &RecordingList{Type: TypeRecordingList, Recordings: recordings}
}

func NewAck(request MessageType, sessionID string, ok bool) *Ack {
	return &Ack{Type: TypeAck, Request: request, SessionID: sessionID, OK: ok}
}

var outboundFactories = map[MessageType]func() Outbound{
	TypeSessionCreated:    func() Outbound { return &SessionCreated{} },
	TypeStateChanged:      func() Outbound { return &StateChanged{} },
	TypeBreakpointHit:     func() Outbound { return &BreakpointHit{} },
	TypeToolCall:          func() Outbound { return &ToolCallMessage{} },
	TypeToolResponse:      func() Outbound { return &ToolResponseMessage{} },
	TypeExecutionComplete: func() Outbound { return &ExecutionComplete{} },
	TypeError:             func() Outbound { return &ErrorMessage{} },
	TypeVariableValue:     func() Outbound { return &VariableValue{} },
	TypeLog:               func() Outbound { return &LogMessage{} },
	TypeSessionList:       func() Outbound { return &SessionList{} },
	TypeRecordingList:     func() Outbound { return &RecordingList{} },
	TypeAck:               func() Outbound { return &Ack{} },
}

// DecodeOutbound parses an engine message on the client side.
func DecodeOutbound(data []byte) (Outbound, error) {
	var envelope struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}

	factory, ok := outboundFactories[envelope.Type]
	if !ok {
		return nil, fmt.Errorf("unknown outbound message type %q", envelope.Type)
	}

	msg := factory()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", envelope.Type, err)
	}
	return msg, nil
}
