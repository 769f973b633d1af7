// Package protocol defines the messages exchanged between an operator client
// and the debugging engine, plus the vocabulary shared by every other package:
// session states, breakpoints, stack frames and tool activity.
package protocol

import (
	"time"
)

// SessionState is the lifecycle state of a debugging session.
type SessionState string

const (
	StateIdle      SessionState = "idle"
	StateRunning   SessionState = "running"
	StatePaused    SessionState = "paused"
	StateStepping  SessionState = "stepping"
	StateCompleted SessionState = "completed"
	StateError     SessionState = "error"
)

// IsTerminal reports whether no further transitions are possible.
func (s SessionState) IsTerminal() bool {
	return s == StateCompleted || s == StateError
}

// Valid reports whether s is one of the known states.
func (s SessionState) Valid() bool {
	switch s {
	case StateIdle, StateRunning, StatePaused, StateStepping, StateCompleted, StateError:
		return true
	}
	return false
}

// AllStates returns every state in machine order.
func AllStates() []SessionState {
	return []SessionState{StateIdle, StateRunning, StatePaused, StateStepping, StateCompleted, StateError}
}

// BreakpointType discriminates the matching rule of a Breakpoint.
type BreakpointType string

const (
	BreakpointLine        BreakpointType = "line"
	BreakpointConditional BreakpointType = "conditional"
	BreakpointTool        BreakpointType = "tool"
	BreakpointPhase       BreakpointType = "phase"
)

// Valid reports whether t is a known breakpoint type.
func (t BreakpointType) Valid() bool {
	switch t {
	case BreakpointLine, BreakpointConditional, BreakpointTool, BreakpointPhase:
		return true
	}
	return false
}

// Breakpoint is a matching rule that pauses a session.
// Only the fields relevant to Type are populated.
type Breakpoint struct {
	ID        string         `json:"id"`
	Type      BreakpointType `json:"type"`
	Enabled   bool           `json:"enabled"`
	Location  string         `json:"location,omitempty"`
	Line      int            `json:"line,omitempty"`
	Condition string         `json:"condition,omitempty"`
	ToolName  string         `json:"toolName,omitempty"`
	Phase     string         `json:"phase,omitempty"`
	HitCount  int            `json:"hitCount"`
	LastHitAt *time.Time     `json:"lastHitAt,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Clone returns a deep copy of the breakpoint.
func (b *Breakpoint) Clone() *Breakpoint {
	if b == nil {
		return nil
	}
	c := *b
	if b.LastHitAt != nil {
		t := *b.LastHitAt
		c.LastHitAt = &t
	}
	return &c
}

// Validate checks that the type-specific fields are present.
func (b *Breakpoint) Validate() error {
	if !b.Type.Valid() {
		return &ValidationError{Field: "breakpoint.type", Reason: "must be one of line, conditional, tool, phase"}
	}

	switch b.Type {
	case BreakpointLine:
		if b.Location == "" {
			return &ValidationError{Field: "breakpoint.location", Reason: "required for line breakpoints"}
		}
		if b.Line <= 0 {
			return &ValidationError{Field: "breakpoint.line", Reason: "must be a positive integer"}
		}
	case BreakpointConditional:
		if b.Condition == "" {
			return &ValidationError{Field: "breakpoint.condition", Reason: "required for conditional breakpoints"}
		}
	case BreakpointTool:
		if b.ToolName == "" {
			return &ValidationError{Field: "breakpoint.toolName", Reason: "required for tool breakpoints"}
		}
	case BreakpointPhase:
		if b.Phase == "" {
			return &ValidationError{Field: "breakpoint.phase", Reason: "required for phase breakpoints"}
		}
	}

	return nil
}

// SourceLocation points at a position inside agent code.
type SourceLocation struct {
	File string `json:"file"`
	Line int    `json:"line,omitempty"`
}

// StackFrame is one entry of a session call stack.
type StackFrame struct {
	Name      string          `json:"name"`
	Location  *SourceLocation `json:"location,omitempty"`
	Variables map[string]any  `json:"variables,omitempty"`
}

// ToolCall is a single tool invocation issued by an agent.
type ToolCall struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	ToolName  string         `json:"toolName"`
	Params    map[string]any `json:"params,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ToolResponse is the outcome of a ToolCall.
type ToolResponse struct {
	CallID     string    `json:"callId"`
	SessionID  string    `json:"sessionId"`
	ToolName   string    `json:"toolName"`
	Result     any       `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	Mocked     bool      `json:"mocked"`
	DurationMs int64     `json:"durationMs"`
	Timestamp  time.Time `json:"timestamp"`
}

// LogLevel is the severity of an agent or engine log line.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// Valid reports whether l is a known level.
func (l LogLevel) Valid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SessionInfo is the summary of a session carried by session_list.
type SessionInfo struct {
	ID          string       `json:"id"`
	AgentID     string       `json:"agentId"`
	State       SessionState `json:"state"`
	CreatedAt   time.Time    `json:"createdAt"`
	EndedAt     *time.Time   `json:"endedAt,omitempty"`
	DurationMs  int64        `json:"durationMs,omitempty"`
	ToolCalls   int          `json:"toolCalls"`
	Breakpoints int          `json:"breakpoints"`
	RecordingID string       `json:"recordingId,omitempty"`
}

// RecordingInfo is the summary of a recording carried by recording_list.
type RecordingInfo struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	AgentID    string    `json:"agentId"`
	StartedAt  time.Time `json:"startedAt"`
	DurationMs int64     `json:"durationMs"`
	Success    bool      `json:"success"`
	Finished   bool      `json:"finished"`
	ToolCalls  int       `json:"toolCalls"`
	Tags       []string  `json:"tags,omitempty"`
}
