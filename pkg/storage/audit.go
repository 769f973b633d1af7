package storage

import (
	"context"
	"time"

	"github.com/papercomputeco/agentdbg/pkg/protocol"
)

// AuditStore is the append-mostly journal of debugging activity.
type AuditStore interface {
	// UpsertSession inserts or replaces the row of a session.
	UpsertSession(ctx context.Context, s *SessionRow) error

	// AppendStep records one execution step of a session.
	AppendStep(ctx context.Context, step *StepRow) error

	// UpsertBreakpoint inserts or replaces a breakpoint, including its hit
	// accounting.
	UpsertBreakpoint(ctx context.Context, sessionID string, bp *protocol.Breakpoint) error

	// InsertToolCall records an issued tool call.
	InsertToolCall(ctx context.Context, call *protocol.ToolCall) error

	// CompleteToolCall attaches a response to a recorded tool call.
	CompleteToolCall(ctx context.Context, resp *protocol.ToolResponse) error

	// InsertSnapshot records a memory snapshot.
	InsertSnapshot(ctx context.Context, snap *SnapshotRow) error

	// SessionSummary aggregates the journal of one session.
	SessionSummary(ctx context.Context, sessionID string) (*SessionSummary, error)

	// ToolStats aggregates tool calls across every session, by tool name.
	ToolStats(ctx context.Context) ([]ToolStat, error)
}

// SessionRow is the journaled view of a session.
type SessionRow struct {
	ID          string                `json:"id"`
	AgentID     string                `json:"agentId"`
	State       protocol.SessionState `json:"state"`
	CreatedAt   time.Time             `json:"createdAt"`
	EndedAt     *time.Time            `json:"endedAt,omitempty"`
	DurationMs  int64                 `json:"durationMs"`
	Input       any                   `json:"input,omitempty"`
	Result      any                   `json:"result,omitempty"`
	Error       string                `json:"error,omitempty"`
	RecordingID string                `json:"recordingId,omitempty"`
	ReplayOf    string                `json:"replayOf,omitempty"`
}

// StepRow is one journaled execution step.
type StepRow struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Kind      string    `json:"kind"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SnapshotRow is a journaled memory snapshot.
type SnapshotRow struct {
	ID            string                `json:"id"`
	SessionID     string                `json:"sessionId"`
	Name          string                `json:"name"`
	Timestamp     time.Time             `json:"timestamp"`
	Variables     map[string]any        `json:"variables"`
	Stack         []protocol.StackFrame `json:"stack"`
	HeapBytes     int64                 `json:"heapBytes"`
	ExternalBytes int64                 `json:"externalBytes"`
}

// SessionSummary aggregates the journal of one session.
type SessionSummary struct {
	Session         SessionRow `json:"session"`
	Steps           int        `json:"steps"`
	ToolCalls       int        `json:"toolCalls"`
	FailedToolCalls int        `json:"failedToolCalls"`
	MockedToolCalls int        `json:"mockedToolCalls"`
	Breakpoints     int        `json:"breakpoints"`
	BreakpointHits  int        `json:"breakpointHits"`
	Snapshots       int        `json:"snapshots"`
}

// ToolStat aggregates the calls of one tool.
type ToolStat struct {
	ToolName      string  `json:"toolName"`
	Calls         int     `json:"calls"`
	Errors        int     `json:"errors"`
	Mocked        int     `json:"mocked"`
	AvgDurationMs float64 `json:"avgDurationMs"`
}
