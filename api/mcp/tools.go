package mcp

import (
	"context"
	"errors"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/papercomputeco/agentdbg/pkg/protocol"
	"github.com/papercomputeco/agentdbg/pkg/recorder"
	"github.com/papercomputeco/agentdbg/pkg/recording"
	"github.com/papercomputeco/agentdbg/pkg/session"
	"github.com/papercomputeco/agentdbg/pkg/storage"
)

var (
	listSessionsToolName    = "list_sessions"
	listSessionsDescription = "List the debugging sessions held by agentdbg, optionally filtered by state (created, running, paused, stepping, completed, error, cancelled)."

	getSessionToolName    = "get_session"
	getSessionDescription = "Get the full state of one debugging session: variables, call stack, breakpoints, tool calls and logs."

	listRecordingsToolName    = "list_recordings"
	listRecordingsDescription = "List stored recordings of past agent executions, newest first. Filter by agent or tag."

	getRecordingToolName    = "get_recording"
	getRecordingDescription = "Get a stored recording together with its ordered event trace."
)

// ListSessionsInput is the input for list_sessions.
type ListSessionsInput struct {
	State string `json:"state,omitempty" jsonschema:"only return sessions in this state"`
}

// SessionSummary is one session in list_sessions.
type SessionSummary struct {
	ID          string `json:"id"`
	AgentID     string `json:"agent_id"`
	State       string `json:"state"`
	CreatedAt   string `json:"created_at"`
	DurationMs  int64  `json:"duration_ms"`
	ToolCalls   int    `json:"tool_calls"`
	Breakpoints int    `json:"breakpoints"`
	RecordingID string `json:"recording_id,omitempty"`
}

// ListSessionsOutput is the output for list_sessions.
type ListSessionsOutput struct {
	Sessions []SessionSummary `json:"sessions"`
	Count    int              `json:"count"`
}

// GetSessionInput is the input for get_session.
type GetSessionInput struct {
	SessionID string `json:"session_id" jsonschema:"the session ID"`
}

// ToolCallView pairs a tool call with its response, if any.
type ToolCallView struct {
	CallID   string         `json:"call_id"`
	ToolName string         `json:"tool_name"`
	Params   map[string]any `json:"params,omitempty"`
	Result   any            `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Mocked   bool           `json:"mocked"`
}

// GetSessionOutput is the output for get_session.
type GetSessionOutput struct {
	Session   SessionSummary `json:"session"`
	Input     any            `json:"input,omitempty"`
	Result    any            `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	ReplayOf  string         `json:"replay_of,omitempty"`
	Variables map[string]any `json:"variables"`
	Stack     []string       `json:"stack"`
	ToolCalls []ToolCallView `json:"tool_calls"`
}

// ListRecordingsInput is the input for list_recordings.
type ListRecordingsInput struct {
	AgentID string `json:"agent_id,omitempty" jsonschema:"only return recordings of this agent"`
	Tag     string `json:"tag,omitempty" jsonschema:"only return recordings carrying this tag"`
	Limit   int    `json:"limit,omitempty" jsonschema:"maximum number of recordings to return"`
}

// RecordingSummary is one recording in list_recordings.
type RecordingSummary struct {
	ID         string   `json:"id"`
	SessionID  string   `json:"session_id"`
	AgentID    string   `json:"agent_id"`
	StartedAt  string   `json:"started_at"`
	DurationMs int64    `json:"duration_ms"`
	Success    bool     `json:"success"`
	Finished   bool     `json:"finished"`
	ToolCalls  int      `json:"tool_calls"`
	Tags       []string `json:"tags"`
}

// ListRecordingsOutput is the output for list_recordings.
type ListRecordingsOutput struct {
	Recordings []RecordingSummary `json:"recordings"`
	Count      int                `json:"count"`
}

// GetRecordingInput is the input for get_recording.
type GetRecordingInput struct {
	RecordingID string `json:"recording_id" jsonschema:"the recording ID"`
}

// EventView is one recorded event.
type EventView struct {
	Seq       int64  `json:"seq"`
	Kind      string `json:"kind"`
	Timestamp string `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

// GetRecordingOutput is the output for get_recording.
type GetRecordingOutput struct {
	Recording RecordingSummary `json:"recording"`
	Input     any              `json:"input,omitempty"`
	Result    any              `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
	Events    []EventView      `json:"events"`
}

func sessionSummary(info protocol.SessionInfo) SessionSummary {
	return SessionSummary{
		ID:          info.ID,
		AgentID:     info.AgentID,
		State:       string(info.State),
		CreatedAt:   info.CreatedAt.Format(time.RFC3339Nano),
		DurationMs:  info.DurationMs,
		ToolCalls:   info.ToolCalls,
		Breakpoints: info.Breakpoints,
		RecordingID: info.RecordingID,
	}
}

func recordingSummary(r *recording.Recording) RecordingSummary {
	info := r.Info()
	return RecordingSummary{
		ID:         info.ID,
		SessionID:  info.SessionID,
		AgentID:    info.AgentID,
		StartedAt:  info.StartedAt.Format(time.RFC3339Nano),
		DurationMs: info.DurationMs,
		Success:    info.Success,
		Finished:   info.Finished,
		ToolCalls:  info.ToolCalls,
		Tags:       info.Tags,
	}
}

func (s *Server) handleListSessions(_ context.Context, _ *mcp.CallToolRequest, input ListSessionsInput) (*mcp.CallToolResult, ListSessionsOutput, error) {
	sessions := s.config.Engine.Sessions().List()
	if input.State != "" {
		sessions = lo.Filter(sessions, func(info protocol.SessionInfo, _ int) bool {
			return string(info.State) == input.State
		})
	}

	summaries := lo.Map(sessions, func(info protocol.SessionInfo, _ int) SessionSummary {
		return sessionSummary(info)
	})
	out := ListSessionsOutput{Sessions: summaries, Count: len(summaries)}
	return jsonResult(s.config.Logger, out), out, nil
}

func (s *Server) handleGetSession(_ context.Context, _ *mcp.CallToolRequest, input GetSessionInput) (*mcp.CallToolResult, GetSessionOutput, error) {
	if input.SessionID == "" {
		return errorResult("session_id is required"), GetSessionOutput{}, nil
	}

	sess, ok := s.config.Engine.Sessions().Get(input.SessionID)
	if !ok {
		return errorResult("%v: %s", session.ErrSessionNotFound, input.SessionID), GetSessionOutput{}, nil
	}

	d := sess.Detail()
	out := GetSessionOutput{
		Session:   sessionSummary(d.SessionInfo),
		Input:     d.Input,
		Result:    d.Result,
		Error:     d.Error,
		ReplayOf:  d.ReplayOf,
		Variables: d.Variables,
		Stack: lo.Map(d.Stack, func(f protocol.StackFrame, _ int) string {
			return f.Name
		}),
		ToolCalls: lo.Map(d.ToolCallList, func(call protocol.ToolCall, _ int) ToolCallView {
			v := ToolCallView{CallID: call.ID, ToolName: call.ToolName, Params: call.Params}
			if resp, ok := d.ToolResponses[call.ID]; ok {
				v.Result = resp.Result
				v.Error = resp.Error
				v.Mocked = resp.Mocked
			}
			return v
		}),
	}
	return jsonResult(s.config.Logger, out), out, nil
}

func (s *Server) handleListRecordings(ctx context.Context, _ *mcp.CallToolRequest, input ListRecordingsInput) (*mcp.CallToolResult, ListRecordingsOutput, error) {
	recs, err := s.config.Engine.Recorder().List(s.ctx(ctx), storage.RecordingQuery{
		AgentID: input.AgentID,
		Tag:     input.Tag,
		Limit:   input.Limit,
	})
	if err != nil {
		s.config.Logger.Error("failed to list recordings", zap.Error(err))
		return errorResult("Failed to list recordings: %v", err), ListRecordingsOutput{}, nil
	}

	summaries := lo.Map(recs, func(r *recording.Recording, _ int) RecordingSummary {
		return recordingSummary(r)
	})
	out := ListRecordingsOutput{Recordings: summaries, Count: len(summaries)}
	return jsonResult(s.config.Logger, out), out, nil
}

func (s *Server) handleGetRecording(ctx context.Context, _ *mcp.CallToolRequest, input GetRecordingInput) (*mcp.CallToolResult, GetRecordingOutput, error) {
	if input.RecordingID == "" {
		return errorResult("recording_id is required"), GetRecordingOutput{}, nil
	}

	ctx = s.ctx(ctx)
	rec, err := s.config.Engine.Recorder().Get(ctx, input.RecordingID)
	if errors.Is(err, recorder.ErrRecordingNotFound) {
		return errorResult("%v", err), GetRecordingOutput{}, nil
	}
	if err != nil {
		s.config.Logger.Error("failed to get recording", zap.String("recording_id", input.RecordingID), zap.Error(err))
		return errorResult("Failed to get recording: %v", err), GetRecordingOutput{}, nil
	}

	events, err := s.config.Engine.Recorder().Events(ctx, input.RecordingID)
	if err != nil {
		return errorResult("Failed to read events: %v", err), GetRecordingOutput{}, nil
	}

	out := GetRecordingOutput{
		Recording: recordingSummary(rec),
		Input:     rec.Input,
		Result:    rec.Result,
		Error:     rec.Error,
		Events: lo.Map(events, func(ev recording.Event, _ int) EventView {
			return EventView{
				Seq:       ev.Seq,
				Kind:      string(ev.Kind),
				Timestamp: ev.Timestamp.Format(time.RFC3339Nano),
				Payload:   ev.Payload,
			}
		}),
	}
	return jsonResult(s.config.Logger, out), out, nil
}
