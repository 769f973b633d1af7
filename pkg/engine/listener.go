package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/papercomputeco/agentdbg/pkg/debugger"
	"github.com/papercomputeco/agentdbg/pkg/executor"
	"github.com/papercomputeco/agentdbg/pkg/protocol"
	"github.com/papercomputeco/agentdbg/pkg/recording"
	"github.com/papercomputeco/agentdbg/pkg/session"
	"github.com/papercomputeco/agentdbg/pkg/storage"
	"github.com/papercomputeco/agentdbg/pkg/worker"
)

// listener fans session and execution events out to the operators, the open
// recording and the journal. Recording writes use a background context so a
// stopped execution is still recorded in full.
type listener struct {
	engine *Engine
}

var (
	_ session.Listener  = (*listener)(nil)
	_ executor.Listener = (*listener)(nil)
)

func (l *listener) record(s *session.Session, kind recording.EventKind, payload any) {
	if err := l.engine.recorder.RecordEvent(context.Background(), s.ID, kind, payload); err != nil {
		l.engine.logger.Warn("could not record event",
			zap.String("session_id", s.ID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
}

func (l *listener) step(s *session.Session, kind recording.EventKind, payload any, at time.Time) {
	l.engine.enqueue(worker.Job{
		Kind:      worker.JobStep,
		SessionID: s.ID,
		Step: &storage.StepRow{
			ID:        uuid.NewString(),
			SessionID: s.ID,
			Kind:      string(kind),
			Payload:   payload,
			Timestamp: at,
		},
	})
}

func (l *listener) OnStateChanged(s *session.Session, from, to protocol.SessionState, at time.Time) {
	payload := session.StateChange{From: from, To: to}
	l.engine.debugger.Timeline.Add(debugger.EventStateChange, s.ID, payload)
	l.record(s, recording.EventStateChange, payload)
	l.step(s, recording.EventStateChange, payload, at)
	l.engine.enqueue(worker.Job{Kind: worker.JobSession, SessionID: s.ID, Session: sessionRow(s)})
	l.engine.broadcast(protocol.NewStateChanged(s.ID, to, from, at))
}

func (l *listener) OnBreakpointHit(s *session.Session, bp *protocol.Breakpoint, loc *protocol.SourceLocation, stack []protocol.StackFrame) {
	payload := map[string]any{
		"breakpoint": bp,
		"location":   loc,
		"stack":      stack,
	}
	l.record(s, recording.EventBreakpointHit, payload)
	l.step(s, recording.EventBreakpointHit, payload, l.engine.clock.Now())
	l.engine.enqueue(worker.Job{Kind: worker.JobBreakpoint, SessionID: s.ID, Breakpoint: bp.Clone()})
	l.engine.broadcast(protocol.NewBreakpointHit(s.ID, bp, loc, stack))
}

func (l *listener) OnExecutionStart(s *session.Session) {
	payload := map[string]any{
		"agentId": s.AgentID,
		"input":   s.Input(),
	}
	l.record(s, recording.EventExecutionStart, payload)
	l.step(s, recording.EventExecutionStart, payload, l.engine.clock.Now())
}

func (l *listener) OnToolCall(s *session.Session, call protocol.ToolCall) {
	l.record(s, recording.EventToolCall, call)
	l.engine.enqueue(worker.Job{Kind: worker.JobToolCall, SessionID: s.ID, ToolCall: &call})
	l.engine.broadcast(protocol.NewToolCall(call))
}

func (l *listener) OnToolResponse(s *session.Session, resp protocol.ToolResponse) {
	l.record(s, recording.EventToolResponse, resp)
	l.engine.enqueue(worker.Job{Kind: worker.JobToolResponse, SessionID: s.ID, ToolResponse: &resp})
	l.engine.broadcast(protocol.NewToolResponse(resp))
}

func (l *listener) OnLog(s *session.Session, level protocol.LogLevel, message string, at time.Time) {
	payload := map[string]any{"level": level, "message": message}
	l.record(s, recording.EventLog, payload)
	l.step(s, recording.EventLog, payload, at)
	l.engine.broadcast(protocol.NewLog(s.ID, level, message, at))
}

func (l *listener) OnCheckpoint(s *session.Session, cp executor.Checkpoint) {
	l.record(s, recording.EventCheckpoint, cp)
	l.step(s, recording.EventCheckpoint, cp.Data, cp.Timestamp)
}

func (l *listener) OnVariableSet(s *session.Session, path string, value any) {
	payload := map[string]any{"path": path, "value": value}
	l.record(s, recording.EventVariableSet, payload)
	l.step(s, recording.EventVariableSet, payload, l.engine.clock.Now())

	for _, a := range l.engine.debugger.Watches.Observe(s.ID, path, s.Variables()) {
		l.alert(s, a)
	}
}

func (l *listener) alert(s *session.Session, a debugger.Alert) {
	msg := fmt.Sprintf("watch %s matched %q with value %v", a.Path, a.Condition, a.Value)
	l.engine.logger.Warn("watch alert",
		zap.String("session_id", s.ID),
		zap.String("watch_id", a.WatchID),
		zap.String("path", a.Path),
		zap.String("condition", a.Condition),
		zap.Any("value", a.Value),
	)

	at := s.AppendLog(protocol.LogWarn, msg)
	l.record(s, recording.EventLog, map[string]any{"level": protocol.LogWarn, "message": msg, "watch": a})
	l.engine.broadcast(protocol.NewLog(s.ID, protocol.LogWarn, msg, at))
}

func (l *listener) OnSnapshot(s *session.Session, snap *debugger.Snapshot) {
	if snap == nil {
		return
	}
	l.record(s, recording.EventSnapshot, snap)

	row := &storage.SnapshotRow{
		ID:        snap.ID,
		SessionID: s.ID,
		Name:      snap.Name,
		Timestamp: snap.Timestamp,
		Variables: snap.Variables,
		Stack:     snap.Stack,
	}
	if snap.Memory != nil {
		row.HeapBytes = snap.Memory.HeapBytes
		row.ExternalBytes = snap.Memory.ExternalBytes
	}
	l.engine.enqueue(worker.Job{Kind: worker.JobSnapshot, SessionID: s.ID, Snapshot: row})
}

// OnExecutionComplete finalizes the recording before the operators hear about
// the outcome, so a client reacting to execution_complete reads a finished
// recording.
func (l *listener) OnExecutionComplete(s *session.Session, res *executor.Result) {
	l.record(s, recording.EventExecutionEnd, map[string]any{
		"success":    res.Success,
		"result":     res.Result,
		"error":      res.Error,
		"durationMs": res.Duration.Milliseconds(),
		"toolCalls":  len(res.ToolCalls),
	})

	if _, err := l.engine.recorder.Finish(context.Background(), s.ID, res.Duration, res.Success, res.Result, res.Error); err != nil {
		l.engine.logger.Warn("could not finish recording",
			zap.String("session_id", s.ID),
			zap.Error(err),
		)
	}
	l.engine.enqueue(worker.Job{Kind: worker.JobSession, SessionID: s.ID, Session: sessionRow(s)})

	l.engine.logger.Info("session finished",
		zap.String("session_id", s.ID),
		zap.String("agent_id", s.AgentID),
		zap.Bool("success", res.Success),
		zap.Duration("duration", res.Duration),
		zap.Int("tool_calls", len(res.ToolCalls)),
	)

	l.engine.broadcast(protocol.NewExecutionComplete(s.ID, res.Success, res.Result, res.Error, res.Duration))
	if !res.Success {
		l.engine.broadcast(protocol.NewError(res.Error, s.ID, res.Stack))
	}
}

func sessionRow(s *session.Session) *storage.SessionRow {
	info := s.Info()
	result, errMsg := s.Outcome()
	return &storage.SessionRow{
		ID:          info.ID,
		AgentID:     info.AgentID,
		State:       info.State,
		CreatedAt:   info.CreatedAt,
		EndedAt:     info.EndedAt,
		DurationMs:  info.DurationMs,
		Input:       s.Input(),
		Result:      result,
		Error:       errMsg,
		RecordingID: info.RecordingID,
		ReplayOf:    s.ReplayOf(),
	}
}
