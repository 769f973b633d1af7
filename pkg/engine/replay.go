package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/papercomputeco/agentdbg/pkg/executor"
	"github.com/papercomputeco/agentdbg/pkg/protocol"
	"github.com/papercomputeco/agentdbg/pkg/recording"
	"github.com/papercomputeco/agentdbg/pkg/session"
)

// Replay re-executes a recorded run in a new session. Tool calls are answered
// from the recorded responses, per tool and in recorded order; the real tool
// only runs once a tool's recorded responses are used up.
func (e *Engine) Replay(ctx context.Context, recordingID string, breakpoints []protocol.BreakpointSpec) (*session.Session, error) {
	return e.replay(ctx, nil, recordingID, breakpoints)
}

func (e *Engine) replay(ctx context.Context, c *Conn, recordingID string, specs []protocol.BreakpointSpec) (*session.Session, error) {
	rec, err := e.recorder.Get(ctx, recordingID)
	if err != nil {
		return nil, err
	}
	if _, ok := e.executor.Agent(rec.AgentID); !ok {
		return nil, fmt.Errorf("%w: %s", executor.ErrAgentNotFound, rec.AgentID)
	}

	events, err := e.recorder.Events(ctx, recordingID)
	if err != nil {
		return nil, err
	}
	responses, err := recordedResponses(events)
	if err != nil {
		return nil, fmt.Errorf("could not read recording %s: %w", recordingID, err)
	}

	s := e.sessions.Create(rec.AgentID, rec.Input, session.CreateOptions{
		Breakpoints: e.breakpointsFor(specs),
		ReplayOf:    rec.ID,
	})
	for _, resp := range responses {
		s.EnqueueReplay(resp.ToolName, session.MockResult{Value: resp.Result, Error: resp.Error})
	}

	e.logger.Debug("replaying recording",
		zap.String("recording_id", rec.ID),
		zap.String("session_id", s.ID),
		zap.Int("responses", len(responses)),
	)

	err = e.launch(ctx, c, s, executor.Options{},
		recording.TagReplay,
		recording.TagReplayOfPrefix+rec.ID,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// recordedResponses extracts the tool responses of a recording in sequence
// order. Payloads may come back from storage as generic JSON values, so each
// one is round tripped into a ToolResponse.
func recordedResponses(events []recording.Event) ([]protocol.ToolResponse, error) {
	var out []protocol.ToolResponse
	for _, ev := range events {
		if ev.Kind != recording.EventToolResponse {
			continue
		}
		var resp protocol.ToolResponse
		if err := decodePayload(ev.Payload, &resp); err != nil {
			return nil, fmt.Errorf("event %d: %w", ev.Seq, err)
		}
		out = append(out, resp)
	}
	return out, nil
}

func decodePayload(payload any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
