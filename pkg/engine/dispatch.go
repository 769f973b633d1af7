package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/papercomputeco/agentdbg/pkg/executor"
	"github.com/papercomputeco/agentdbg/pkg/protocol"
	"github.com/papercomputeco/agentdbg/pkg/recording"
	"github.com/papercomputeco/agentdbg/pkg/session"
	"github.com/papercomputeco/agentdbg/pkg/storage"
	"github.com/papercomputeco/agentdbg/pkg/worker"
)

func (e *Engine) dispatch(ctx context.Context, c *Conn, msg protocol.Inbound) {
	switch m := msg.(type) {
	case *protocol.ExecuteRequest:
		if _, err := e.execute(ctx, c, m); err != nil {
			c.fail("", err)
		}
	case *protocol.ReplayRecordingRequest:
		if _, err := e.replay(ctx, c, m.RecordingID, m.Breakpoints); err != nil {
			c.fail("", err)
		}
	case *protocol.StepRequest:
		e.resume(c, m.SessionID, protocol.TypeStep, e.sessions.Step)
	case *protocol.ContinueRequest:
		e.resume(c, m.SessionID, protocol.TypeContinue, e.sessions.Continue)
	case *protocol.PauseRequest:
		e.resume(c, m.SessionID, protocol.TypePause, e.sessions.Pause)
	case *protocol.StopRequest:
		e.handleStop(c, m)
	case *protocol.InspectRequest:
		e.handleInspect(c, m)
	case *protocol.MockResponseRequest:
		e.handleMock(c, m)
	case *protocol.AddBreakpointRequest:
		e.handleAddBreakpoint(c, m)
	case *protocol.RemoveBreakpointRequest:
		e.handleRemoveBreakpoint(c, m)
	case *protocol.GetSessionsRequest:
		c.send(protocol.NewSessionList(e.sessions.List()))
	case *protocol.GetRecordingsRequest:
		e.handleGetRecordings(ctx, c, m)
	default:
		c.fail("", fmt.Errorf("unsupported message type %q", msg.InboundType()))
	}
}

// Execute starts a session running the requested agent. It returns once the
// session exists; the agent runs in the background.
func (e *Engine) Execute(ctx context.Context, req *protocol.ExecuteRequest) (*session.Session, error) {
	return e.execute(ctx, nil, req)
}

func (e *Engine) execute(ctx context.Context, c *Conn, m *protocol.ExecuteRequest) (*session.Session, error) {
	mocks, err := m.Mocks()
	if err != nil {
		return nil, &protocol.ValidationError{Field: "mockResponses", Reason: err.Error()}
	}
	if _, ok := e.executor.Agent(m.AgentID); !ok {
		return nil, fmt.Errorf("%w: %s", executor.ErrAgentNotFound, m.AgentID)
	}

	s := e.sessions.Create(m.AgentID, m.Input, session.CreateOptions{
		Breakpoints: e.breakpointsFor(m.Breakpoints),
		Mocks:       mocks,
	})
	opts := executor.Options{
		Timeout:   time.Duration(m.TimeoutMs) * time.Millisecond,
		Sandboxed: m.Sandboxed,
	}
	if err := e.launch(ctx, c, s, opts); err != nil {
		return nil, err
	}
	return s, nil
}

// breakpointsFor merges the global breakpoints with those of a request.
func (e *Engine) breakpointsFor(specs []protocol.BreakpointSpec) []*protocol.Breakpoint {
	bps := e.debugger.Breakpoints.List()
	for _, spec := range specs {
		bps = append(bps, spec.Breakpoint())
	}
	return bps
}

// launch opens the recording of a fresh session, announces it and runs its
// agent in the background.
func (e *Engine) launch(ctx context.Context, c *Conn, s *session.Session, opts executor.Options, tags ...string) error {
	recID, err := e.recorder.Start(ctx, s.ID, s.AgentID, s.Input(), tags...)
	if err != nil {
		s.SetOutcome(nil, err.Error())
		if terr := s.Transition(protocol.StateError); terr != nil {
			e.logger.Warn("could not fail session", zap.String("session_id", s.ID), zap.Error(terr))
		}
		return err
	}
	s.SetRecordingID(recID)

	e.enqueue(worker.Job{Kind: worker.JobSession, SessionID: s.ID, Session: sessionRow(s)})
	for _, bp := range s.Breakpoints() {
		e.enqueue(worker.Job{Kind: worker.JobBreakpoint, SessionID: s.ID, Breakpoint: bp})
	}

	if c != nil {
		c.own(s.ID)
	}
	created := protocol.NewSessionCreated(s.ID, s.AgentID, recID)
	created.ReplayOf = s.ReplayOf()
	e.broadcast(created)

	e.logger.Info("session started",
		zap.String("session_id", s.ID),
		zap.String("agent_id", s.AgentID),
		zap.String("recording_id", recID),
		zap.String("replay_of", s.ReplayOf()),
	)

	e.runs.Add(1)
	go func() {
		defer e.runs.Done()
		if _, err := e.executor.ExecuteAgent(e.ctx, s.ID, s.AgentID, s.Input(), opts); err != nil {
			e.abort(s, err)
		}
	}()
	return nil
}

// abort finalizes a session whose execution could not start.
func (e *Engine) abort(s *session.Session, err error) {
	e.logger.Warn("execution did not start",
		zap.String("session_id", s.ID),
		zap.Error(err),
	)

	s.SetOutcome(nil, err.Error())
	if !s.State().IsTerminal() {
		if terr := s.Transition(protocol.StateError); terr != nil {
			e.logger.Warn("could not fail session", zap.String("session_id", s.ID), zap.Error(terr))
		}
	}
	if _, ferr := e.recorder.Finish(context.Background(), s.ID, 0, false, nil, err.Error()); ferr != nil {
		e.logger.Warn("could not finish recording", zap.String("session_id", s.ID), zap.Error(ferr))
	}
	e.enqueue(worker.Job{Kind: worker.JobSession, SessionID: s.ID, Session: sessionRow(s)})
	e.broadcast(protocol.NewError(err.Error(), s.ID, ""))
}

func (e *Engine) resume(c *Conn, id string, req protocol.MessageType, fn func(string) bool) {
	s, ok := e.sessions.Get(id)
	if !ok {
		c.fail(id, fmt.Errorf("%w: %s", session.ErrSessionNotFound, id))
		return
	}
	if !fn(id) {
		c.fail(id, fmt.Errorf("cannot %s session in state %s", req, s.State()))
		return
	}
	c.send(protocol.NewAck(req, id, true))
}

func (e *Engine) handleStop(c *Conn, m *protocol.StopRequest) {
	if _, ok := e.sessions.Get(m.SessionID); !ok {
		c.fail(m.SessionID, fmt.Errorf("%w: %s", session.ErrSessionNotFound, m.SessionID))
		return
	}
	if !e.executor.Stop(m.SessionID) {
		c.fail(m.SessionID, fmt.Errorf("no execution in flight for session %s", m.SessionID))
		return
	}
	c.send(protocol.NewAck(protocol.TypeStop, m.SessionID, true))
}

func (e *Engine) handleInspect(c *Conn, m *protocol.InspectRequest) {
	s, ok := e.sessions.Get(m.SessionID)
	if !ok {
		c.fail(m.SessionID, fmt.Errorf("%w: %s", session.ErrSessionNotFound, m.SessionID))
		return
	}
	v, found := s.Variable(m.VariablePath)
	c.send(protocol.NewVariableValue(m.SessionID, m.VariablePath, v, found))
}

func (e *Engine) handleMock(c *Conn, m *protocol.MockResponseRequest) {
	v, err := m.Value()
	if err != nil {
		c.fail(m.SessionID, &protocol.ValidationError{Field: "response", Reason: err.Error()})
		return
	}
	if !e.sessions.SetMock(m.SessionID, m.ToolName, v) {
		c.fail(m.SessionID, fmt.Errorf("%w: %s", session.ErrSessionNotFound, m.SessionID))
		return
	}
	c.send(protocol.NewAck(protocol.TypeMockResponse, m.SessionID, true))
}

func (e *Engine) handleAddBreakpoint(c *Conn, m *protocol.AddBreakpointRequest) {
	bp := m.Breakpoint.Breakpoint()

	var added *protocol.Breakpoint
	if m.SessionID == "" {
		created, err := e.debugger.Breakpoints.Create(bp)
		if err != nil {
			c.fail("", err)
			return
		}
		added = created
	} else {
		b, ok := e.sessions.AddBreakpoint(m.SessionID, bp)
		if !ok {
			c.fail(m.SessionID, fmt.Errorf("%w: %s", session.ErrSessionNotFound, m.SessionID))
			return
		}
		added = b
		e.enqueue(worker.Job{Kind: worker.JobBreakpoint, SessionID: m.SessionID, Breakpoint: b.Clone()})
	}

	ack := protocol.NewAck(protocol.TypeAddBreakpoint, m.SessionID, true)
	ack.Breakpoint = added
	c.send(ack)
}

func (e *Engine) handleRemoveBreakpoint(c *Conn, m *protocol.RemoveBreakpointRequest) {
	if m.SessionID == "" {
		if !e.debugger.Breakpoints.Remove(m.BreakpointID) {
			c.fail("", fmt.Errorf("breakpoint not found: %s", m.BreakpointID))
			return
		}
		c.send(protocol.NewAck(protocol.TypeRemoveBreakpoint, "", true))
		return
	}

	if _, ok := e.sessions.Get(m.SessionID); !ok {
		c.fail(m.SessionID, fmt.Errorf("%w: %s", session.ErrSessionNotFound, m.SessionID))
		return
	}
	if !e.sessions.RemoveBreakpoint(m.SessionID, m.BreakpointID) {
		c.fail(m.SessionID, fmt.Errorf("breakpoint not found: %s", m.BreakpointID))
		return
	}
	c.send(protocol.NewAck(protocol.TypeRemoveBreakpoint, m.SessionID, true))
}

func (e *Engine) handleGetRecordings(ctx context.Context, c *Conn, m *protocol.GetRecordingsRequest) {
	recs, err := e.recorder.List(ctx, storage.RecordingQuery{
		AgentID: m.AgentID,
		Tag:     m.Tag,
		Limit:   m.Limit,
	})
	if err != nil {
		c.fail("", err)
		return
	}
	c.send(protocol.NewRecordingList(lo.Map(recs, func(r *recording.Recording, _ int) protocol.RecordingInfo {
		return r.Info()
	})))
}
