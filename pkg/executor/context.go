package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/papercomputeco/agentdbg/pkg/debugger"
	"github.com/papercomputeco/agentdbg/pkg/protocol"
	"github.com/papercomputeco/agentdbg/pkg/session"
)

// ExecutionContext is handed to an agent for the duration of one execution.
// CallTool, Phase and Line are suspension points: they observe cancellation
// and pause on breakpoints or after a step.
type ExecutionContext interface {
	// Context is cancelled on stop or timeout. context.Cause reports which.
	Context() context.Context
	SessionID() string

	CallTool(name string, params map[string]any) (any, error)

	GetVariable(path string) (any, bool)
	SetVariable(path string, value any) error

	Log(level protocol.LogLevel, message string)
	Checkpoint(data any)
	Snapshot(name string) *debugger.Snapshot

	Phase(name string) error
	Line(location string, line int) error
	PushFrame(name string, loc *protocol.SourceLocation, vars map[string]any)
	PopFrame()
}

type execContext struct {
	ctx      context.Context
	exec     *Executor
	session  *session.Session
	opts     Options
	registry *session.Registry

	mu          sync.Mutex
	checkpoints []Checkpoint
	// frames live at the most recent failed tool call
	failStack string
}

func newExecContext(ctx context.Context, e *Executor, s *session.Session, opts Options) *execContext {
	return &execContext{ctx: ctx, exec: e, session: s, opts: opts, registry: e.registry}
}

func (c *execContext) Context() context.Context { return c.ctx }

func (c *execContext) SessionID() string { return c.session.ID }

func (c *execContext) cancelled() error {
	if c.ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(c.ctx); cause != nil {
		return cause
	}
	return c.ctx.Err()
}

// suspend pauses on a matching breakpoint, or when a step has just been
// taken, and blocks until the operator resumes the session.
func (c *execContext) suspend(bc session.BreakContext, loc *protocol.SourceLocation) error {
	if err := c.cancelled(); err != nil {
		return err
	}

	if bp := c.session.ShouldBreak(bc); bp != nil {
		hit, err := c.registry.Hit(c.session.ID, bp, loc)
		if err != nil {
			c.exec.logger.Warn("could not pause on breakpoint",
				zap.String("session_id", c.session.ID),
				zap.String("breakpoint_id", bp.ID),
				zap.Error(err),
			)
		} else {
			c.exec.timeline(debugger.EventBreakpointHit, c.session.ID, hit)
		}
	} else {
		c.session.TransitionIf(protocol.StatePaused, protocol.StateStepping)
	}

	return c.session.AwaitResume(c.ctx)
}

func (c *execContext) CallTool(name string, params map[string]any) (any, error) {
	if err := c.cancelled(); err != nil {
		return nil, err
	}

	call := protocol.ToolCall{
		ID:        uuid.NewString(),
		SessionID: c.session.ID,
		ToolName:  name,
		Params:    params,
		Timestamp: c.exec.clock.Now(),
	}
	c.session.RecordToolCall(call)
	c.exec.timeline(debugger.EventToolCall, c.session.ID, call)
	c.exec.each(func(l Listener) { l.OnToolCall(c.session, call) })

	bc := session.BreakContext{ToolName: name}
	if c.opts.DisableToolBreakpoints {
		bc = session.BreakContext{}
	}
	if err := c.suspend(bc, nil); err != nil {
		c.respond(call, nil, err, false, 0)
		return nil, err
	}

	if mock, ok := c.session.TakeMock(name); ok {
		var err error
		if mock.Error != "" {
			err = errors.New(mock.Error)
		}
		c.respond(call, mock.Value, err, true, 0)
		return mock.Value, err
	}

	tool, ok := c.exec.Tool(name)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrToolNotFound, name)
		c.respond(call, nil, err, false, 0)
		return nil, err
	}

	start := c.exec.clock.Now()
	result, err := invokeTool(c.ctx, tool, params)
	c.respond(call, result, err, false, c.exec.clock.Since(start))
	return result, err
}

func invokeTool(ctx context.Context, tool Tool, params map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return tool.Call(ctx, params)
}

func (c *execContext) respond(call protocol.ToolCall, result any, err error, mocked bool, d time.Duration) {
	resp := protocol.ToolResponse{
		CallID:     call.ID,
		SessionID:  c.session.ID,
		ToolName:   call.ToolName,
		Result:     result,
		Mocked:     mocked,
		DurationMs: d.Milliseconds(),
		Timestamp:  c.exec.clock.Now(),
	}
	if err != nil {
		resp.Error = err.Error()
		c.mu.Lock()
		c.failStack = debugger.FormatStack(c.session.Stack())
		c.mu.Unlock()
	}

	c.session.RecordToolResponse(resp)
	c.exec.timelineDuration(debugger.EventToolResponse, c.session.ID, resp, d)
	c.exec.each(func(l Listener) { l.OnToolResponse(c.session, resp) })
}

func (c *execContext) GetVariable(path string) (any, bool) {
	return c.session.Variable(path)
}

func (c *execContext) SetVariable(path string, value any) error {
	if err := c.session.SetVariable(path, value); err != nil {
		return err
	}
	c.exec.each(func(l Listener) { l.OnVariableSet(c.session, path, value) })
	return nil
}

func (c *execContext) Log(level protocol.LogLevel, message string) {
	if !level.Valid() {
		level = protocol.LogInfo
	}
	at := c.session.AppendLog(level, message)
	c.exec.timeline(debugger.EventLog, c.session.ID, map[string]any{"level": level, "message": message})
	c.exec.each(func(l Listener) { l.OnLog(c.session, level, message, at) })
}

func (c *execContext) Checkpoint(data any) {
	cp := Checkpoint{Timestamp: c.exec.clock.Now(), Data: data}

	c.mu.Lock()
	c.checkpoints = append(c.checkpoints, cp)
	c.mu.Unlock()

	c.exec.timeline(debugger.EventCheckpoint, c.session.ID, data)
	c.exec.each(func(l Listener) { l.OnCheckpoint(c.session, cp) })
}

// errorStack renders the agent's call stack for a failed execution: the
// frames at the last failed tool call, or whatever frames are still pushed.
func (c *execContext) errorStack() string {
	c.mu.Lock()
	stack := c.failStack
	c.mu.Unlock()
	if stack != "" {
		return stack
	}
	return debugger.FormatStack(c.session.Stack())
}

func (c *execContext) checkpointList() []Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Checkpoint{}, c.checkpoints...)
}

func (c *execContext) Snapshot(name string) *debugger.Snapshot {
	if c.exec.debugger == nil {
		return nil
	}
	snap := c.exec.debugger.Snapshots.Take(c.session.ID, name, c.session.Variables(), c.session.Stack(), debugger.ProcessMemory())
	c.exec.each(func(l Listener) { l.OnSnapshot(c.session, snap) })
	return snap
}

func (c *execContext) Phase(name string) error {
	return c.suspend(session.BreakContext{Phase: name}, nil)
}

func (c *execContext) Line(location string, line int) error {
	return c.suspend(
		session.BreakContext{Location: location, Line: line},
		&protocol.SourceLocation{File: location, Line: line},
	)
}

func (c *execContext) PushFrame(name string, loc *protocol.SourceLocation, vars map[string]any) {
	c.session.PushFrame(protocol.StackFrame{Name: name, Location: loc, Variables: vars})
}

func (c *execContext) PopFrame() {
	c.session.PopFrame()
}
