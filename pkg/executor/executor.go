// Package executor runs agents against an input, mediating every tool call
// through an ExecutionContext so calls can be intercepted, mocked, logged and
// checkpointed, and enforcing timeouts and cancellation.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/papercomputeco/agentdbg/pkg/debugger"
	"github.com/papercomputeco/agentdbg/pkg/protocol"
	"github.com/papercomputeco/agentdbg/pkg/session"
)

var (
	ErrAgentNotFound     = errors.New("agent not found")
	ErrToolNotFound      = errors.New("tool not found")
	ErrExecutionInFlight = errors.New("an execution is already in flight for this session")
	ErrStopped           = errors.New("execution stopped")
	ErrTimeout           = errors.New("execution timed out")
)

// DefaultTimeout bounds an execution when neither the options nor the
// executor config set one.
const DefaultTimeout = 5 * time.Minute

// Options tune a single execution.
type Options struct {
	// Timeout overrides the executor default.
	Timeout time.Duration

	// Sandboxed selects the isolated execution path.
	Sandboxed bool

	// DisableToolBreakpoints stops tool breakpoints from matching on tool
	// calls. Other breakpoint types and step mode still pause there.
	DisableToolBreakpoints bool
}

// Checkpoint is an explicit marker placed by an agent.
type Checkpoint struct {
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Result is the outcome of an execution.
type Result struct {
	SessionID   string              `json:"sessionId"`
	Success     bool                `json:"success"`
	Result      any                 `json:"result,omitempty"`
	Error       string              `json:"error,omitempty"`
	Stack       string              `json:"stack,omitempty"`
	Duration    time.Duration       `json:"duration"`
	ToolCalls   []protocol.ToolCall `json:"toolCalls"`
	Checkpoints []Checkpoint        `json:"checkpoints"`
}

// Listener observes execution activity. Callbacks run on the agent goroutine.
type Listener interface {
	OnExecutionStart(s *session.Session)
	OnToolCall(s *session.Session, call protocol.ToolCall)
	OnToolResponse(s *session.Session, resp protocol.ToolResponse)
	OnLog(s *session.Session, level protocol.LogLevel, message string, at time.Time)
	OnCheckpoint(s *session.Session, cp Checkpoint)
	OnVariableSet(s *session.Session, path string, value any)
	OnSnapshot(s *session.Session, snap *debugger.Snapshot)
	OnExecutionComplete(s *session.Session, res *Result)
}

// Config is the configuration for an Executor.
type Config struct {
	Registry *session.Registry

	// Debugger receives timeline events and snapshots. Optional.
	Debugger *debugger.Debugger

	// DefaultTimeout defaults to DefaultTimeout.
	DefaultTimeout time.Duration

	// Sandboxed makes every execution take the isolated path.
	Sandboxed bool

	Clock  clock.Clock
	Logger *zap.Logger
}

// Executor owns the agent and tool registries and the in-flight executions.
type Executor struct {
	config   *Config
	registry *session.Registry
	debugger *debugger.Debugger
	clock    clock.Clock
	logger   *zap.Logger

	regMu  sync.RWMutex
	agents map[string]agentEntry
	tools  map[string]toolEntry

	activeMu sync.Mutex
	active   map[string]context.CancelCauseFunc

	listenerMu sync.RWMutex
	listeners  []Listener
}

// New creates an Executor.
func New(c *Config) (*Executor, error) {
	if c.Registry == nil {
		return nil, errors.New("executor requires a session registry")
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	return &Executor{
		config:   c,
		registry: c.Registry,
		debugger: c.Debugger,
		clock:    c.Clock,
		logger:   c.Logger,
		agents:   map[string]agentEntry{},
		tools:    map[string]toolEntry{},
		active:   map[string]context.CancelCauseFunc{},
	}, nil
}

// AddListener registers an execution listener.
func (e *Executor) AddListener(l Listener) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	e.listeners = append(e.listeners, l)
}

func (e *Executor) each(fn func(Listener)) {
	e.listenerMu.RLock()
	ls := append([]Listener(nil), e.listeners...)
	e.listenerMu.RUnlock()
	for _, l := range ls {
		fn(l)
	}
}

// ExecuteAgent runs agentID on input inside session sessionID and blocks until
// it finishes. It fails fast with an error when the session or agent is
// unknown, or another execution of the session is in flight. Failures of the
// agent itself, cancellation and timeouts are reported in the Result.
func (e *Executor) ExecuteAgent(ctx context.Context, sessionID, agentID string, input any, opts Options) (*Result, error) {
	s, ok := e.registry.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrSessionNotFound, sessionID)
	}
	agent, ok := e.Agent(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	if !e.acquire(sessionID, cancel) {
		cancel(nil)
		return nil, fmt.Errorf("%w: %s", ErrExecutionInFlight, sessionID)
	}
	defer e.release(sessionID, cancel)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.config.DefaultTimeout
	}
	timer := e.clock.AfterFunc(timeout, func() { cancel(ErrTimeout) })
	defer timer.Stop()

	if err := s.Transition(protocol.StateRunning); err != nil {
		return nil, err
	}

	start := e.clock.Now()
	e.timeline(debugger.EventExecutionStart, sessionID, map[string]any{"agentId": agentID})
	e.each(func(l Listener) { l.OnExecutionStart(s) })
	e.logger.Debug("execution started",
		zap.String("session_id", sessionID),
		zap.String("agent_id", agentID),
		zap.Duration("timeout", timeout),
	)

	ec := newExecContext(runCtx, e, s, opts)

	var (
		out      any
		runErr   error
		errStack string
	)
	if opts.Sandboxed || e.config.Sandboxed {
		out, errStack, runErr = e.runSandboxed(ec, agent, input)
	} else {
		out, errStack, runErr = runGuarded(ec, agent, input)
	}

	// a cancelled execution is a failure even if the agent swallowed it
	if cause := context.Cause(runCtx); cause != nil && (runErr == nil || errors.Is(runErr, context.Canceled)) {
		runErr = cause
	}

	res := &Result{
		SessionID:   sessionID,
		Duration:    e.clock.Since(start),
		ToolCalls:   s.ToolCalls(),
		Checkpoints: ec.checkpointList(),
	}
	if runErr == nil {
		res.Success = true
		res.Result = out
		s.SetOutcome(out, "")
		e.finish(s, protocol.StateCompleted)
	} else {
		res.Error = runErr.Error()
		res.Stack = errStack
		if res.Stack == "" {
			res.Stack = ec.errorStack()
		}
		s.SetOutcome(nil, res.Error)
		e.finish(s, protocol.StateError)
	}

	e.timelineDuration(debugger.EventExecutionEnd, sessionID, map[string]any{
		"success": res.Success,
		"error":   res.Error,
	}, res.Duration)
	e.logger.Debug("execution finished",
		zap.String("session_id", sessionID),
		zap.Bool("success", res.Success),
		zap.Duration("duration", res.Duration),
		zap.String("error", res.Error),
	)
	e.each(func(l Listener) { l.OnExecutionComplete(s, res) })

	return res, nil
}

// finish walks the session into a terminal state. A session caught mid step
// or pause is first resumed so the recorded path stays on the machine.
func (e *Executor) finish(s *session.Session, to protocol.SessionState) {
	if to == protocol.StateCompleted {
		s.TransitionIf(protocol.StateRunning, protocol.StateStepping, protocol.StatePaused)
	}
	if err := s.Transition(to); err != nil {
		e.logger.Warn("could not finalize session state",
			zap.String("session_id", s.ID),
			zap.String("state", string(to)),
			zap.Error(err),
		)
	}
}

func runGuarded(ec *execContext, agent Agent, input any) (out any, stack string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent panicked: %v", r)
			stack = string(debug.Stack())
		}
	}()
	out, err = agent.Run(ec, input)
	return out, "", err
}

// runSandboxed is the isolated execution path. It runs the agent on its own
// goroutine behind a panic boundary and otherwise behaves like the direct
// path: same context, same cooperative cancellation.
func (e *Executor) runSandboxed(ec *execContext, agent Agent, input any) (any, string, error) {
	type outcome struct {
		out   any
		err   error
		stack string
	}
	e.logger.Debug("running agent sandboxed", zap.String("session_id", ec.session.ID))

	done := make(chan outcome, 1)
	go func() {
		out, stack, err := runGuarded(ec, agent, input)
		done <- outcome{out: out, err: err, stack: stack}
	}()
	o := <-done
	return o.out, o.stack, o.err
}

func (e *Executor) acquire(sessionID string, cancel context.CancelCauseFunc) bool {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	if _, busy := e.active[sessionID]; busy {
		return false
	}
	e.active[sessionID] = cancel
	return true
}

func (e *Executor) release(sessionID string, cancel context.CancelCauseFunc) {
	e.activeMu.Lock()
	delete(e.active, sessionID)
	e.activeMu.Unlock()
	cancel(nil)
}

// Stop cancels the in-flight execution of a session. The agent observes it at
// its next suspension point.
func (e *Executor) Stop(sessionID string) bool {
	e.activeMu.Lock()
	cancel, ok := e.active[sessionID]
	e.activeMu.Unlock()
	if !ok {
		return false
	}
	cancel(ErrStopped)
	e.logger.Debug("execution stop requested", zap.String("session_id", sessionID))
	return true
}

// StopAll cancels every in-flight execution.
func (e *Executor) StopAll() int {
	e.activeMu.Lock()
	cancels := make([]context.CancelCauseFunc, 0, len(e.active))
	for _, c := range e.active {
		cancels = append(cancels, c)
	}
	e.activeMu.Unlock()
	for _, c := range cancels {
		c(ErrStopped)
	}
	return len(cancels)
}

// IsActive reports whether a session has an execution in flight.
func (e *Executor) IsActive(sessionID string) bool {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	_, ok := e.active[sessionID]
	return ok
}

// ActiveCount returns the number of in-flight executions.
func (e *Executor) ActiveCount() int {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	return len(e.active)
}

func (e *Executor) timeline(kind debugger.EventKind, sessionID string, payload any) {
	if e.debugger != nil {
		e.debugger.Timeline.Add(kind, sessionID, payload)
	}
}

func (e *Executor) timelineDuration(kind debugger.EventKind, sessionID string, payload any, d time.Duration) {
	if e.debugger != nil {
		e.debugger.Timeline.AddWithDuration(kind, sessionID, payload, d)
	}
}
