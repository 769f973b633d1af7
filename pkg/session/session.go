package session

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/papercomputeco/agentdbg/pkg/debugger"
	"github.com/papercomputeco/agentdbg/pkg/expr"
	"github.com/papercomputeco/agentdbg/pkg/protocol"
	"github.com/papercomputeco/agentdbg/pkg/varpath"
)

// HistoryKind classifies a history entry.
type HistoryKind string

const (
	HistoryStateChange   HistoryKind = "state_change"
	HistoryToolCall      HistoryKind = "tool_call"
	HistoryToolResponse  HistoryKind = "tool_response"
	HistoryBreakpointHit HistoryKind = "breakpoint_hit"
	HistoryLog           HistoryKind = "log"
	HistoryVariable      HistoryKind = "variable"
)

// HistoryEntry is one append-only record of something that happened to a session.
type HistoryEntry struct {
	Timestamp time.Time   `json:"timestamp"`
	Kind      HistoryKind `json:"kind"`
	Payload   any         `json:"payload,omitempty"`
}

// StateChange is the payload of a HistoryStateChange entry.
type StateChange struct {
	From protocol.SessionState `json:"from"`
	To   protocol.SessionState `json:"to"`
}

// MockResult is a substitute tool response.
type MockResult struct {
	Value    any
	Error    string
	Replayed bool
}

// BreakContext describes the point an agent has reached. Only the fields
// relevant to the current unit of work are set.
type BreakContext struct {
	Location  string
	Line      int
	ToolName  string
	Phase     string
	Variables map[string]any
}

// Session is one debugging run of one agent. All methods are safe for
// concurrent use.
type Session struct {
	ID        string
	AgentID   string
	CreatedAt time.Time

	registry *Registry
	clock    clock.Clock

	// emitMu serializes transition notifications so listeners observe them in
	// the order they happened.
	emitMu sync.Mutex
	mu     sync.Mutex

	state       protocol.SessionState
	input       any
	result      any
	errMsg      string
	endedAt     *time.Time
	duration    time.Duration
	recordingID string
	replayOf    string

	breakpoints       []*protocol.Breakpoint
	currentBreakpoint *protocol.Breakpoint
	stack             []protocol.StackFrame
	variables         map[string]any
	watches           []string
	conditions        map[string]*expr.Expr

	mocks    map[string]any
	replay   map[string][]MockResult
	stepMode bool
	resume   chan struct{}

	history       []HistoryEntry
	toolCalls     []protocol.ToolCall
	toolResponses map[string]protocol.ToolResponse
}

func newSession(r *Registry, agentID string, input any) *Session {
	return &Session{
		ID:            uuid.NewString(),
		AgentID:       agentID,
		CreatedAt:     r.clock.Now(),
		registry:      r,
		clock:         r.clock,
		state:         protocol.StateIdle,
		input:         input,
		variables:     map[string]any{},
		conditions:    map[string]*expr.Expr{},
		mocks:         map[string]any{},
		replay:        map[string][]MockResult{},
		toolResponses: map[string]protocol.ToolResponse{},
	}
}

// State returns the current state.
func (s *Session) State() protocol.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Input returns the value the agent was started with.
func (s *Session) Input() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input
}

// Outcome returns the result and error message captured when the session ended.
func (s *Session) Outcome() (any, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.errMsg
}

// SetOutcome stores the agent result or failure.
func (s *Session) SetOutcome(result any, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = result
	s.errMsg = errMsg
}

// RecordingID returns the id of the recording attached to this session.
func (s *Session) RecordingID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordingID
}

// SetRecordingID attaches a recording.
func (s *Session) SetRecordingID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordingID = id
}

// ReplayOf returns the recording this session replays, if any.
func (s *Session) ReplayOf() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replayOf
}

// Transition moves the session to another state. Entering a terminal state
// stamps the end time and duration.
func (s *Session) Transition(to protocol.SessionState) error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	from := s.state
	at, err := s.transitionLocked(to)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.registry.notifyState(s, from, to, at)
	return nil
}

// TransitionIf moves the session to another state only when it is currently
// in one of from. It reports whether the transition happened.
func (s *Session) TransitionIf(to protocol.SessionState, from ...protocol.SessionState) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	prev := s.state
	if !slices.Contains(from, prev) {
		s.mu.Unlock()
		return false
	}
	at, err := s.transitionLocked(to)
	s.mu.Unlock()
	if err != nil {
		return false
	}

	s.registry.notifyState(s, prev, to, at)
	return true
}

func (s *Session) transitionLocked(to protocol.SessionState) (time.Time, error) {
	from := s.state
	if !CanTransition(from, to) {
		return time.Time{}, transitionError(from, to)
	}

	now := s.clock.Now()
	s.state = to
	s.history = append(s.history, HistoryEntry{Timestamp: now, Kind: HistoryStateChange, Payload: StateChange{From: from, To: to}})

	if from == protocol.StatePaused {
		s.currentBreakpoint = nil
		if s.resume != nil {
			close(s.resume)
			s.resume = nil
		}
	}

	switch to {
	case protocol.StatePaused:
		s.resume = make(chan struct{})
	case protocol.StateRunning:
		s.stepMode = false
	case protocol.StateStepping:
		s.stepMode = true
	case protocol.StateCompleted, protocol.StateError:
		s.stepMode = false
		s.endedAt = &now
		s.duration = now.Sub(s.CreatedAt)
	}

	return now, nil
}

// hit pauses the session on bp. A session that is already paused keeps its
// state and only records the breakpoint.
func (s *Session) hit(bp *protocol.Breakpoint, loc *protocol.SourceLocation) (*protocol.Breakpoint, []protocol.StackFrame, error) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	from := s.state
	var (
		at  time.Time
		err error
	)
	if from != protocol.StatePaused {
		at, err = s.transitionLocked(protocol.StatePaused)
		if err != nil {
			s.mu.Unlock()
			return nil, nil, err
		}
	} else {
		at = s.clock.Now()
	}

	stored := s.findBreakpointLocked(bp.ID)
	if stored == nil {
		stored = bp
	}
	stored.HitCount++
	stored.LastHitAt = &at

	hit := stored.Clone()
	s.currentBreakpoint = hit
	stack := cloneStack(s.stack)
	s.history = append(s.history, HistoryEntry{Timestamp: at, Kind: HistoryBreakpointHit, Payload: map[string]any{
		"breakpoint": hit,
		"location":   loc,
	}})
	s.mu.Unlock()

	if from != protocol.StatePaused {
		s.registry.notifyState(s, from, protocol.StatePaused, at)
	}
	s.registry.notifyHit(s, hit, loc, stack)
	return hit, stack, nil
}

// AwaitResume blocks while the session is paused. It returns nil once a
// continue or step has been issued, or the cause of ctx when it ends first.
func (s *Session) AwaitResume(ctx context.Context) error {
	s.mu.Lock()
	if s.state != protocol.StatePaused || s.resume == nil {
		s.mu.Unlock()
		return nil
	}
	ch := s.resume
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		if err := context.Cause(ctx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

// CurrentBreakpoint returns the breakpoint the session is paused on.
func (s *Session) CurrentBreakpoint() *protocol.Breakpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentBreakpoint.Clone()
}

// StepMode reports whether the session is single stepping.
func (s *Session) StepMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepMode
}

// AddBreakpoint registers bp, assigning an id when it has none.
func (s *Session) AddBreakpoint(bp *protocol.Breakpoint) *protocol.Breakpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := bp.Clone()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.clock.Now()
	}

	// replacing keeps the original registration slot
	for i, existing := range s.breakpoints {
		if existing.ID == b.ID {
			s.breakpoints[i] = b
			return b.Clone()
		}
	}
	s.breakpoints = append(s.breakpoints, b)
	return b.Clone()
}

// RemoveBreakpoint deletes a breakpoint by id.
func (s *Session) RemoveBreakpoint(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := len(s.breakpoints)
	s.breakpoints = slices.DeleteFunc(s.breakpoints, func(b *protocol.Breakpoint) bool { return b.ID == id })
	return len(s.breakpoints) != before
}

// SetBreakpointEnabled enables or disables a breakpoint.
func (s *Session) SetBreakpointEnabled(id string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.findBreakpointLocked(id)
	if b == nil {
		return false
	}
	b.Enabled = enabled
	return true
}

// ToggleBreakpoint flips the enabled flag and returns the new value.
func (s *Session) ToggleBreakpoint(id string) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.findBreakpointLocked(id)
	if b == nil {
		return false, false
	}
	b.Enabled = !b.Enabled
	return b.Enabled, true
}

// Breakpoints returns copies of the breakpoints in registration order.
func (s *Session) Breakpoints() []*protocol.Breakpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Map(s.breakpoints, func(b *protocol.Breakpoint, _ int) *protocol.Breakpoint { return b.Clone() })
}

func (s *Session) findBreakpointLocked(id string) *protocol.Breakpoint {
	for _, b := range s.breakpoints {
		if b.ID == id {
			return b
		}
	}
	return nil
}

// ShouldBreak returns the first enabled breakpoint, in registration order,
// that matches bc. Conditional breakpoints see bc.Variables or, when nil, the
// session variables overlaid with the call stack scope. A condition that fails
// to compile or evaluate does not match.
func (s *Session) ShouldBreak(bc BreakContext) *protocol.Breakpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	var scope map[string]any
	for _, b := range s.breakpoints {
		if !b.Enabled {
			continue
		}

		switch b.Type {
		case protocol.BreakpointLine:
			if bc.Location != "" && b.Location == bc.Location && b.Line == bc.Line {
				return b.Clone()
			}
		case protocol.BreakpointTool:
			if bc.ToolName != "" && b.ToolName == bc.ToolName {
				return b.Clone()
			}
		case protocol.BreakpointPhase:
			if bc.Phase != "" && b.Phase == bc.Phase {
				return b.Clone()
			}
		case protocol.BreakpointConditional:
			if scope == nil {
				scope = bc.Variables
				if scope == nil {
					scope = s.scopeLocked()
				}
			}
			if s.conditionLocked(b.Condition).Match(scope) {
				return b.Clone()
			}
		}
	}
	return nil
}

// neverMatch stands in for conditions that do not compile.
var neverMatch = expr.MustCompile("false")

func (s *Session) conditionLocked(src string) *expr.Expr {
	if e, ok := s.conditions[src]; ok {
		return e
	}
	e, err := expr.Compile(src)
	if err != nil {
		e = neverMatch
	}
	s.conditions[src] = e
	return e
}

func (s *Session) scopeLocked() map[string]any {
	scope := make(map[string]any, len(s.variables))
	for k, v := range s.variables {
		scope[k] = v
	}
	for k, v := range debugger.FlattenScope(s.stack) {
		scope[k] = v
	}
	return scope
}

// SetMock installs a mock response for a tool.
func (s *Session) SetMock(toolName string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mocks[toolName] = value
}

// ClearMock removes a mock response.
func (s *Session) ClearMock(toolName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.mocks[toolName]
	delete(s.mocks, toolName)
	return ok
}

// MockNames lists tools with a mock installed.
func (s *Session) MockNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := lo.Keys(s.mocks)
	slices.Sort(names)
	return names
}

// EnqueueReplay appends recorded responses served in order for a tool.
func (s *Session) EnqueueReplay(toolName string, responses ...MockResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range responses {
		r.Replayed = true
		s.replay[toolName] = append(s.replay[toolName], r)
	}
}

// TakeMock returns the substitute response for a tool call. A mock installed
// by name always wins; otherwise the next queued replay response is consumed.
func (s *Session) TakeMock(toolName string) (MockResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.mocks[toolName]; ok {
		return MockResult{Value: v}, true
	}
	q := s.replay[toolName]
	if len(q) == 0 {
		return MockResult{}, false
	}
	s.replay[toolName] = q[1:]
	return q[0], true
}

// Variable resolves a dotted path against the session variables, falling back
// to the call stack scope for names not set at session level.
func (s *Session) Variable(path string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := varpath.Get(s.variables, path); ok {
		return v, true
	}
	return varpath.Get(debugger.FlattenScope(s.stack), path)
}

// SetVariable writes a dotted path and records it in the history.
func (s *Session) SetVariable(path string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	root, v, err := varpath.Set(s.variables, path, value)
	if err != nil {
		return err
	}
	s.variables[root] = v
	s.history = append(s.history, HistoryEntry{
		Timestamp: s.clock.Now(),
		Kind:      HistoryVariable,
		Payload:   map[string]any{"path": path, "value": value},
	})
	return nil
}

// Variables returns a shallow copy of the session variables.
func (s *Session) Variables() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.variables))
	for k, v := range s.variables {
		out[k] = v
	}
	return out
}

// Watch adds a path to the watch set.
func (s *Session) Watch(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.watches, path) {
		s.watches = append(s.watches, path)
	}
}

// Unwatch removes a path from the watch set.
func (s *Session) Unwatch(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.watches)
	s.watches = slices.DeleteFunc(s.watches, func(p string) bool { return p == path })
	return len(s.watches) != before
}

// Watches returns the watched paths.
func (s *Session) Watches() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.watches)
}

// PushFrame enters a call frame.
func (s *Session) PushFrame(frame protocol.StackFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stack = append(s.stack, frame)
}

// PopFrame leaves the innermost call frame.
func (s *Session) PopFrame() (protocol.StackFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.stack) == 0 {
		return protocol.StackFrame{}, false
	}
	f := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return f, true
}

// Stack returns a copy of the call stack, outermost frame first.
func (s *Session) Stack() []protocol.StackFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneStack(s.stack)
}

// RecordToolCall appends a tool call to the session.
func (s *Session) RecordToolCall(call protocol.ToolCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolCalls = append(s.toolCalls, call)
	s.history = append(s.history, HistoryEntry{Timestamp: call.Timestamp, Kind: HistoryToolCall, Payload: call})
}

// RecordToolResponse stores the response for a previously recorded call.
func (s *Session) RecordToolResponse(resp protocol.ToolResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolResponses[resp.CallID] = resp
	s.history = append(s.history, HistoryEntry{Timestamp: resp.Timestamp, Kind: HistoryToolResponse, Payload: resp})
}

// ToolCalls returns the tool calls in issue order.
func (s *Session) ToolCalls() []protocol.ToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.toolCalls)
}

// ToolResponse returns the response to a call.
func (s *Session) ToolResponse(callID string) (protocol.ToolResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.toolResponses[callID]
	return r, ok
}

// AppendLog records a log line in the history.
func (s *Session) AppendLog(level protocol.LogLevel, message string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.history = append(s.history, HistoryEntry{
		Timestamp: now,
		Kind:      HistoryLog,
		Payload:   map[string]any{"level": level, "message": message},
	})
	return now
}

// History returns a copy of the history.
func (s *Session) History() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

// StatePath returns the states entered, in order, read from the history.
func (s *Session) StatePath() []protocol.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	var path []protocol.SessionState
	for _, h := range s.history {
		if sc, ok := h.Payload.(StateChange); ok {
			path = append(path, sc.To)
		}
	}
	return path
}

// Info summarizes the session.
func (s *Session) Info() protocol.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

func (s *Session) infoLocked() protocol.SessionInfo {
	info := protocol.SessionInfo{
		ID:          s.ID,
		AgentID:     s.AgentID,
		State:       s.state,
		CreatedAt:   s.CreatedAt,
		ToolCalls:   len(s.toolCalls),
		Breakpoints: len(s.breakpoints),
		RecordingID: s.recordingID,
	}
	if s.endedAt != nil {
		t := *s.endedAt
		info.EndedAt = &t
		info.DurationMs = s.duration.Milliseconds()
	}
	return info
}

// Detail is the full inspectable view of a session.
type Detail struct {
	protocol.SessionInfo
	Input             any                              `json:"input"`
	Result            any                              `json:"result,omitempty"`
	Error             string                           `json:"error,omitempty"`
	ReplayOf          string                           `json:"replayOf,omitempty"`
	CurrentBreakpoint *protocol.Breakpoint             `json:"currentBreakpoint,omitempty"`
	StepMode          bool                             `json:"stepMode"`
	Stack             []protocol.StackFrame            `json:"stack"`
	Variables         map[string]any                   `json:"variables"`
	Watches           []string                         `json:"watches"`
	BreakpointList    []*protocol.Breakpoint           `json:"breakpointList"`
	Mocks             []string                         `json:"mocks"`
	History           []HistoryEntry                   `json:"history"`
	ToolCallList      []protocol.ToolCall              `json:"toolCallList"`
	ToolResponses     map[string]protocol.ToolResponse `json:"toolResponses"`
}

// Detail returns a point in time copy of everything the session holds.
func (s *Session) Detail() Detail {
	s.mu.Lock()
	defer s.mu.Unlock()

	vars := make(map[string]any, len(s.variables))
	for k, v := range s.variables {
		vars[k] = v
	}
	responses := make(map[string]protocol.ToolResponse, len(s.toolResponses))
	for k, v := range s.toolResponses {
		responses[k] = v
	}
	mocks := lo.Keys(s.mocks)
	slices.Sort(mocks)

	return Detail{
		SessionInfo:       s.infoLocked(),
		Input:             s.input,
		Result:            s.result,
		Error:             s.errMsg,
		ReplayOf:          s.replayOf,
		CurrentBreakpoint: s.currentBreakpoint.Clone(),
		StepMode:          s.stepMode,
		Stack:             cloneStack(s.stack),
		Variables:         vars,
		Watches:           slices.Clone(s.watches),
		BreakpointList:    lo.Map(s.breakpoints, func(b *protocol.Breakpoint, _ int) *protocol.Breakpoint { return b.Clone() }),
		Mocks:             mocks,
		History:           slices.Clone(s.history),
		ToolCallList:      slices.Clone(s.toolCalls),
		ToolResponses:     responses,
	}
}

func cloneStack(stack []protocol.StackFrame) []protocol.StackFrame {
	out := make([]protocol.StackFrame, len(stack))
	for i, f := range stack {
		out[i] = f
		if f.Location != nil {
			loc := *f.Location
			out[i].Location = &loc
		}
		if f.Variables != nil {
			vars := make(map[string]any, len(f.Variables))
			for k, v := range f.Variables {
				vars[k] = v
			}
			out[i].Variables = vars
		}
	}
	return out
}
