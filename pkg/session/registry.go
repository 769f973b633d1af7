// Package session owns the lifecycle of debugging sessions: the state
// machine, breakpoint matching, mocks, variables and the append-only history.
package session

import (
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/papercomputeco/agentdbg/pkg/protocol"
)

var defaultMaxSessions = 100

// Listener observes session events. Callbacks run on the goroutine that
// caused the event, after the session lock is released.
type Listener interface {
	OnStateChanged(s *Session, from, to protocol.SessionState, at time.Time)
	OnBreakpointHit(s *Session, bp *protocol.Breakpoint, loc *protocol.SourceLocation, stack []protocol.StackFrame)
}

// Config is the configuration for a Registry.
type Config struct {
	// MaxSessions bounds the number of retained sessions. Once exceeded, the
	// oldest terminal sessions are evicted. Running sessions are never evicted.
	MaxSessions int

	// Clock defaults to the wall clock.
	Clock clock.Clock

	Logger *zap.Logger
}

// CreateOptions seeds a new session.
type CreateOptions struct {
	Breakpoints []*protocol.Breakpoint
	Mocks       map[string]any
	ReplayOf    string
}

// Registry holds every live session.
type Registry struct {
	config *Config
	clock  clock.Clock
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string

	listenerMu sync.RWMutex
	listeners  []Listener
}

// NewRegistry creates an empty registry.
func NewRegistry(c *Config) *Registry {
	if c == nil {
		c = &Config{}
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = defaultMaxSessions
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	return &Registry{
		config:   c,
		clock:    c.Clock,
		logger:   c.Logger,
		sessions: map[string]*Session{},
	}
}

// AddListener registers a listener for every session.
func (r *Registry) AddListener(l Listener) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Create registers a new idle session.
func (r *Registry) Create(agentID string, input any, opts CreateOptions) *Session {
	s := newSession(r, agentID, input)
	s.replayOf = opts.ReplayOf
	for _, bp := range opts.Breakpoints {
		s.AddBreakpoint(bp)
	}
	for name, v := range opts.Mocks {
		s.mocks[name] = v
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.order = append(r.order, s.ID)
	evicted := r.evictLocked()
	r.mu.Unlock()

	r.logger.Debug("session created",
		zap.String("session_id", s.ID),
		zap.String("agent_id", agentID),
	)
	for _, id := range evicted {
		r.logger.Debug("session evicted", zap.String("session_id", id))
	}
	return s
}

// evictLocked drops terminal sessions, oldest first, until the registry is
// back under capacity or only live sessions remain.
func (r *Registry) evictLocked() []string {
	var evicted []string
	for len(r.sessions) > r.config.MaxSessions {
		idx := slices.IndexFunc(r.order, func(id string) bool {
			return r.sessions[id].State().IsTerminal()
		})
		if idx < 0 {
			break
		}
		id := r.order[idx]
		delete(r.sessions, id)
		r.order = slices.Delete(r.order, idx, idx+1)
		evicted = append(evicted, id)
	}
	return evicted
}

// Get looks up a session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes a session regardless of its state.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })
	return true
}

// Sessions returns all sessions in creation order.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sessions[id])
	}
	return out
}

// List summarizes all sessions in creation order.
func (r *Registry) List() []protocol.SessionInfo {
	sessions := r.Sessions()
	out := make([]protocol.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// Len returns the number of retained sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CountByState counts sessions per state. Every state is present.
func (r *Registry) CountByState() map[protocol.SessionState]int {
	counts := make(map[protocol.SessionState]int, len(protocol.AllStates()))
	for _, st := range protocol.AllStates() {
		counts[st] = 0
	}
	for _, s := range r.Sessions() {
		counts[s.State()]++
	}
	return counts
}

// Transition moves a session to another state.
func (r *Registry) Transition(id string, to protocol.SessionState) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	return s.Transition(to)
}

// Step resumes a paused session for one unit of work.
func (r *Registry) Step(id string) bool {
	return r.resume(id, protocol.StateStepping)
}

// Continue resumes a paused session.
func (r *Registry) Continue(id string) bool {
	return r.resume(id, protocol.StateRunning)
}

func (r *Registry) resume(id string, to protocol.SessionState) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	return s.TransitionIf(to, protocol.StatePaused)
}

// Pause suspends a running or stepping session. The agent blocks at its next
// suspension point.
func (r *Registry) Pause(id string) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	return s.TransitionIf(protocol.StatePaused, protocol.StateRunning, protocol.StateStepping)
}

// ShouldBreak matches bc against the session breakpoints.
func (r *Registry) ShouldBreak(id string, bc BreakContext) *protocol.Breakpoint {
	s, ok := r.Get(id)
	if !ok {
		return nil
	}
	return s.ShouldBreak(bc)
}

// Hit pauses a session on a matched breakpoint, recording the hit and the
// current stack.
func (r *Registry) Hit(id string, bp *protocol.Breakpoint, loc *protocol.SourceLocation) (*protocol.Breakpoint, error) {
	s, ok := r.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	hit, _, err := s.hit(bp, loc)
	return hit, err
}

// AddBreakpoint adds a breakpoint to a session.
func (r *Registry) AddBreakpoint(id string, bp *protocol.Breakpoint) (*protocol.Breakpoint, bool) {
	s, ok := r.Get(id)
	if !ok {
		return nil, false
	}
	return s.AddBreakpoint(bp), true
}

// RemoveBreakpoint removes a breakpoint from a session.
func (r *Registry) RemoveBreakpoint(id, breakpointID string) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	return s.RemoveBreakpoint(breakpointID)
}

// SetMock installs a mock response on a session.
func (r *Registry) SetMock(id, toolName string, value any) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	s.SetMock(toolName, value)
	return true
}

// Inspect reads a variable. found is false when either the session or the
// path is unknown.
func (r *Registry) Inspect(id, path string) (any, bool) {
	s, ok := r.Get(id)
	if !ok {
		return nil, false
	}
	return s.Variable(path)
}

func (r *Registry) snapshotListeners() []Listener {
	r.listenerMu.RLock()
	defer r.listenerMu.RUnlock()
	return slices.Clone(r.listeners)
}

func (r *Registry) notifyState(s *Session, from, to protocol.SessionState, at time.Time) {
	r.logger.Debug("session state changed",
		zap.String("session_id", s.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	for _, l := range r.snapshotListeners() {
		l.OnStateChanged(s, from, to, at)
	}
}

func (r *Registry) notifyHit(s *Session, bp *protocol.Breakpoint, loc *protocol.SourceLocation, stack []protocol.StackFrame) {
	r.logger.Debug("breakpoint hit",
		zap.String("session_id", s.ID),
		zap.String("breakpoint_id", bp.ID),
		zap.String("breakpoint_type", string(bp.Type)),
	)
	for _, l := range r.snapshotListeners() {
		l.OnBreakpointHit(s, bp, loc, stack)
	}
}
