package debugger

import (
	"slices"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/papercomputeco/agentdbg/pkg/protocol"
)

// BreakpointManager is a session independent breakpoint set. The engine keeps
// one as the global set copied into each new session.
type BreakpointManager struct {
	clock clock.Clock

	mu          sync.RWMutex
	breakpoints []*protocol.Breakpoint
}

// NewBreakpointManager creates an empty manager.
func NewBreakpointManager(clk clock.Clock) *BreakpointManager {
	if clk == nil {
		clk = clock.New()
	}
	return &BreakpointManager{clock: clk}
}

// Create validates and stores a breakpoint, assigning an id when missing.
func (m *BreakpointManager) Create(bp *protocol.Breakpoint) (*protocol.Breakpoint, error) {
	if err := bp.Validate(); err != nil {
		return nil, err
	}

	b := bp.Clone()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = m.clock.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if i := slices.IndexFunc(m.breakpoints, func(x *protocol.Breakpoint) bool { return x.ID == b.ID }); i >= 0 {
		m.breakpoints[i] = b
	} else {
		m.breakpoints = append(m.breakpoints, b)
	}
	return b.Clone(), nil
}

// Get returns a breakpoint by id.
func (m *BreakpointManager) Get(id string) (*protocol.Breakpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b := m.find(id)
	return b.Clone(), b != nil
}

// Enable sets the enabled flag.
func (m *BreakpointManager) Enable(id string) bool { return m.setEnabled(id, true) }

// Disable clears the enabled flag.
func (m *BreakpointManager) Disable(id string) bool { return m.setEnabled(id, false) }

func (m *BreakpointManager) setEnabled(id string, enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.find(id)
	if b == nil {
		return false
	}
	b.Enabled = enabled
	return true
}

// Toggle flips the enabled flag, returning the new value.
func (m *BreakpointManager) Toggle(id string) (enabled bool, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.find(id)
	if b == nil {
		return false, false
	}
	b.Enabled = !b.Enabled
	return b.Enabled, true
}

// Remove deletes a breakpoint.
func (m *BreakpointManager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := len(m.breakpoints)
	m.breakpoints = slices.DeleteFunc(m.breakpoints, func(b *protocol.Breakpoint) bool { return b.ID == id })
	return len(m.breakpoints) != before
}

// Clear removes every breakpoint.
func (m *BreakpointManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakpoints = nil
}

// List returns every breakpoint in registration order.
func (m *BreakpointManager) List() []*protocol.Breakpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Map(m.breakpoints, func(b *protocol.Breakpoint, _ int) *protocol.Breakpoint { return b.Clone() })
}

// ByType returns the breakpoints of one type.
func (m *BreakpointManager) ByType(t protocol.BreakpointType) []*protocol.Breakpoint {
	return lo.Filter(m.List(), func(b *protocol.Breakpoint, _ int) bool { return b.Type == t })
}

// ByLocation returns line breakpoints in a file. A positive line narrows the
// result to that line.
func (m *BreakpointManager) ByLocation(location string, line int) []*protocol.Breakpoint {
	return lo.Filter(m.List(), func(b *protocol.Breakpoint, _ int) bool {
		return b.Type == protocol.BreakpointLine && b.Location == location && (line <= 0 || b.Line == line)
	})
}

func (m *BreakpointManager) find(id string) *protocol.Breakpoint {
	for _, b := range m.breakpoints {
		if b.ID == id {
			return b
		}
	}
	return nil
}
