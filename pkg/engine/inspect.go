package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/papercomputeco/agentdbg/pkg/debugger"
	"github.com/papercomputeco/agentdbg/pkg/protocol"
	"github.com/papercomputeco/agentdbg/pkg/session"
	"github.com/papercomputeco/agentdbg/pkg/worker"
)

var (
	ErrWatchNotFound      = errors.New("watch not found")
	ErrBreakpointNotFound = errors.New("breakpoint not found")
	ErrSnapshotNotFound   = errors.New("snapshot not found")
	ErrFrameNotFound      = errors.New("frame not found")
)

// StackTrace is a session's call stack as frames and as rendered text.
type StackTrace struct {
	SessionID string                `json:"sessionId"`
	Frames    []protocol.StackFrame `json:"frames"`
	Trace     string                `json:"trace"`
}

func (e *Engine) session(id string) (*session.Session, error) {
	s, ok := e.sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrSessionNotFound, id)
	}
	return s, nil
}

// AddWatch follows path in one session, or in every session when sessionID
// is empty. A session watch also joins the session's own watch set so it
// shows up in the session detail.
func (e *Engine) AddWatch(sessionID, path, condition string) (*debugger.Watch, error) {
	if strings.TrimSpace(path) == "" {
		return nil, &protocol.ValidationError{Field: "path", Reason: "is required"}
	}

	var s *session.Session
	if sessionID != "" {
		var err error
		if s, err = e.session(sessionID); err != nil {
			return nil, err
		}
	}

	w, err := e.debugger.Watches.Add(sessionID, path, condition)
	if err != nil {
		return nil, &protocol.ValidationError{Field: "condition", Reason: err.Error()}
	}
	if s != nil {
		s.Watch(path)
	}

	e.logger.Debug("watch added",
		zap.String("watch_id", w.ID),
		zap.String("session_id", sessionID),
		zap.String("path", path),
	)
	return w, nil
}

// RemoveWatch deletes a watch. The path leaves the session's watch set once
// no other watch on that session follows it.
func (e *Engine) RemoveWatch(id string) error {
	w, ok := e.debugger.Watches.Get(id)
	if !ok || !e.debugger.Watches.Remove(id) {
		return fmt.Errorf("%w: %s", ErrWatchNotFound, id)
	}
	if w.SessionID == "" {
		return nil
	}

	still := lo.ContainsBy(e.debugger.Watches.List(w.SessionID), func(x *debugger.Watch) bool {
		return x.SessionID == w.SessionID && x.Path == w.Path
	})
	if s, ok := e.sessions.Get(w.SessionID); ok && !still {
		s.Unwatch(w.Path)
	}
	return nil
}

// Watches lists the watches that apply to a session, or all of them.
func (e *Engine) Watches(sessionID string) []*debugger.Watch {
	return e.debugger.Watches.List(sessionID)
}

// Breakpoints lists a session's breakpoints, or the global ones when
// sessionID is empty.
func (e *Engine) Breakpoints(sessionID string) ([]*protocol.Breakpoint, error) {
	if sessionID == "" {
		return e.debugger.Breakpoints.List(), nil
	}
	s, err := e.session(sessionID)
	if err != nil {
		return nil, err
	}
	return s.Breakpoints(), nil
}

// SetBreakpointEnabled enables or disables a breakpoint. A nil enabled flips
// the current flag. Session breakpoints are journaled.
func (e *Engine) SetBreakpointEnabled(sessionID, id string, enabled *bool) (*protocol.Breakpoint, error) {
	notFound := fmt.Errorf("%w: %s", ErrBreakpointNotFound, id)

	if sessionID == "" {
		m := e.debugger.Breakpoints
		var ok bool
		switch {
		case enabled == nil:
			_, ok = m.Toggle(id)
		case *enabled:
			ok = m.Enable(id)
		default:
			ok = m.Disable(id)
		}
		if !ok {
			return nil, notFound
		}
		bp, _ := m.Get(id)
		return bp, nil
	}

	s, err := e.session(sessionID)
	if err != nil {
		return nil, err
	}
	var ok bool
	if enabled == nil {
		_, ok = s.ToggleBreakpoint(id)
	} else {
		ok = s.SetBreakpointEnabled(id, *enabled)
	}
	if !ok {
		return nil, notFound
	}

	bp, found := lo.Find(s.Breakpoints(), func(b *protocol.Breakpoint) bool { return b.ID == id })
	if !found {
		return nil, notFound
	}
	e.enqueue(worker.Job{Kind: worker.JobBreakpoint, SessionID: sessionID, Breakpoint: bp.Clone()})
	return bp, nil
}

// CompareSnapshots diffs an older snapshot against a newer one.
func (e *Engine) CompareSnapshots(olderID, newerID string) (debugger.SnapshotDiff, error) {
	for _, id := range []string{olderID, newerID} {
		if _, ok := e.debugger.Snapshots.Get(id); !ok {
			return debugger.SnapshotDiff{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
		}
	}
	return e.debugger.Snapshots.Compare(olderID, newerID)
}

// Stack returns a session's current call stack.
func (e *Engine) Stack(sessionID string) (*StackTrace, error) {
	s, err := e.session(sessionID)
	if err != nil {
		return nil, err
	}
	frames := s.Stack()
	return &StackTrace{SessionID: sessionID, Frames: frames, Trace: debugger.FormatStack(frames)}, nil
}

// FrameVariable reads name from one frame of a session's stack. depth 0 is
// the innermost frame. found is false when the frame has no such variable.
func (e *Engine) FrameVariable(sessionID string, depth int, name string) (v any, found bool, err error) {
	s, err := e.session(sessionID)
	if err != nil {
		return nil, false, err
	}
	stack := s.Stack()
	if depth < 0 || depth >= len(stack) {
		return nil, false, fmt.Errorf("%w: depth %d of %d", ErrFrameNotFound, depth, len(stack))
	}
	v, found = debugger.ResolveVariable(stack, depth, name)
	return v, found, nil
}
