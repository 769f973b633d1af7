package session

import (
	"errors"
	"fmt"

	"github.com/papercomputeco/agentdbg/pkg/protocol"
)

var (
	// ErrSessionNotFound is returned when an operation names an unknown session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidTransition is returned when a state change is not allowed by the
	// session state machine.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// transitions is the session state machine. Terminal states have no entry.
var transitions = map[protocol.SessionState][]protocol.SessionState{
	protocol.StateIdle:     {protocol.StateRunning, protocol.StateError},
	protocol.StateRunning:  {protocol.StatePaused, protocol.StateCompleted, protocol.StateError},
	protocol.StatePaused:   {protocol.StateStepping, protocol.StateRunning, protocol.StateError},
	protocol.StateStepping: {protocol.StatePaused, protocol.StateRunning, protocol.StateError},
}

// CanTransition reports whether a session may move from one state to another.
func CanTransition(from, to protocol.SessionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidPath reports whether states, read as a sequence of transitions
// starting at idle, is a walk through the state machine.
func ValidPath(states []protocol.SessionState) bool {
	prev := protocol.StateIdle
	for _, s := range states {
		if !CanTransition(prev, s) {
			return false
		}
		prev = s
	}
	return true
}

func transitionError(from, to protocol.SessionState) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
