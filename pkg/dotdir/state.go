package dotdir

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	stateFile = "server.json"

	// LogFile is the default name of the server log inside the directory.
	LogFile = "agentdbg.log"

	// DatabaseFile is the default name of the SQLite database.
	DatabaseFile = "agentdbg.sqlite"
)

// ServerState describes a running server. It is written by "agentdbg serve"
// on startup and removed on shutdown.
type ServerState struct {
	// PID is the process id of the server.
	PID int `json:"pid"`

	// Listen is the address the server listens on.
	Listen string `json:"listen"`

	// LogFile is where the server writes its log, if anywhere.
	LogFile string `json:"logFile,omitempty"`

	// StartedAt is when the server came up.
	StartedAt time.Time `json:"startedAt"`
}

// LoadServerState loads the state from a target .agentdbg/server.json.
// Returns nil, nil if no server state exists.
func (m *Manager) LoadServerState(overrideDir string) (*ServerState, error) {
	dir, err := m.Target(overrideDir)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, stateFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading server state: %w", err)
	}

	state := &ServerState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("parsing server state: %w", err)
	}

	return state, nil
}

// SaveServerState persists the state to a target .agentdbg/server.json.
func (m *Manager) SaveServerState(state *ServerState, overrideDir string) error {
	if state == nil {
		return errors.New("cannot save nil server state")
	}

	dir, err := m.Target(overrideDir)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling server state: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, stateFile), data, 0o600); err != nil {
		return fmt.Errorf("writing server state: %w", err)
	}

	return nil
}

// ClearServerState removes the state file. Returns nil if the file doesn't
// exist (already cleared).
func (m *Manager) ClearServerState(overrideDir string) error {
	dir, err := m.Target(overrideDir)
	if err != nil {
		return err
	}

	if err := os.Remove(filepath.Join(dir, stateFile)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("removing server state: %w", err)
	}

	return nil
}
