// Package engine is the dispatcher of the debugging engine. It routes
// validated operator messages to the session registry, executor and recorder,
// and fans every session and execution event out to the connected operators,
// the open recording and the audit journal.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/papercomputeco/agentdbg/pkg/debugger"
	"github.com/papercomputeco/agentdbg/pkg/executor"
	"github.com/papercomputeco/agentdbg/pkg/protocol"
	"github.com/papercomputeco/agentdbg/pkg/recorder"
	"github.com/papercomputeco/agentdbg/pkg/session"
	"github.com/papercomputeco/agentdbg/pkg/storage"
	"github.com/papercomputeco/agentdbg/pkg/worker"
)

// Journal accepts asynchronous audit jobs. *worker.Pool implements it.
type Journal interface {
	Enqueue(job worker.Job) bool
}

// Config is the configuration for an Engine.
type Config struct {
	Sessions *session.Registry
	Executor *executor.Executor
	Recorder *recorder.Recorder

	// Debugger holds the global breakpoints, watches, timeline and snapshots.
	// Defaults to a fresh debugger.
	Debugger *debugger.Debugger

	// Journal receives audit rows. Optional.
	Journal Journal

	// Audit answers summary queries. Optional.
	Audit storage.AuditStore

	Clock  clock.Clock
	Logger *zap.Logger
}

// Engine wires the debugging components together and serves operator
// connections.
type Engine struct {
	config   *Config
	sessions *session.Registry
	executor *executor.Executor
	recorder *recorder.Recorder
	debugger *debugger.Debugger
	journal  Journal
	clock    clock.Clock
	logger   *zap.Logger

	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	runs   sync.WaitGroup

	connMu sync.RWMutex
	conns  map[string]*Conn
}

// New creates an Engine and subscribes it to session and execution events.
func New(c *Config) (*Engine, error) {
	if c.Sessions == nil {
		return nil, errors.New("engine requires a session registry")
	}
	if c.Executor == nil {
		return nil, errors.New("engine requires an executor")
	}
	if c.Recorder == nil {
		return nil, errors.New("engine requires a recorder")
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Debugger == nil {
		c.Debugger = debugger.New(&debugger.Config{Clock: c.Clock})
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		config:    c,
		sessions:  c.Sessions,
		executor:  c.Executor,
		recorder:  c.Recorder,
		debugger:  c.Debugger,
		journal:   c.Journal,
		clock:     c.Clock,
		logger:    c.Logger,
		startedAt: c.Clock.Now(),
		ctx:       ctx,
		cancel:    cancel,
		conns:     map[string]*Conn{},
	}

	l := &listener{engine: e}
	c.Sessions.AddListener(l)
	c.Executor.AddListener(l)

	return e, nil
}

// Sessions returns the session registry.
func (e *Engine) Sessions() *session.Registry { return e.sessions }

// Executor returns the executor.
func (e *Engine) Executor() *executor.Executor { return e.executor }

// Recorder returns the recorder.
func (e *Engine) Recorder() *recorder.Recorder { return e.recorder }

// Debugger returns the debugger.
func (e *Engine) Debugger() *debugger.Debugger { return e.debugger }

// Audit returns the audit store, or nil when none is configured.
func (e *Engine) Audit() storage.AuditStore { return e.config.Audit }

// Connect registers an operator connection delivering to sink.
func (e *Engine) Connect(sink Sink) *Conn {
	c := &Conn{
		ID:     uuid.NewString(),
		engine: e,
		sink:   sink,
		owned:  map[string]struct{}{},
	}

	e.connMu.Lock()
	e.conns[c.ID] = c
	n := len(e.conns)
	e.connMu.Unlock()

	e.logger.Debug("operator connected",
		zap.String("conn_id", c.ID),
		zap.Int("connections", n),
	)
	return c
}

func (e *Engine) disconnect(c *Conn) bool {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	if _, ok := e.conns[c.ID]; !ok {
		return false
	}
	delete(e.conns, c.ID)
	return true
}

// ConnectionCount returns the number of connected operators.
func (e *Engine) ConnectionCount() int {
	e.connMu.RLock()
	defer e.connMu.RUnlock()
	return len(e.conns)
}

// broadcast sends msg to every connected operator.
func (e *Engine) broadcast(msg protocol.Outbound) {
	e.connMu.RLock()
	conns := make([]*Conn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.connMu.RUnlock()

	for _, c := range conns {
		c.send(msg)
	}
}

func (e *Engine) enqueue(job worker.Job) {
	if e.journal == nil {
		return
	}
	if !e.journal.Enqueue(job) {
		e.logger.Warn("journal queue full, dropping job",
			zap.String("kind", string(job.Kind)),
			zap.String("session_id", job.SessionID),
		)
	}
}

// Close stops every execution and waits for them to finish or ctx to end.
func (e *Engine) Close(ctx context.Context) error {
	e.cancel()
	stopped := e.executor.StopAll()
	e.logger.Debug("engine closing", zap.Int("stopped_executions", stopped))

	done := make(chan struct{})
	go func() {
		e.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status is a point in time view of the engine.
type Status struct {
	StartedAt         time.Time                     `json:"startedAt"`
	UptimeMs          int64                         `json:"uptimeMs"`
	Connections       int                           `json:"connections"`
	Sessions          int                           `json:"sessions"`
	SessionsByState   map[protocol.SessionState]int `json:"sessionsByState"`
	ActiveExecutions  int                           `json:"activeExecutions"`
	Agents            int                           `json:"agents"`
	Tools             int                           `json:"tools"`
	Recordings        int                           `json:"recordings"`
	GlobalBreakpoints int                           `json:"globalBreakpoints"`
	TimelineEvents    int                           `json:"timelineEvents"`
}

// Status reports connection, session, registry and recording counts.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	recordings, err := e.recorder.Count(ctx)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	return &Status{
		StartedAt:         e.startedAt,
		UptimeMs:          now.Sub(e.startedAt).Milliseconds(),
		Connections:       e.ConnectionCount(),
		Sessions:          e.sessions.Len(),
		SessionsByState:   e.sessions.CountByState(),
		ActiveExecutions:  e.executor.ActiveCount(),
		Agents:            len(e.executor.ListAgents()),
		Tools:             len(e.executor.ListTools()),
		Recordings:        recordings,
		GlobalBreakpoints: len(e.debugger.Breakpoints.List()),
		TimelineEvents:    e.debugger.Timeline.Len(),
	}, nil
}
