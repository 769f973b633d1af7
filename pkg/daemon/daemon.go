// Package daemon assembles the agentdbg stack from configuration: storage,
// the audit journal and event stream, the recorder, the executor with its
// registered agents, the engine and the API server in front of it.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/papercomputeco/agentdbg/api"
	"github.com/papercomputeco/agentdbg/pkg/agents"
	"github.com/papercomputeco/agentdbg/pkg/config"
	"github.com/papercomputeco/agentdbg/pkg/debugger"
	"github.com/papercomputeco/agentdbg/pkg/engine"
	"github.com/papercomputeco/agentdbg/pkg/executor"
	"github.com/papercomputeco/agentdbg/pkg/recorder"
	"github.com/papercomputeco/agentdbg/pkg/session"
	"github.com/papercomputeco/agentdbg/pkg/storage"
	"github.com/papercomputeco/agentdbg/pkg/worker"
)

// Options configures New.
type Options struct {
	// Config is the resolved configuration. Required.
	Config *config.Config

	// Dir is the .agentdbg directory. The default SQLite database lives in it.
	Dir string

	// Register adds agents and tools to the executor. Defaults to
	// agents.Register.
	Register func(e *executor.Executor)

	Clock  clock.Clock
	Logger *zap.Logger
}

// Daemon owns every component of a running server.
type Daemon struct {
	config *config.Config
	logger *zap.Logger

	driver storage.Driver
	pool   *worker.Pool
	engine *engine.Engine
	api    *api.Server

	shutdown     chan struct{}
	shutdownOnce sync.Once
	closeOnce    sync.Once
	closeErr     error
}

// New builds the stack. Nothing listens until Serve is called.
func New(ctx context.Context, opts Options) (*Daemon, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("daemon requires a config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Register == nil {
		opts.Register = agents.Register
	}

	d := &Daemon{
		config:   cfg,
		logger:   opts.Logger,
		shutdown: make(chan struct{}),
	}

	driver, err := newStorageDriver(ctx, cfg.Storage, opts.Dir, opts.Logger)
	if err != nil {
		return nil, err
	}
	d.driver = driver

	publisher, err := newPublisher(cfg.EventStream, opts.Logger)
	if err != nil {
		_ = driver.Close()
		return nil, err
	}

	d.pool, err = worker.NewPool(&worker.Config{
		Driver:    driver,
		Publisher: publisher,
		Clock:     opts.Clock,
		Logger:    opts.Logger,
	})
	if err != nil {
		_ = publisher.Close()
		_ = driver.Close()
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}

	if err := d.build(opts); err != nil {
		d.pool.Close()
		_ = driver.Close()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) build(opts Options) error {
	cfg := d.config

	rec, err := recorder.New(&recorder.Config{
		Store:         d.driver,
		MaxRecordings: cfg.Recorder.MaxRecordings,
		AutoCleanup:   cfg.Recorder.AutoCleanup,
		Sink:          d.pool,
		Clock:         opts.Clock,
		Logger:        opts.Logger,
	})
	if err != nil {
		return fmt.Errorf("creating recorder: %w", err)
	}

	registry := session.NewRegistry(&session.Config{
		MaxSessions: cfg.Sessions.MaxSessions,
		Clock:       opts.Clock,
	})

	// The executor and the engine share one debugger so snapshots taken by
	// agents are visible to operators.
	dbg := debugger.New(&debugger.Config{
		MaxTimelineEvents: cfg.Debugger.MaxTimelineEvents,
		MaxSnapshots:      cfg.Debugger.MaxSnapshots,
		WatchHistory:      cfg.Debugger.WatchHistory,
		Clock:             opts.Clock,
	})

	exec, err := executor.New(&executor.Config{
		Registry:       registry,
		Debugger:       dbg,
		DefaultTimeout: cfg.Executor.DefaultTimeout.Duration,
		Sandboxed:      cfg.Executor.Sandboxed,
		Clock:          opts.Clock,
		Logger:         opts.Logger,
	})
	if err != nil {
		return fmt.Errorf("creating executor: %w", err)
	}
	opts.Register(exec)

	d.engine, err = engine.New(&engine.Config{
		Sessions: registry,
		Executor: exec,
		Recorder: rec,
		Debugger: dbg,
		Journal:  d.pool,
		Audit:    d.driver,
		Clock:    opts.Clock,
		Logger:   opts.Logger,
	})
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	d.api, err = api.NewServer(api.Config{
		ListenAddr:        cfg.Server.Listen,
		MaxConnections:    cfg.Server.MaxConnections,
		HeartbeatInterval: cfg.Server.HeartbeatInterval.Duration,
		OnShutdown:        d.requestShutdown,
	}, d.engine, opts.Logger)
	if err != nil {
		return fmt.Errorf("creating api server: %w", err)
	}
	return nil
}

// Engine returns the engine.
func (d *Daemon) Engine() *engine.Engine {
	return d.engine
}

// API returns the API server.
func (d *Daemon) API() *api.Server {
	return d.api
}

// ShutdownRequested is closed once a client asks the server to stop.
func (d *Daemon) ShutdownRequested() <-chan struct{} {
	return d.shutdown
}

func (d *Daemon) requestShutdown() {
	d.shutdownOnce.Do(func() {
		d.logger.Info("shutdown requested over the API")
		close(d.shutdown)
	})
}

// Run listens on the configured address and serves until Close.
func (d *Daemon) Run() error {
	return d.api.Run()
}

// Serve serves on l until Close.
func (d *Daemon) Serve(l net.Listener) error {
	return d.api.RunWithListener(l)
}

// Close stops the API server, stops in-flight executions, drains the journal
// and closes storage. It is safe to call more than once.
func (d *Daemon) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		var errs []error
		if err := d.api.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down api server: %w", err))
		}
		if err := d.engine.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing engine: %w", err))
		}
		d.pool.Close()
		if err := d.driver.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing storage: %w", err))
		}
		d.closeErr = errors.Join(errs...)
	})
	return d.closeErr
}
