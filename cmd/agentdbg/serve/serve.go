// Package servecmder provides the serve command, which runs the agentdbg
// server in the foreground.
package servecmder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/papercomputeco/agentdbg/pkg/config"
	"github.com/papercomputeco/agentdbg/pkg/daemon"
	"github.com/papercomputeco/agentdbg/pkg/dotdir"
	"github.com/papercomputeco/agentdbg/pkg/logger"
)

const serveLongDesc string = `Run the agentdbg server.

The server executes agents in debug sessions, records every run and serves
operators over a WebSocket at /ws, a REST API under /v1 and MCP tools at /mcp.

Settings come from flags, AGENTDBG_* environment variables, config.toml in the
.agentdbg/ directory and built-in defaults, in that order.

Examples:
  agentdbg serve
  agentdbg serve --listen :9000 --storage memory
  agentdbg serve --storage postgres --postgres-dsn postgres://localhost/agentdbg
  agentdbg serve --eventstream kafka --kafka-brokers localhost:9092`

const serveShortDesc string = "Run the agentdbg server"

// shutdownTimeout bounds how long in-flight executions get to stop.
const shutdownTimeout = 15 * time.Second

var serveFlags = []string{
	config.FlagListen,
	config.FlagMaxConnections,
	config.FlagHeartbeat,
	config.FlagStorageDriver,
	config.FlagSQLite,
	config.FlagPostgresDSN,
	config.FlagTimeout,
	config.FlagSandboxed,
	config.FlagMaxSessions,
	config.FlagMaxRecordings,
	config.FlagEventStream,
	config.FlagKafkaBrokers,
	config.FlagKafkaTopic,
	config.FlagLogFile,
}

type serveCommander struct {
	configDir string
	debug     bool
	viper     *viper.Viper

	// flag targets; the resolved values are read back through viper
	listen         string
	maxConnections int
	heartbeat      time.Duration
	storageDriver  string
	sqlitePath     string
	postgresDSN    string
	timeout        time.Duration
	sandboxed      bool
	maxSessions    int
	maxRecordings  int
	eventStream    string
	kafkaBrokers   []string
	kafkaTopic     string
	logFile        string
}

func NewServeCmd() *cobra.Command {
	cmder := &serveCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			cmder.configDir, _ = cmd.Flags().GetString("config-dir")

			v, err := config.InitViper(cmder.configDir)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			config.BindRegisteredFlags(v, cmd, config.Flags, serveFlags)
			cmder.viper = v
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			debug, err := cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %w", err)
			}
			cmder.debug = debug
			return cmder.run(cmd.Context())
		},
	}

	config.AddStringFlag(cmd, config.Flags, config.FlagListen, &cmder.listen)
	config.AddIntFlag(cmd, config.Flags, config.FlagMaxConnections, &cmder.maxConnections)
	config.AddDurationFlag(cmd, config.Flags, config.FlagHeartbeat, &cmder.heartbeat)
	config.AddStringFlag(cmd, config.Flags, config.FlagStorageDriver, &cmder.storageDriver)
	config.AddStringFlag(cmd, config.Flags, config.FlagSQLite, &cmder.sqlitePath)
	config.AddStringFlag(cmd, config.Flags, config.FlagPostgresDSN, &cmder.postgresDSN)
	config.AddDurationFlag(cmd, config.Flags, config.FlagTimeout, &cmder.timeout)
	config.AddBoolFlag(cmd, config.Flags, config.FlagSandboxed, &cmder.sandboxed)
	config.AddIntFlag(cmd, config.Flags, config.FlagMaxSessions, &cmder.maxSessions)
	config.AddIntFlag(cmd, config.Flags, config.FlagMaxRecordings, &cmder.maxRecordings)
	config.AddStringFlag(cmd, config.Flags, config.FlagEventStream, &cmder.eventStream)
	config.AddStringSliceFlag(cmd, config.Flags, config.FlagKafkaBrokers, &cmder.kafkaBrokers)
	config.AddStringFlag(cmd, config.Flags, config.FlagKafkaTopic, &cmder.kafkaTopic)
	config.AddStringFlag(cmd, config.Flags, config.FlagLogFile, &cmder.logFile)

	return cmd
}

func (c *serveCommander) run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg := config.FromViper(c.viper)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ddm := dotdir.NewManager()
	dir, err := ddm.Target(c.configDir)
	if err != nil {
		return err
	}

	lock, err := daemon.AcquireLock(dir)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	logPath := cfg.Log.File
	if logPath == "" {
		logPath = filepath.Join(dir, dotdir.LogFile)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()

	log := logger.NewLoggerWithWriters(c.debug || cfg.Log.Debug, os.Stdout, logFile)
	defer func() { _ = log.Sync() }()

	d, err := daemon.New(ctx, daemon.Options{
		Config: cfg,
		Dir:    dir,
		Logger: log,
	})
	if err != nil {
		return err
	}

	listenConfig := &net.ListenConfig{}
	l, err := listenConfig.Listen(ctx, "tcp", cfg.Server.Listen)
	if err != nil {
		_ = d.Close(ctx)
		return fmt.Errorf("listening on %s: %w", cfg.Server.Listen, err)
	}

	state := &dotdir.ServerState{
		PID:       os.Getpid(),
		Listen:    l.Addr().String(),
		LogFile:   logPath,
		StartedAt: time.Now(),
	}
	if err := ddm.SaveServerState(state, c.configDir); err != nil {
		_ = l.Close()
		_ = d.Close(ctx)
		return err
	}
	defer func() {
		if err := ddm.ClearServerState(c.configDir); err != nil {
			log.Warn("could not clear server state", zap.Error(err))
		}
	}()

	log.Info("agentdbg server started",
		zap.String("listen", state.Listen),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("eventstream", cfg.EventStream.Provider),
		zap.String("log_file", logPath),
	)

	errChan := make(chan error, 1)
	go func() {
		errChan <- d.Serve(l)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case err := <-errChan:
		if err != nil {
			runErr = fmt.Errorf("API server error: %w", err)
		}
	case sig := <-sigChan:
		log.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case <-d.ShutdownRequested():
		log.Info("shutting down on request")
	}

	return errors.Join(runErr, shutdown(d, log))
}

func shutdown(d *daemon.Daemon, log *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.Close(ctx); err != nil {
		log.Warn("shutdown incomplete", zap.Error(err))
		return err
	}
	log.Info("agentdbg server stopped")
	return nil
}

