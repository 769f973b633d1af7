package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/papercomputeco/agentdbg/pkg/dotdir"
)

// InitViper creates and returns a configured *viper.Viper.
// It sets defaults from NewDefaultConfig(), reads the config.toml file
// (if found via dotdir resolution), and binds environment variables
// with the AGENTDBG_ prefix.
//
// Config precedence (highest to lowest):
//  1. CLI flags (once bound via BindRegisteredFlags)
//  2. Environment variables (AGENTDBG_SERVER_LISTEN, AGENTDBG_STORAGE_DRIVER, etc.)
//  3. config.toml file values
//  4. Defaults from NewDefaultConfig()
func InitViper(configDir string) (*viper.Viper, error) {
	v := viper.New()

	// 1. Register all defaults from NewDefaultConfig().
	setViperDefaults(v)

	// 2. Config file discovery via dotdir resolution.
	v.SetConfigName("config")
	v.SetConfigType("toml")

	ddm := dotdir.NewManager()
	target, err := ddm.Target(configDir)
	if err != nil {
		return nil, fmt.Errorf("resolving config dir: %w", err)
	}

	if target != "" {
		v.AddConfigPath(target)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found errors are fine, defaults will apply.
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	// 3. Environment variables: AGENTDBG_SERVER_LISTEN, AGENTDBG_LOG_DEBUG, etc.
	v.SetEnvPrefix("AGENTDBG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v, nil
}

// setViperDefaults registers defaults from NewDefaultConfig() into viper
// using dotted-key notation. This keeps defaults.go as the single source of truth.
func setViperDefaults(v *viper.Viper) {
	d := NewDefaultConfig()

	v.SetDefault("version", d.Version)

	// Server
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.max_connections", d.Server.MaxConnections)
	v.SetDefault("server.heartbeat_interval", d.Server.HeartbeatInterval.String())

	// Storage
	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.sqlite_path", d.Storage.SQLitePath)
	v.SetDefault("storage.postgres_dsn", d.Storage.PostgresDSN)

	// Executor
	v.SetDefault("executor.default_timeout", d.Executor.DefaultTimeout.String())
	v.SetDefault("executor.sandboxed", d.Executor.Sandboxed)

	// Sessions and recorder
	v.SetDefault("sessions.max_sessions", d.Sessions.MaxSessions)
	v.SetDefault("recorder.max_recordings", d.Recorder.MaxRecordings)
	v.SetDefault("recorder.auto_cleanup", d.Recorder.AutoCleanup)

	// Debugger
	v.SetDefault("debugger.max_timeline_events", d.Debugger.MaxTimelineEvents)
	v.SetDefault("debugger.max_snapshots", d.Debugger.MaxSnapshots)
	v.SetDefault("debugger.watch_history", d.Debugger.WatchHistory)

	// Event stream
	v.SetDefault("eventstream.provider", d.EventStream.Provider)
	v.SetDefault("eventstream.brokers", d.EventStream.Brokers)
	v.SetDefault("eventstream.topic", d.EventStream.Topic)

	// Client
	v.SetDefault("client.api_target", d.Client.APITarget)

	// Log
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.debug", d.Log.Debug)
}

// FromViper assembles a Config from the resolved viper values.
func FromViper(v *viper.Viper) *Config {
	return &Config{
		Version: v.GetInt("version"),
		Server: ServerConfig{
			Listen:            v.GetString("server.listen"),
			MaxConnections:    v.GetInt("server.max_connections"),
			HeartbeatInterval: Duration{v.GetDuration("server.heartbeat_interval")},
		},
		Storage: StorageConfig{
			Driver:      v.GetString("storage.driver"),
			SQLitePath:  v.GetString("storage.sqlite_path"),
			PostgresDSN: v.GetString("storage.postgres_dsn"),
		},
		Executor: ExecutorConfig{
			DefaultTimeout: Duration{v.GetDuration("executor.default_timeout")},
			Sandboxed:      v.GetBool("executor.sandboxed"),
		},
		Sessions: SessionsConfig{
			MaxSessions: v.GetInt("sessions.max_sessions"),
		},
		Recorder: RecorderConfig{
			MaxRecordings: v.GetInt("recorder.max_recordings"),
			AutoCleanup:   v.GetBool("recorder.auto_cleanup"),
		},
		Debugger: DebuggerConfig{
			MaxTimelineEvents: v.GetInt("debugger.max_timeline_events"),
			MaxSnapshots:      v.GetInt("debugger.max_snapshots"),
			WatchHistory:      v.GetInt("debugger.watch_history"),
		},
		EventStream: EventStreamConfig{
			Provider: v.GetString("eventstream.provider"),
			Brokers:  stringSlice(v, "eventstream.brokers"),
			Topic:    v.GetString("eventstream.topic"),
		},
		Client: ClientConfig{
			APITarget: v.GetString("client.api_target"),
		},
		Log: LogConfig{
			File:  v.GetString("log.file"),
			Debug: v.GetBool("log.debug"),
		},
	}
}

// stringSlice keeps unset lists nil so a resolved Config compares equal to
// NewDefaultConfig.
func stringSlice(v *viper.Viper, key string) []string {
	out := v.GetStringSlice(key)
	if len(out) == 0 {
		return nil
	}
	return out
}
