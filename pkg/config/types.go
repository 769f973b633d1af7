package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config represents the persistent agentdbg configuration stored as
// config.toml in the .agentdbg/ directory. The TOML layout uses sections for
// logical grouping.
type Config struct {
	Version     int               `toml:"version"`
	Server      ServerConfig      `toml:"server"`
	Storage     StorageConfig     `toml:"storage"`
	Executor    ExecutorConfig    `toml:"executor"`
	Sessions    SessionsConfig    `toml:"sessions"`
	Recorder    RecorderConfig    `toml:"recorder"`
	Debugger    DebuggerConfig    `toml:"debugger"`
	EventStream EventStreamConfig `toml:"eventstream"`
	Client      ClientConfig      `toml:"client"`
	Log         LogConfig         `toml:"log"`
}

// ServerConfig holds the settings of "agentdbg serve".
type ServerConfig struct {
	Listen            string   `toml:"listen,omitempty"`
	MaxConnections    int      `toml:"max_connections,omitempty"`
	HeartbeatInterval Duration `toml:"heartbeat_interval,omitempty"`
}

// StorageConfig selects the recording and audit backend.
type StorageConfig struct {
	// Driver is one of memory, sqlite or postgres.
	Driver      string `toml:"driver,omitempty"`
	SQLitePath  string `toml:"sqlite_path,omitempty"`
	PostgresDSN string `toml:"postgres_dsn,omitempty"`
}

// ExecutorConfig holds agent execution settings.
type ExecutorConfig struct {
	DefaultTimeout Duration `toml:"default_timeout,omitempty"`
	Sandboxed      bool     `toml:"sandboxed,omitempty"`
}

// SessionsConfig holds session registry settings.
type SessionsConfig struct {
	MaxSessions int `toml:"max_sessions,omitempty"`
}

// RecorderConfig holds recording retention settings.
type RecorderConfig struct {
	MaxRecordings int  `toml:"max_recordings,omitempty"`
	AutoCleanup   bool `toml:"auto_cleanup,omitempty"`
}

// DebuggerConfig bounds the debugger's in-memory history.
type DebuggerConfig struct {
	MaxTimelineEvents int `toml:"max_timeline_events,omitempty"`
	MaxSnapshots      int `toml:"max_snapshots,omitempty"`
	WatchHistory      int `toml:"watch_history,omitempty"`
}

// EventStreamConfig configures publishing of recording events.
type EventStreamConfig struct {
	// Provider is none or kafka.
	Provider string   `toml:"provider,omitempty"`
	Brokers  []string `toml:"brokers,omitempty"`
	Topic    string   `toml:"topic,omitempty"`
}

// ClientConfig holds settings for CLI commands that talk to a running
// server (e.g. agentdbg status, agentdbg recordings). Values are full URLs.
type ClientConfig struct {
	APITarget string `toml:"api_target,omitempty"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// File is where "agentdbg serve" tees its log. Empty means
	// <dotdir>/agentdbg.log.
	File  string `toml:"file,omitempty"`
	Debug bool   `toml:"debug,omitempty"`
}

// Duration is a time.Duration that reads and writes as a string ("30s") in
// TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// configKeyInfo maps a user-facing dotted key name to a getter and setter on *Config.
type configKeyInfo struct {
	get func(c *Config) string
	set func(c *Config, v string) error
}

func intKey(key string, field func(c *Config) *int) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string { return strconv.Itoa(*field(c)) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %w", key, err)
			}
			if n < 0 {
				return fmt.Errorf("invalid value for %s: must not be negative", key)
			}
			*field(c) = n
			return nil
		},
	}
}

func boolKey(key string, field func(c *Config) *bool) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string { return strconv.FormatBool(*field(c)) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %w", key, err)
			}
			*field(c) = b
			return nil
		},
	}
}

func durationKey(key string, field func(c *Config) *Duration) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string { return field(c).String() },
		set: func(c *Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %w", key, err)
			}
			field(c).Duration = d
			return nil
		},
	}
}

func oneOf(key string, allowed []string, field func(c *Config) *string) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string { return *field(c) },
		set: func(c *Config, v string) error {
			for _, a := range allowed {
				if v == a {
					*field(c) = v
					return nil
				}
			}
			return fmt.Errorf("invalid value for %s: %q (available: %s)", key, v, strings.Join(allowed, ", "))
		},
	}
}

// configKeys is the authoritative map of all supported config keys.
// Keys use dotted notation matching the TOML section structure.
var configKeys = map[string]configKeyInfo{
	"server.listen": {
		get: func(c *Config) string { return c.Server.Listen },
		set: func(c *Config, v string) error { c.Server.Listen = v; return nil },
	},
	"server.max_connections":   intKey("server.max_connections", func(c *Config) *int { return &c.Server.MaxConnections }),
	"server.heartbeat_interval": durationKey("server.heartbeat_interval", func(c *Config) *Duration { return &c.Server.HeartbeatInterval }),

	"storage.driver": oneOf("storage.driver", StorageDrivers, func(c *Config) *string { return &c.Storage.Driver }),
	"storage.sqlite_path": {
		get: func(c *Config) string { return c.Storage.SQLitePath },
		set: func(c *Config, v string) error { c.Storage.SQLitePath = v; return nil },
	},
	"storage.postgres_dsn": {
		get: func(c *Config) string { return c.Storage.PostgresDSN },
		set: func(c *Config, v string) error { c.Storage.PostgresDSN = v; return nil },
	},

	"executor.default_timeout": durationKey("executor.default_timeout", func(c *Config) *Duration { return &c.Executor.DefaultTimeout }),
	"executor.sandboxed":       boolKey("executor.sandboxed", func(c *Config) *bool { return &c.Executor.Sandboxed }),

	"sessions.max_sessions": intKey("sessions.max_sessions", func(c *Config) *int { return &c.Sessions.MaxSessions }),

	"recorder.max_recordings": intKey("recorder.max_recordings", func(c *Config) *int { return &c.Recorder.MaxRecordings }),
	"recorder.auto_cleanup":   boolKey("recorder.auto_cleanup", func(c *Config) *bool { return &c.Recorder.AutoCleanup }),

	"debugger.max_timeline_events": intKey("debugger.max_timeline_events", func(c *Config) *int { return &c.Debugger.MaxTimelineEvents }),
	"debugger.max_snapshots":       intKey("debugger.max_snapshots", func(c *Config) *int { return &c.Debugger.MaxSnapshots }),
	"debugger.watch_history":       intKey("debugger.watch_history", func(c *Config) *int { return &c.Debugger.WatchHistory }),

	"eventstream.provider": oneOf("eventstream.provider", EventStreamProviders, func(c *Config) *string { return &c.EventStream.Provider }),
	"eventstream.brokers": {
		get: func(c *Config) string { return strings.Join(c.EventStream.Brokers, ",") },
		set: func(c *Config, v string) error {
			c.EventStream.Brokers = nil
			for _, b := range strings.Split(v, ",") {
				if b = strings.TrimSpace(b); b != "" {
					c.EventStream.Brokers = append(c.EventStream.Brokers, b)
				}
			}
			return nil
		},
	},
	"eventstream.topic": {
		get: func(c *Config) string { return c.EventStream.Topic },
		set: func(c *Config, v string) error { c.EventStream.Topic = v; return nil },
	},

	"client.api_target": {
		get: func(c *Config) string { return c.Client.APITarget },
		set: func(c *Config, v string) error { c.Client.APITarget = v; return nil },
	},

	"log.file": {
		get: func(c *Config) string { return c.Log.File },
		set: func(c *Config, v string) error { c.Log.File = v; return nil },
	},
	"log.debug": boolKey("log.debug", func(c *Config) *bool { return &c.Log.Debug }),
}
