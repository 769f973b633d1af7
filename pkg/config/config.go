// Package config loads, validates and persists the agentdbg configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/BurntSushi/toml"

	"github.com/papercomputeco/agentdbg/pkg/dotdir"
)

const (
	configFile = "config.toml"

	// v0 is the alpha version of the config
	v0 = 0

	// CurrentV is the currently supported version, points to v0
	CurrentV = v0
)

type Configer struct {
	ddm        *dotdir.Manager
	targetPath string
}

func NewConfiger(override string) (*Configer, error) {
	cfger := &Configer{}

	cfger.ddm = dotdir.NewManager()
	target, err := cfger.ddm.Target(override)
	if err != nil {
		return nil, err
	}

	// If no .agentdbg/ directory was resolved, targetPath stays empty;
	// LoadConfig will return defaults and SaveConfig will error clearly.
	if target == "" {
		return cfger, nil
	}

	path := filepath.Join(target, configFile)
	_, err = os.Stat(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfger.targetPath = path

	return cfger, nil
}

// orderedKeys matches the TOML section layout.
var orderedKeys = []string{
	"server.listen",
	"server.max_connections",
	"server.heartbeat_interval",
	"storage.driver",
	"storage.sqlite_path",
	"storage.postgres_dsn",
	"executor.default_timeout",
	"executor.sandboxed",
	"sessions.max_sessions",
	"recorder.max_recordings",
	"recorder.auto_cleanup",
	"debugger.max_timeline_events",
	"debugger.max_snapshots",
	"debugger.watch_history",
	"eventstream.provider",
	"eventstream.brokers",
	"eventstream.topic",
	"client.api_target",
	"log.file",
	"log.debug",
}

// ValidConfigKeys returns the list of all supported configuration key names
// in a stable order.
func ValidConfigKeys() []string {
	result := make([]string, 0, len(configKeys))
	for _, k := range orderedKeys {
		if _, ok := configKeys[k]; ok {
			result = append(result, k)
		}
	}

	// Append any keys in the map that we missed in the ordered list.
	var rest []string
	for k := range configKeys {
		if !slices.Contains(result, k) {
			rest = append(rest, k)
		}
	}
	slices.Sort(rest)

	return append(result, rest...)
}

// IsValidConfigKey returns true if the given key is a supported configuration key.
func IsValidConfigKey(key string) bool {
	_, ok := configKeys[key]
	return ok
}

func (c *Configer) GetTarget() string {
	return c.targetPath
}

// LoadConfig loads the configuration from config.toml in the target
// .agentdbg/ directory. If the file does not exist, returns NewDefaultConfig()
// so callers always receive a fully-populated Config. Fields explicitly set in
// the file override the defaults.
func (c *Configer) LoadConfig() (*Config, error) {
	if c.targetPath == "" {
		return NewDefaultConfig(), nil
	}

	data, err := os.ReadFile(c.targetPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewDefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg, err := ParseConfigTOML(data)
	if err != nil {
		return nil, err
	}

	applyDefaults(cfg)

	return cfg, nil
}

// applyDefaults fills zero-value fields in cfg with values from NewDefaultConfig().
// Booleans are left alone: false is a meaningful setting.
func applyDefaults(cfg *Config) {
	d := NewDefaultConfig()

	if cfg.Server.Listen == "" {
		cfg.Server.Listen = d.Server.Listen
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = d.Server.MaxConnections
	}
	if cfg.Server.HeartbeatInterval.Duration == 0 {
		cfg.Server.HeartbeatInterval = d.Server.HeartbeatInterval
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = d.Storage.Driver
	}

	if cfg.Executor.DefaultTimeout.Duration == 0 {
		cfg.Executor.DefaultTimeout = d.Executor.DefaultTimeout
	}

	if cfg.Sessions.MaxSessions == 0 {
		cfg.Sessions.MaxSessions = d.Sessions.MaxSessions
	}
	if cfg.Recorder.MaxRecordings == 0 {
		cfg.Recorder.MaxRecordings = d.Recorder.MaxRecordings
	}

	if cfg.Debugger.MaxTimelineEvents == 0 {
		cfg.Debugger.MaxTimelineEvents = d.Debugger.MaxTimelineEvents
	}
	if cfg.Debugger.MaxSnapshots == 0 {
		cfg.Debugger.MaxSnapshots = d.Debugger.MaxSnapshots
	}
	if cfg.Debugger.WatchHistory == 0 {
		cfg.Debugger.WatchHistory = d.Debugger.WatchHistory
	}

	if cfg.EventStream.Provider == "" {
		cfg.EventStream.Provider = d.EventStream.Provider
	}
	if cfg.EventStream.Topic == "" {
		cfg.EventStream.Topic = d.EventStream.Topic
	}

	if cfg.Client.APITarget == "" {
		cfg.Client.APITarget = d.Client.APITarget
	}
}

// Validate reports settings that cannot work together.
func (cfg *Config) Validate() error {
	var errs []error

	if !slices.Contains(StorageDrivers, cfg.Storage.Driver) {
		errs = append(errs, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver))
	}
	if cfg.Storage.Driver == DriverPostgres && cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
	}

	if !slices.Contains(EventStreamProviders, cfg.EventStream.Provider) {
		errs = append(errs, fmt.Errorf("unknown event stream provider %q", cfg.EventStream.Provider))
	}
	if cfg.EventStream.Provider == EventStreamKafka {
		if len(cfg.EventStream.Brokers) == 0 {
			errs = append(errs, errors.New("eventstream.brokers is required for kafka"))
		}
		if cfg.EventStream.Topic == "" {
			errs = append(errs, errors.New("eventstream.topic is required for kafka"))
		}
	}

	if cfg.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("server.max_connections must not be negative"))
	}
	if cfg.Server.HeartbeatInterval.Duration < 0 {
		errs = append(errs, errors.New("server.heartbeat_interval must not be negative"))
	}
	if cfg.Executor.DefaultTimeout.Duration < 0 {
		errs = append(errs, errors.New("executor.default_timeout must not be negative"))
	}

	return errors.Join(errs...)
}

// SaveConfig persists the configuration to config.toml in the target .agentdbg/ directory.
func (c *Configer) SaveConfig(cfg *Config) error {
	if cfg == nil {
		return errors.New("cannot save nil config")
	}

	if c.targetPath == "" {
		return errors.New("cannot save empty target path")
	}

	var buf bytes.Buffer
	encoder := toml.NewEncoder(&buf)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := os.WriteFile(c.targetPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// SetConfigValue loads the config, sets the given key to the given value, and saves it.
// Returns an error if the key is not a valid config key.
func (c *Configer) SetConfigValue(key string, value string) error {
	info, ok := configKeys[key]
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}

	cfg, err := c.LoadConfig()
	if err != nil {
		return err
	}

	if err := info.set(cfg, value); err != nil {
		return err
	}

	return c.SaveConfig(cfg)
}

// GetConfigValue loads the config and returns the string representation of the given key.
// Returns an error if the key is not a valid config key.
func (c *Configer) GetConfigValue(key string) (string, error) {
	info, ok := configKeys[key]
	if !ok {
		return "", fmt.Errorf("unknown config key: %q", key)
	}

	cfg, err := c.LoadConfig()
	if err != nil {
		return "", err
	}

	return info.get(cfg), nil
}

// DefaultConfigValue returns the built-in default for a key.
func DefaultConfigValue(key string) (string, error) {
	info, ok := configKeys[key]
	if !ok {
		return "", fmt.Errorf("unknown config key: %q", key)
	}
	return info.get(NewDefaultConfig()), nil
}

// ParseConfigTOML parses raw TOML bytes into a Config.
// Returns an error if the version field is present and not equal to CurrentV.
func ParseConfigTOML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config TOML: %w", err)
	}

	if cfg.Version != 0 && cfg.Version != CurrentV {
		return nil, fmt.Errorf("unsupported config version %d (expected %d)", cfg.Version, CurrentV)
	}

	return cfg, nil
}
