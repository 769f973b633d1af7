package config

import "time"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Event stream providers.
const (
	EventStreamNone  = "none"
	EventStreamKafka = "kafka"
)

var (
	// StorageDrivers lists the accepted storage.driver values.
	StorageDrivers = []string{DriverMemory, DriverSQLite, DriverPostgres}

	// EventStreamProviders lists the accepted eventstream.provider values.
	EventStreamProviders = []string{EventStreamNone, EventStreamKafka}
)

const (
	defaultListen            = ":8765"
	defaultMaxConnections    = 100
	defaultHeartbeatInterval = 30 * time.Second

	defaultExecutorTimeout = 5 * time.Minute

	defaultMaxSessions   = 100
	defaultMaxRecordings = 1000

	defaultMaxTimelineEvents = 10000
	defaultMaxSnapshots      = 100
	defaultWatchHistory      = 10

	defaultTopic = "agentdbg.recording-events"

	defaultClientAPITarget = "http://localhost:8765"
)

// NewDefaultConfig returns a Config with sane defaults for all fields.
// This is the single source of truth for default values.
func NewDefaultConfig() *Config {
	return &Config{
		Version: CurrentV,
		Server: ServerConfig{
			Listen:            defaultListen,
			MaxConnections:    defaultMaxConnections,
			HeartbeatInterval: Duration{defaultHeartbeatInterval},
		},
		Storage: StorageConfig{
			Driver: DriverSQLite,
		},
		Executor: ExecutorConfig{
			DefaultTimeout: Duration{defaultExecutorTimeout},
		},
		Sessions: SessionsConfig{
			MaxSessions: defaultMaxSessions,
		},
		Recorder: RecorderConfig{
			MaxRecordings: defaultMaxRecordings,
			AutoCleanup:   true,
		},
		Debugger: DebuggerConfig{
			MaxTimelineEvents: defaultMaxTimelineEvents,
			MaxSnapshots:      defaultMaxSnapshots,
			WatchHistory:      defaultWatchHistory,
		},
		EventStream: EventStreamConfig{
			Provider: EventStreamNone,
			Topic:    defaultTopic,
		},
		Client: ClientConfig{
			APITarget: defaultClientAPITarget,
		},
	}
}
