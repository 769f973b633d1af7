package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/cobra"

	"github.com/papercomputeco/agentdbg/pkg/config"
)

var _ = Describe("Configer config", func() {
	var tmpDir string

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "config-test-*")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	writeConfig := func(data string) {
		err := os.WriteFile(filepath.Join(tmpDir, "config.toml"), []byte(data), 0o600)
		Expect(err).NotTo(HaveOccurred())
	}

	load := func() *config.Config {
		c, err := config.NewConfiger(tmpDir)
		Expect(err).NotTo(HaveOccurred())
		cfg, err := c.LoadConfig()
		Expect(err).NotTo(HaveOccurred())
		return cfg
	}

	Describe("LoadConfig", func() {
		It("returns default config when no config file exists", func() {
			cfg := load()
			Expect(cfg).To(Equal(config.NewDefaultConfig()))
		})

		It("loads all config fields", func() {
			writeConfig(`version = 0

[server]
listen = ":9999"
max_connections = 5
heartbeat_interval = "10s"

[storage]
driver = "postgres"
sqlite_path = "/tmp/agentdbg.sqlite"
postgres_dsn = "postgres://localhost/agentdbg"

[executor]
default_timeout = "1m30s"
sandboxed = true

[sessions]
max_sessions = 7

[recorder]
max_recordings = 50
auto_cleanup = true

[debugger]
max_timeline_events = 500
max_snapshots = 20
watch_history = 3

[eventstream]
provider = "kafka"
brokers = ["k1:9092", "k2:9092"]
topic = "events"

[client]
api_target = "http://myhost:9999"

[log]
file = "/var/log/agentdbg.log"
debug = true
`)
			cfg := load()
			Expect(cfg.Server.Listen).To(Equal(":9999"))
			Expect(cfg.Server.MaxConnections).To(Equal(5))
			Expect(cfg.Server.HeartbeatInterval.Duration).To(Equal(10 * time.Second))
			Expect(cfg.Storage.Driver).To(Equal(config.DriverPostgres))
			Expect(cfg.Storage.SQLitePath).To(Equal("/tmp/agentdbg.sqlite"))
			Expect(cfg.Storage.PostgresDSN).To(Equal("postgres://localhost/agentdbg"))
			Expect(cfg.Executor.DefaultTimeout.Duration).To(Equal(90 * time.Second))
			Expect(cfg.Executor.Sandboxed).To(BeTrue())
			Expect(cfg.Sessions.MaxSessions).To(Equal(7))
			Expect(cfg.Recorder.MaxRecordings).To(Equal(50))
			Expect(cfg.Debugger.MaxTimelineEvents).To(Equal(500))
			Expect(cfg.Debugger.MaxSnapshots).To(Equal(20))
			Expect(cfg.Debugger.WatchHistory).To(Equal(3))
			Expect(cfg.EventStream.Provider).To(Equal(config.EventStreamKafka))
			Expect(cfg.EventStream.Brokers).To(Equal([]string{"k1:9092", "k2:9092"}))
			Expect(cfg.EventStream.Topic).To(Equal("events"))
			Expect(cfg.Client.APITarget).To(Equal("http://myhost:9999"))
			Expect(cfg.Log.File).To(Equal("/var/log/agentdbg.log"))
			Expect(cfg.Log.Debug).To(BeTrue())
			Expect(cfg.Validate()).To(Succeed())
		})

		It("fills in defaults for unset fields in a partial config", func() {
			writeConfig(`[server]
listen = ":1234"
`)
			cfg := load()
			defaults := config.NewDefaultConfig()
			Expect(cfg.Server.Listen).To(Equal(":1234"))
			Expect(cfg.Server.MaxConnections).To(Equal(defaults.Server.MaxConnections))
			Expect(cfg.Server.HeartbeatInterval).To(Equal(defaults.Server.HeartbeatInterval))
			Expect(cfg.Storage.Driver).To(Equal(defaults.Storage.Driver))
			Expect(cfg.EventStream.Topic).To(Equal(defaults.EventStream.Topic))
			Expect(cfg.Client.APITarget).To(Equal(defaults.Client.APITarget))
		})

		It("returns error for malformed TOML", func() {
			writeConfig(`[server
listen = `)
			c, err := config.NewConfiger(tmpDir)
			Expect(err).NotTo(HaveOccurred())
			_, err = c.LoadConfig()
			Expect(err).To(MatchError(ContainSubstring("parsing config TOML")))
		})

		It("returns error for bad durations", func() {
			writeConfig(`[server]
heartbeat_interval = "soon"
`)
			c, err := config.NewConfiger(tmpDir)
			Expect(err).NotTo(HaveOccurred())
			_, err = c.LoadConfig()
			Expect(err).To(HaveOccurred())
		})

		It("returns error for unsupported config version", func() {
			writeConfig(`version = 99`)
			c, err := config.NewConfiger(tmpDir)
			Expect(err).NotTo(HaveOccurred())
			_, err = c.LoadConfig()
			Expect(err).To(MatchError(ContainSubstring("unsupported config version 99")))
		})
	})

	Describe("SaveConfig", func() {
		It("round trips every field", func() {
			c, err := config.NewConfiger(tmpDir)
			Expect(err).NotTo(HaveOccurred())

			cfg := config.NewDefaultConfig()
			cfg.Server.Listen = ":7000"
			cfg.Server.HeartbeatInterval = config.Duration{Duration: 5 * time.Second}
			cfg.Storage.Driver = config.DriverMemory
			cfg.EventStream.Brokers = []string{"a:1"}
			cfg.Log.Debug = true
			Expect(c.SaveConfig(cfg)).To(Succeed())

			data, err := os.ReadFile(filepath.Join(tmpDir, "config.toml"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(ContainSubstring(`heartbeat_interval = "5s"`))

			loaded, err := c.LoadConfig()
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded).To(Equal(cfg))
		})

		It("returns error for nil config", func() {
			c, err := config.NewConfiger(tmpDir)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.SaveConfig(nil)).To(MatchError(ContainSubstring("nil config")))
		})
	})

	Describe("SetConfigValue", func() {
		var c *config.Configer

		BeforeEach(func() {
			var err error
			c, err = config.NewConfiger(tmpDir)
			Expect(err).NotTo(HaveOccurred())
		})

		DescribeTable("sets and reads back valid values",
			func(key, value, readBack string) {
				Expect(c.SetConfigValue(key, value)).To(Succeed())
				got, err := c.GetConfigValue(key)
				Expect(err).NotTo(HaveOccurred())
				Expect(got).To(Equal(readBack))
			},
			Entry("string", "server.listen", ":9000", ":9000"),
			Entry("int", "server.max_connections", "12", "12"),
			Entry("duration", "server.heartbeat_interval", "45s", "45s"),
			Entry("duration normalized", "executor.default_timeout", "90s", "1m30s"),
			Entry("bool", "executor.sandboxed", "true", "true"),
			Entry("enum", "storage.driver", "postgres", "postgres"),
			Entry("list", "eventstream.brokers", "a:1, b:2", "a:1,b:2"),
			Entry("client target", "client.api_target", "http://h:1", "http://h:1"),
		)

		DescribeTable("rejects invalid values",
			func(key, value string) {
				Expect(c.SetConfigValue(key, value)).NotTo(Succeed())
			},
			Entry("unknown key", "proxy.listen", "x"),
			Entry("bad int", "sessions.max_sessions", "many"),
			Entry("negative int", "recorder.max_recordings", "-1"),
			Entry("bad bool", "log.debug", "sometimes"),
			Entry("bad duration", "server.heartbeat_interval", "later"),
			Entry("unknown driver", "storage.driver", "mongo"),
			Entry("unknown provider", "eventstream.provider", "nats"),
		)

		It("preserves existing values when setting a new key", func() {
			Expect(c.SetConfigValue("server.listen", ":1")).To(Succeed())
			Expect(c.SetConfigValue("log.file", "/tmp/x.log")).To(Succeed())

			cfg, err := c.LoadConfig()
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Server.Listen).To(Equal(":1"))
			Expect(cfg.Log.File).To(Equal("/tmp/x.log"))
		})
	})

	Describe("GetConfigValue", func() {
		It("returns default values when no config file exists", func() {
			c, err := config.NewConfiger(tmpDir)
			Expect(err).NotTo(HaveOccurred())

			v, err := c.GetConfigValue("server.listen")
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(config.NewDefaultConfig().Server.Listen))

			v, err = c.GetConfigValue("storage.postgres_dsn")
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(BeEmpty())
		})

		It("returns error for unknown key", func() {
			c, err := config.NewConfiger(tmpDir)
			Expect(err).NotTo(HaveOccurred())
			_, err = c.GetConfigValue("nope")
			Expect(err).To(MatchError(ContainSubstring("unknown config key")))
		})
	})
})

var _ = Describe("ValidConfigKeys", func() {
	It("returns every key in section order", func() {
		keys := config.ValidConfigKeys()
		Expect(keys).To(HaveLen(20))
		Expect(keys[0]).To(Equal("server.listen"))
		Expect(keys[len(keys)-1]).To(Equal("log.debug"))
		for _, k := range keys {
			Expect(config.IsValidConfigKey(k)).To(BeTrue())
		}
	})

	It("returns keys in stable order", func() {
		Expect(config.ValidConfigKeys()).To(Equal(config.ValidConfigKeys()))
	})

	It("rejects unknown keys", func() {
		Expect(config.IsValidConfigKey("server")).To(BeFalse())
		Expect(config.IsValidConfigKey("listen")).To(BeFalse())
	})
})

var _ = Describe("Validate", func() {
	It("accepts the defaults", func() {
		Expect(config.NewDefaultConfig().Validate()).To(Succeed())
	})

	It("requires a DSN for postgres", func() {
		cfg := config.NewDefaultConfig()
		cfg.Storage.Driver = config.DriverPostgres
		Expect(cfg.Validate()).To(MatchError(ContainSubstring("postgres_dsn")))
	})

	It("requires brokers for kafka", func() {
		cfg := config.NewDefaultConfig()
		cfg.EventStream.Provider = config.EventStreamKafka
		Expect(cfg.Validate()).To(MatchError(ContainSubstring("eventstream.brokers")))
	})

	It("reports every problem at once", func() {
		cfg := config.NewDefaultConfig()
		cfg.Storage.Driver = "mongo"
		cfg.EventStream.Provider = "nats"
		err := cfg.Validate()
		Expect(err).To(MatchError(ContainSubstring("mongo")))
		Expect(err).To(MatchError(ContainSubstring("nats")))
	})
})

var _ = Describe("InitViper", func() {
	var tmpDir string

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "viper-test-*")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	It("returns viper with defaults when no config file exists", func() {
		v, err := config.InitViper(tmpDir)
		Expect(err).NotTo(HaveOccurred())

		Expect(config.FromViper(v)).To(Equal(config.NewDefaultConfig()))
	})

	It("reads config file values over defaults", func() {
		data := `[server]
listen = ":4000"
heartbeat_interval = "2s"
`
		err := os.WriteFile(filepath.Join(tmpDir, "config.toml"), []byte(data), 0o600)
		Expect(err).NotTo(HaveOccurred())

		v, err := config.InitViper(tmpDir)
		Expect(err).NotTo(HaveOccurred())

		cfg := config.FromViper(v)
		Expect(cfg.Server.Listen).To(Equal(":4000"))
		Expect(cfg.Server.HeartbeatInterval.Duration).To(Equal(2 * time.Second))
		// Unset fields should still get defaults
		Expect(cfg.Server.MaxConnections).To(Equal(config.NewDefaultConfig().Server.MaxConnections))
	})

	It("respects environment variables with AGENTDBG_ prefix", func() {
		os.Setenv("AGENTDBG_STORAGE_DRIVER", "memory")
		defer os.Unsetenv("AGENTDBG_STORAGE_DRIVER")

		v, err := config.InitViper(tmpDir)
		Expect(err).NotTo(HaveOccurred())

		Expect(v.GetString("storage.driver")).To(Equal("memory"))
	})

	It("env vars take precedence over config file values", func() {
		data := `[server]
listen = ":4000"
`
		err := os.WriteFile(filepath.Join(tmpDir, "config.toml"), []byte(data), 0o600)
		Expect(err).NotTo(HaveOccurred())

		os.Setenv("AGENTDBG_SERVER_LISTEN", ":5000")
		defer os.Unsetenv("AGENTDBG_SERVER_LISTEN")

		v, err := config.InitViper(tmpDir)
		Expect(err).NotTo(HaveOccurred())

		Expect(v.GetString("server.listen")).To(Equal(":5000"))
	})
})

var _ = Describe("BindFlags", func() {
	var tmpDir string

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "bindflag-test-*")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	It("binds cobra flags to viper keys via registry", func() {
		v, err := config.InitViper(tmpDir)
		Expect(err).NotTo(HaveOccurred())

		cmd := &cobra.Command{Use: "test"}
		var listen string
		var conns int
		config.AddStringFlag(cmd, config.Flags, config.FlagListen, &listen)
		config.AddIntFlag(cmd, config.Flags, config.FlagMaxConnections, &conns)

		// Simulate flags being set by the user
		Expect(cmd.Flags().Set("listen", ":7777")).To(Succeed())
		Expect(cmd.Flags().Set("max-connections", "3")).To(Succeed())

		config.BindRegisteredFlags(v, cmd, config.Flags, []string{config.FlagListen, config.FlagMaxConnections})

		Expect(v.GetString("server.listen")).To(Equal(":7777"))
		Expect(v.GetInt("server.max_connections")).To(Equal(3))
	})

	It("falls through to config when flag not set", func() {
		data := `[server]
listen = ":5555"
`
		err := os.WriteFile(filepath.Join(tmpDir, "config.toml"), []byte(data), 0o600)
		Expect(err).NotTo(HaveOccurred())

		v, err := config.InitViper(tmpDir)
		Expect(err).NotTo(HaveOccurred())

		cmd := &cobra.Command{Use: "test"}
		var listen string
		config.AddStringFlag(cmd, config.Flags, config.FlagListen, &listen)

		// Do NOT set the flag -- should fall through to config file value
		config.BindRegisteredFlags(v, cmd, config.Flags, []string{config.FlagListen})

		Expect(v.GetString("server.listen")).To(Equal(":5555"))
	})

	It("skips bindings for nonexistent registry keys", func() {
		v, err := config.InitViper(tmpDir)
		Expect(err).NotTo(HaveOccurred())

		cmd := &cobra.Command{Use: "test"}
		config.BindRegisteredFlags(v, cmd, config.Flags, []string{"nonexistent"})

		Expect(v.GetString("server.listen")).To(Equal(config.NewDefaultConfig().Server.Listen))
	})

	It("pulls name, shorthand, description and default from the registry", func() {
		cmd := &cobra.Command{Use: "test"}
		var target string
		var timeout time.Duration
		var sandboxed bool
		var brokers []string
		config.AddStringFlag(cmd, config.Flags, config.FlagAPITarget, &target)
		config.AddDurationFlag(cmd, config.Flags, config.FlagTimeout, &timeout)
		config.AddBoolFlag(cmd, config.Flags, config.FlagSandboxed, &sandboxed)
		config.AddStringSliceFlag(cmd, config.Flags, config.FlagKafkaBrokers, &brokers)

		f := cmd.Flags().Lookup("api-target")
		Expect(f).NotTo(BeNil())
		Expect(f.Shorthand).To(Equal("a"))
		Expect(f.Usage).To(Equal(config.Flags[config.FlagAPITarget].Description))
		Expect(f.DefValue).To(Equal(config.NewDefaultConfig().Client.APITarget))

		Expect(timeout).To(Equal(config.NewDefaultConfig().Executor.DefaultTimeout.Duration))
		Expect(cmd.Flags().Lookup("sandboxed")).NotTo(BeNil())
		Expect(cmd.Flags().Lookup("kafka-brokers")).NotTo(BeNil())
	})

	It("ignores keys missing from the registry", func() {
		cmd := &cobra.Command{Use: "test"}
		var s string
		config.AddStringFlag(cmd, config.FlagSet{}, config.FlagListen, &s)
		Expect(cmd.Flags().HasFlags()).To(BeFalse())
	})
})
