// Package config provides configuration types and loading for deadops.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration struct.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Bus      BusConfig      `json:"bus"`
	Store    StoreConfig    `json:"store"`
	Kafka    KafkaConfig    `json:"kafka"`
	Slack    SlackConfig    `json:"slack"`
	Pipeline PipelineConfig `json:"pipeline"`
	Threat   ThreatConfig   `json:"threat"`
	Redis    RedisConfig    `json:"redis"`
	Monitor  MonitorConfig  `json:"monitor"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig selects level, format and destination of the process log.
type LoggingConfig struct {
	Level      string `json:"level" envconfig:"LEVEL"`
	Format     string `json:"format" envconfig:"FORMAT"` // "text" or "json"
	Output     string `json:"output" envconfig:"OUTPUT"` // "stdout", "stderr" or "file"
	FilePath   string `json:"filePath" envconfig:"FILE_PATH"`
	MaxSizeMB  int    `json:"maxSizeMb" envconfig:"MAX_SIZE_MB"`
	MaxBackups int    `json:"maxBackups" envconfig:"MAX_BACKUPS"`
	MaxAgeDays int    `json:"maxAgeDays" envconfig:"MAX_AGE_DAYS"`
	Compress   bool   `json:"compress" envconfig:"COMPRESS"`
}

// ---------------------------------------------------------------------------
// Bus – in-process message bus
// ---------------------------------------------------------------------------

// BusConfig bounds the bus ingress queue.
type BusConfig struct {
	QueueSize int    `json:"queueSize" envconfig:"QUEUE_SIZE"`
	Overflow  string `json:"overflow" envconfig:"OVERFLOW"` // "block", "drop_oldest", "reject"
}

// ---------------------------------------------------------------------------
// Store – sqlite persistence
// ---------------------------------------------------------------------------

// StoreConfig locates the sqlite database.
type StoreConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	Path    string `json:"path" envconfig:"PATH"`
	Audit   bool   `json:"audit" envconfig:"AUDIT"`
}

// ---------------------------------------------------------------------------
// Kafka – cross-node envelope bridge
// ---------------------------------------------------------------------------

// KafkaConfig configures the Kafka bridge.
type KafkaConfig struct {
	Enabled       bool     `json:"enabled" envconfig:"ENABLED"`
	Brokers       string   `json:"brokers" envconfig:"BROKERS"`
	Topic         string   `json:"topic" envconfig:"TOPIC"`
	GroupID       string   `json:"groupId" envconfig:"GROUP_ID"`
	NodeID        string   `json:"nodeId" envconfig:"NODE_ID"`
	Codec         string   `json:"codec" envconfig:"CODEC"` // "json" or "protobuf"
	Types         []string `json:"types" envconfig:"TYPES"`
	SASLMechanism string   `json:"saslMechanism" envconfig:"SASL_MECHANISM"`
	Username      string   `json:"username" envconfig:"USERNAME"`
	Password      string   `json:"password" envconfig:"PASSWORD"`
	TLS           bool     `json:"tls" envconfig:"TLS"`
	CAFile        string   `json:"caFile" envconfig:"CA_FILE"`
}

// ---------------------------------------------------------------------------
// Agents
// ---------------------------------------------------------------------------

// SlackConfig configures the notification agent.
type SlackConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	Token   string `json:"token" envconfig:"TOKEN"`
	APIBase string `json:"apiBase,omitempty" envconfig:"API_BASE"`
	Channel string `json:"channel" envconfig:"CHANNEL"`
}

// PipelineConfig configures the CI pipeline agent.
type PipelineConfig struct {
	Enabled      bool          `json:"enabled" envconfig:"ENABLED"`
	BaseURL      string        `json:"baseUrl" envconfig:"BASE_URL"`
	Username     string        `json:"username" envconfig:"USERNAME"`
	APIToken     string        `json:"apiToken" envconfig:"API_TOKEN"`
	PollInterval time.Duration `json:"pollInterval" envconfig:"POLL_INTERVAL"`
	EnabledJobs  []string      `json:"enabledJobs" envconfig:"ENABLED_JOBS"`
}

// ThreatConfig configures the threat detection agent.
type ThreatConfig struct {
	Enabled   bool   `json:"enabled" envconfig:"ENABLED"`
	RulesFile string `json:"rulesFile,omitempty" envconfig:"RULES_FILE"`
}

// ---------------------------------------------------------------------------
// Redis – state snapshot sink
// ---------------------------------------------------------------------------

// RedisConfig configures the state snapshot sink.
type RedisConfig struct {
	Enabled  bool          `json:"enabled" envconfig:"ENABLED"`
	Addr     string        `json:"addr" envconfig:"ADDR"`
	Password string        `json:"password" envconfig:"PASSWORD"`
	DB       int           `json:"db" envconfig:"DB"`
	Prefix   string        `json:"prefix" envconfig:"PREFIX"`
	TTL      time.Duration `json:"ttl" envconfig:"TTL"`
}

// ---------------------------------------------------------------------------
// Monitor – status reporter
// ---------------------------------------------------------------------------

// MonitorConfig configures the status reporter.
type MonitorConfig struct {
	Enabled         bool          `json:"enabled" envconfig:"ENABLED"`
	Interval        time.Duration `json:"interval" envconfig:"INTERVAL"`
	HealthThreshold float64       `json:"healthThreshold" envconfig:"HEALTH_THRESHOLD"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   "~/.deadops/logs/deadops.log",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Bus: BusConfig{
			QueueSize: 1024,
			Overflow:  "block",
		},
		Store: StoreConfig{
			Enabled: true,
			Path:    "~/.deadops/deadops.db",
			Audit:   true,
		},
		Kafka: KafkaConfig{
			Enabled: false,
			Brokers: "localhost:9092",
			Topic:   "deadops.envelopes",
			GroupID: "deadops",
			Codec:   "json",
		},
		Slack: SlackConfig{
			Enabled: false,
			APIBase: "https://slack.com/api/",
		},
		Pipeline: PipelineConfig{
			Enabled:      false,
			BaseURL:      "http://localhost:8080",
			PollInterval: 30 * time.Second,
		},
		Threat: ThreatConfig{
			Enabled: true,
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			Prefix:  "deadops:state",
		},
		Monitor: MonitorConfig{
			Enabled:         true,
			Interval:        15 * time.Second,
			HealthThreshold: 0.5,
		},
	}
}

// Validate checks enumerated values and required fields of enabled groups.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format: unknown format %q", c.Logging.Format)
	}
	switch strings.ToLower(c.Logging.Output) {
	case "", "stdout", "stderr":
	case "file":
		if strings.TrimSpace(c.Logging.FilePath) == "" {
			return fmt.Errorf("logging.filePath is required for file output")
		}
	default:
		return fmt.Errorf("logging.output: unknown output %q", c.Logging.Output)
	}
	switch c.Bus.Overflow {
	case "", "block", "drop_oldest", "reject":
	default:
		return fmt.Errorf("bus.overflow: unknown policy %q", c.Bus.Overflow)
	}
	if c.Bus.QueueSize < 0 {
		return fmt.Errorf("bus.queueSize must not be negative")
	}
	if c.Kafka.Enabled {
		if strings.TrimSpace(c.Kafka.Brokers) == "" || strings.TrimSpace(c.Kafka.Topic) == "" {
			return fmt.Errorf("kafka: brokers and topic are required")
		}
		switch strings.ToLower(c.Kafka.Codec) {
		case "", "json", "protobuf":
		default:
			return fmt.Errorf("kafka.codec: unknown codec %q", c.Kafka.Codec)
		}
	}
	if c.Slack.Enabled && (c.Slack.Token == "" || c.Slack.Channel == "") {
		return fmt.Errorf("slack: token and channel are required")
	}
	if c.Store.Enabled && strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Monitor.HealthThreshold < 0 || c.Monitor.HealthThreshold > 1 {
		return fmt.Errorf("monitor.healthThreshold must be within [0,1]")
	}
	return nil
}
