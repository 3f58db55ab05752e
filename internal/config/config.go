// Package config loads and validates frontier configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Store    StoreConfig    `mapstructure:"store"`
	Frontier FrontierConfig `mapstructure:"frontier"`
	Journal  JournalConfig  `mapstructure:"journal"`
	Workers  WorkersConfig  `mapstructure:"workers"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Storage engines accepted by store.engine.
const (
	EnginePebble = "pebble"
	EngineBolt   = "bolt"
	EngineMemory = "memory"
)

// StoreConfig selects and tunes the storage engine.
type StoreConfig struct {
	Engine string `mapstructure:"engine"`
	// Path is a directory for pebble and a file for bolt.
	Path string `mapstructure:"path"`
	// Fsync is "checkpoint" (durable at Sync) or "always".
	Fsync string `mapstructure:"fsync"`
	// CheckpointInterval triggers a periodic Sync while serving; zero disables it.
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
}

// FrontierConfig holds scheduling policy.
type FrontierConfig struct {
	MinimumDelay     time.Duration `mapstructure:"minimum_delay"`
	DelayFactor      float64       `mapstructure:"delay_factor"`
	SessionBudget    int64         `mapstructure:"session_budget"`
	TotalBudget      int64         `mapstructure:"total_budget"`
	MaxRetries       int           `mapstructure:"max_retries"`
	OverBudgetPolicy string        `mapstructure:"over_budget_policy"`
	ActivateInactive bool          `mapstructure:"activate_inactive"`
}

// JournalConfig configures the journal hub and its sinks. A sink is enabled by
// setting its destination.
type JournalConfig struct {
	Enabled        bool           `mapstructure:"enabled"`
	BufferSize     int            `mapstructure:"buffer_size"`
	MaxBatchEvents int            `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration  `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration  `mapstructure:"sink_timeout"`
	Log            bool           `mapstructure:"log"`
	Prometheus     bool           `mapstructure:"prometheus"`
	File           FileSinkConfig `mapstructure:"file"`
	Postgres       PostgresConfig `mapstructure:"postgres"`
	Kafka          KafkaConfig    `mapstructure:"kafka"`
	PubSub         PubSubConfig   `mapstructure:"pubsub"`
}

// FileSinkConfig writes journal events as JSON lines.
type FileSinkConfig struct {
	Path string `mapstructure:"path"`
	Sync bool   `mapstructure:"sync"`
}

// PostgresConfig controls the journal table writer.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// KafkaConfig controls the journal topic writer.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// WorkersConfig sizes the in-process worker pool. Zero workers leaves leasing
// to remote workers through the API.
type WorkersConfig struct {
	Count          int           `mapstructure:"count"`
	ProcessTimeout time.Duration `mapstructure:"process_timeout"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FRONTIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := frontier.DefaultOptions()
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("store.engine", EnginePebble)
	v.SetDefault("store.path", "data/frontier")
	v.SetDefault("store.fsync", "checkpoint")
	v.SetDefault("store.checkpoint_interval", 5*time.Minute)
	v.SetDefault("frontier.minimum_delay", def.Politeness.MinimumDelay)
	v.SetDefault("frontier.delay_factor", def.Politeness.DelayFactor)
	v.SetDefault("frontier.session_budget", def.SessionBudget)
	v.SetDefault("frontier.total_budget", def.TotalBudget)
	v.SetDefault("frontier.max_retries", def.MaxRetries)
	v.SetDefault("frontier.over_budget_policy", string(def.OverBudgetPolicy))
	v.SetDefault("frontier.activate_inactive", def.ActivateInactive)
	v.SetDefault("journal.enabled", true)
	v.SetDefault("journal.buffer_size", 4096)
	v.SetDefault("journal.max_batch_events", 1000)
	v.SetDefault("journal.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("journal.sink_timeout", 10*time.Second)
	v.SetDefault("journal.log", false)
	v.SetDefault("journal.prometheus", true)
	v.SetDefault("journal.postgres.table", "frontier_journal")
	v.SetDefault("workers.count", 0)
	v.SetDefault("workers.process_timeout", time.Minute)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Store.Engine {
	case EnginePebble, EngineBolt:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the %s engine", c.Store.Engine)
		}
	case EngineMemory:
	default:
		return fmt.Errorf("store.engine must be one of pebble, bolt, memory; got %q", c.Store.Engine)
	}
	switch c.Store.Fsync {
	case "checkpoint", "always":
	default:
		return fmt.Errorf("store.fsync must be checkpoint or always; got %q", c.Store.Fsync)
	}
	if c.Store.CheckpointInterval < 0 {
		return fmt.Errorf("store.checkpoint_interval must be >= 0")
	}
	if c.Frontier.MinimumDelay < 0 || c.Frontier.DelayFactor < 0 {
		return fmt.Errorf("frontier.minimum_delay and frontier.delay_factor must be >= 0")
	}
	if c.Frontier.SessionBudget <= 0 {
		return fmt.Errorf("frontier.session_budget must be > 0")
	}
	if c.Frontier.MaxRetries < 0 {
		return fmt.Errorf("frontier.max_retries must be >= 0")
	}
	switch frontier.OverBudgetPolicy(c.Frontier.OverBudgetPolicy) {
	case frontier.OverBudgetInactive, frontier.OverBudgetSnooze:
	default:
		return fmt.Errorf("frontier.over_budget_policy must be inactive or snooze; got %q", c.Frontier.OverBudgetPolicy)
	}
	if c.Journal.Enabled && c.Journal.BufferSize <= 0 {
		return fmt.Errorf("journal.buffer_size must be > 0 when the journal is enabled")
	}
	if len(c.Journal.Kafka.Brokers) > 0 && c.Journal.Kafka.Topic == "" {
		return fmt.Errorf("journal.kafka.topic is required when brokers are set")
	}
	if (c.Journal.PubSub.ProjectID == "") != (c.Journal.PubSub.TopicName == "") {
		return fmt.Errorf("journal.pubsub needs both project_id and topic_name")
	}
	if c.Workers.Count < 0 {
		return fmt.Errorf("workers.count must be >= 0")
	}
	return nil
}

// FrontierOptions converts the frontier section into frontier.Options. Clock,
// journal, observer and logger are left for the caller to wire.
func (c Config) FrontierOptions() frontier.Options {
	opts := frontier.DefaultOptions()
	opts.Politeness = frontier.Politeness{
		MinimumDelay: c.Frontier.MinimumDelay,
		DelayFactor:  c.Frontier.DelayFactor,
	}
	opts.SessionBudget = c.Frontier.SessionBudget
	opts.TotalBudget = c.Frontier.TotalBudget
	opts.MaxRetries = c.Frontier.MaxRetries
	opts.OverBudgetPolicy = frontier.OverBudgetPolicy(c.Frontier.OverBudgetPolicy)
	opts.ActivateInactive = c.Frontier.ActivateInactive
	return opts
}
