package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
logging:
  development: false
store:
  engine: bolt
  path: /var/lib/frontier/state.db
  fsync: always
  checkpoint_interval: 1m
frontier:
  minimum_delay: 2s
  delay_factor: 3.5
  session_budget: 500
  total_budget: 10000
  max_retries: 5
  over_budget_policy: snooze
  activate_inactive: false
journal:
  max_batch_events: 50
  max_batch_wait: 250ms
  file:
    path: /tmp/journal.jsonl
  kafka:
    brokers: ["k1:9092", "k2:9092"]
    topic: frontier-journal
workers:
  count: 4
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Store.Engine != EngineBolt || cfg.Store.Fsync != "always" || cfg.Store.CheckpointInterval != time.Minute {
		t.Fatalf("expected store overrides to apply: %+v", cfg.Store)
	}
	if cfg.Journal.MaxBatchWait != 250*time.Millisecond || cfg.Journal.BufferSize != 4096 {
		t.Fatalf("expected journal overrides and defaults: %+v", cfg.Journal)
	}
	if len(cfg.Journal.Kafka.Brokers) != 2 || cfg.Journal.Kafka.Topic != "frontier-journal" {
		t.Fatalf("expected kafka sink config: %+v", cfg.Journal.Kafka)
	}
	if cfg.Workers.Count != 4 {
		t.Fatalf("expected 4 workers, got %d", cfg.Workers.Count)
	}

	opts := cfg.FrontierOptions()
	if opts.Politeness.MinimumDelay != 2*time.Second || opts.Politeness.DelayFactor != 3.5 {
		t.Fatalf("unexpected politeness %+v", opts.Politeness)
	}
	if opts.SessionBudget != 500 || opts.TotalBudget != 10000 || opts.MaxRetries != 5 {
		t.Fatalf("unexpected budgets %+v", opts)
	}
	if opts.OverBudgetPolicy != frontier.OverBudgetSnooze || opts.ActivateInactive {
		t.Fatalf("unexpected policy %+v", opts)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	def := frontier.DefaultOptions()
	opts := cfg.FrontierOptions()
	if opts.Politeness != def.Politeness || opts.SessionBudget != def.SessionBudget || opts.TotalBudget != def.TotalBudget {
		t.Fatalf("defaults drifted: got %+v want %+v", opts, def)
	}
	if cfg.Store.Engine != EnginePebble || cfg.Store.Fsync != "checkpoint" {
		t.Fatalf("unexpected store defaults %+v", cfg.Store)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:   ServerConfig{Port: 8080},
		Store:    StoreConfig{Engine: EngineMemory, Fsync: "checkpoint"},
		Frontier: FrontierConfig{SessionBudget: 10, OverBudgetPolicy: "inactive"},
		Journal:  JournalConfig{Enabled: true, BufferSize: 1},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "auth missing api key", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "unknown engine", mutate: func(c *Config) { c.Store.Engine = "rocks" }, want: "store.engine"},
		{name: "pebble without path", mutate: func(c *Config) { c.Store.Engine = EnginePebble }, want: "store.path"},
		{name: "bad fsync", mutate: func(c *Config) { c.Store.Fsync = "never" }, want: "store.fsync"},
		{name: "negative checkpoint", mutate: func(c *Config) { c.Store.CheckpointInterval = -time.Second }, want: "store.checkpoint_interval"},
		{name: "negative delay", mutate: func(c *Config) { c.Frontier.MinimumDelay = -time.Second }, want: "frontier.minimum_delay"},
		{name: "zero session budget", mutate: func(c *Config) { c.Frontier.SessionBudget = 0 }, want: "frontier.session_budget"},
		{name: "negative retries", mutate: func(c *Config) { c.Frontier.MaxRetries = -1 }, want: "frontier.max_retries"},
		{name: "bad policy", mutate: func(c *Config) { c.Frontier.OverBudgetPolicy = "drop" }, want: "frontier.over_budget_policy"},
		{name: "journal buffer", mutate: func(c *Config) { c.Journal.BufferSize = 0 }, want: "journal.buffer_size"},
		{name: "kafka topic", mutate: func(c *Config) { c.Journal.Kafka.Brokers = []string{"k:9092"} }, want: "journal.kafka.topic"},
		{name: "pubsub half set", mutate: func(c *Config) { c.Journal.PubSub.ProjectID = "p" }, want: "journal.pubsub"},
		{name: "negative workers", mutate: func(c *Config) { c.Workers.Count = -1 }, want: "workers.count"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
