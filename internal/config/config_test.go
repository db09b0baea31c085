package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// isolate points every config location at a fresh temp home.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("DEADOPS_HOME", home)
	t.Setenv("DEADOPS_CONFIG", "")
	t.Setenv("DEADOPS_ENV_FILE", "")
	return home
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Bus.QueueSize != 1024 || cfg.Bus.Overflow != "block" {
		t.Errorf("unexpected bus defaults %+v", cfg.Bus)
	}
}

func TestConfigPathRespectsEnv(t *testing.T) {
	home := isolate(t)

	path, err := ConfigPath()
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	if path != filepath.Join(home, ".deadops", "config.json") {
		t.Fatalf("unexpected default path %q", path)
	}

	t.Setenv("DEADOPS_CONFIG", "~/custom/deadops.json")
	path, err = ConfigPath()
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	if path != filepath.Join(home, "custom", "deadops.json") {
		t.Fatalf("unexpected explicit path %q", path)
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Monitor.Interval != 15*time.Second {
		t.Errorf("expected default monitor interval, got %s", cfg.Monitor.Interval)
	}
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	home := isolate(t)
	writeFile(t, filepath.Join(home, ".deadops", "config.json"), `{
		"bus": {"queueSize": 64, "overflow": "reject"},
		"slack": {"enabled": true, "token": "${DEADOPS_TEST_SLACK_TOKEN}", "channel": "C-OPS"},
		"kafka": {"brokers": "k1:9092,k2:9092"}
	}`)
	t.Setenv("DEADOPS_TEST_SLACK_TOKEN", "xoxb-from-env")
	t.Setenv("DEADOPS_BUS_QUEUE_SIZE", "128")
	t.Setenv("DEADOPS_PIPELINE_ENABLED_JOBS", "api,web")
	t.Setenv("DEADOPS_MONITOR_INTERVAL", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bus.QueueSize != 128 {
		t.Errorf("env must override file, got %d", cfg.Bus.QueueSize)
	}
	if cfg.Bus.Overflow != "reject" {
		t.Errorf("expected overflow from file, got %q", cfg.Bus.Overflow)
	}
	if cfg.Slack.Token != "xoxb-from-env" || cfg.Slack.Channel != "C-OPS" {
		t.Errorf("unexpected slack config %+v", cfg.Slack)
	}
	if cfg.Kafka.Topic != "deadops.envelopes" || cfg.Kafka.Brokers != "k1:9092,k2:9092" {
		t.Errorf("file must merge over defaults, got %+v", cfg.Kafka)
	}
	if len(cfg.Pipeline.EnabledJobs) != 2 || cfg.Pipeline.EnabledJobs[1] != "web" {
		t.Errorf("unexpected jobs %v", cfg.Pipeline.EnabledJobs)
	}
	if cfg.Monitor.Interval != 5*time.Second {
		t.Errorf("unexpected interval %s", cfg.Monitor.Interval)
	}
}

func TestLoadUsesEnvFileCandidate(t *testing.T) {
	home := isolate(t)
	writeFile(t, filepath.Join(home, ".deadops", "env"), "DEADOPS_REDIS_ADDR=redis.internal:6380\n")
	t.Setenv("DEADOPS_REDIS_ADDR", "")
	os.Unsetenv("DEADOPS_REDIS_ADDR")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Redis.Addr != "redis.internal:6380" {
		t.Fatalf("expected redis addr from env file, got %q", cfg.Redis.Addr)
	}
}

func TestIncludesMergeAndDetectCycles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "base.json"), `{"logging": {"level": "debug", "format": "json"}}`)
	writeFile(t, filepath.Join(dir, "main.json"), `{"$include": "base.json", "logging": {"format": "text"}}`)

	cfg := DefaultConfig()
	if err := LoadFile(filepath.Join(dir, "main.json"), cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("unexpected logging %+v", cfg.Logging)
	}

	writeFile(t, filepath.Join(dir, "a.json"), `{"$include": ["b.json"]}`)
	writeFile(t, filepath.Join(dir, "b.json"), `{"$include": ["a.json"]}`)
	if err := LoadFile(filepath.Join(dir, "a.json"), DefaultConfig()); err == nil {
		t.Fatal("expected include cycle error")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Threat.RulesFile = "/etc/deadops/rules.yaml"
	if err := Save(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Threat.RulesFile != "/etc/deadops/rules.yaml" {
		t.Errorf("unexpected rules file %q", loaded.Threat.RulesFile)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"log level":       func(c *Config) { c.Logging.Level = "loud" },
		"log output":      func(c *Config) { c.Logging.Output = "syslog" },
		"file no path":    func(c *Config) { c.Logging.Output = "file"; c.Logging.FilePath = "" },
		"overflow":        func(c *Config) { c.Bus.Overflow = "spill" },
		"kafka codec":     func(c *Config) { c.Kafka.Enabled = true; c.Kafka.Codec = "avro" },
		"slack no token":  func(c *Config) { c.Slack.Enabled = true; c.Slack.Channel = "C" },
		"store no path":   func(c *Config) { c.Store.Path = " " },
		"threshold range": func(c *Config) { c.Monitor.HealthThreshold = 1.5 },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}
