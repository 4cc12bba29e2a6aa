package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/snehjoshi/diagq/internal/config"
)

func TestDefault_HasSensibleValues(t *testing.T) {
	cfg := config.Default()

	if cfg.Node.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Node.Port)
	}
	if cfg.Node.Host != "0.0.0.0" {
		t.Errorf("expected default host 0.0.0.0, got %s", cfg.Node.Host)
	}
	if cfg.Node.DataDir != "./data" {
		t.Errorf("expected default data_dir ./data, got %s", cfg.Node.DataDir)
	}
	if cfg.Throttle() != 500*time.Millisecond {
		t.Errorf("expected default throttle 500ms, got %s", cfg.Throttle())
	}
	if cfg.IdleInterval() != 250*time.Millisecond {
		t.Errorf("expected default idle interval 250ms, got %s", cfg.IdleInterval())
	}
	if cfg.AnalysisTimeout() != 30*time.Second {
		t.Errorf("expected default analysis timeout 30s, got %s", cfg.AnalysisTimeout())
	}
	if cfg.Forwarder.BatchKind != "diagnostics" {
		t.Errorf("expected default batch kind diagnostics, got %s", cfg.Forwarder.BatchKind)
	}
	if cfg.Forwarder.EnabledOnStart {
		t.Error("forwarder must start disabled by default")
	}
	if cfg.Journal.Enabled {
		t.Error("journal must be disabled by default")
	}
	if len(cfg.WebhookRetryDelays()) != 2 {
		t.Errorf("expected 2 webhook retry delays, got %d", len(cfg.WebhookRetryDelays()))
	}
}

func TestLoad_MissingFile_ReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if cfg.Node.Port != 8080 {
		t.Errorf("expected default port for missing file, got %d", cfg.Node.Port)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	yaml := `
node:
  port: 9999
  host: "127.0.0.1"
  data_dir: "/tmp/diagq_test"
queue:
  throttle_ms: 0
forwarder:
  enabled_on_start: true
journal:
  enabled: true
  retain: 10
log:
  format: text
`
	path := writeTempYAML(t, yaml)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Node.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Node.Port)
	}
	if cfg.Node.Host != "127.0.0.1" {
		t.Errorf("expected host 127.0.0.1, got %s", cfg.Node.Host)
	}
	if cfg.Throttle() != 0 {
		t.Errorf("expected throttle 0, got %s", cfg.Throttle())
	}
	if !cfg.Forwarder.EnabledOnStart {
		t.Error("expected forwarder.enabled_on_start true")
	}
	if cfg.Journal.Retain != 10 {
		t.Errorf("expected journal.retain 10, got %d", cfg.Journal.Retain)
	}
	if cfg.JournalPath() != filepath.Join("/tmp/diagq_test", "journal.db") {
		t.Errorf("unexpected journal path %s", cfg.JournalPath())
	}
	if cfg.Log.Format != config.LogText {
		t.Errorf("expected text log format, got %s", cfg.Log.Format)
	}
	// Unset fields keep their defaults.
	if cfg.Queue.IdlePollMs != 250 {
		t.Errorf("expected default idle_poll_ms 250 (unchanged), got %d", cfg.Queue.IdlePollMs)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should be valid, got: %v", err)
	}
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	path := writeTempYAML(t, "node: [invalid: yaml: {{{}}")
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DIAGQ_AUTH_API_KEY", "k")
	t.Setenv("DIAGQ_DATA_DIR", "/var/lib/diagq")
	t.Setenv("DIAGQ_PORT", "7070")
	t.Setenv("DIAGQ_THROTTLE_MS", "25")
	t.Setenv("DIAGQ_LOG_LEVEL", "debug")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "k" {
		t.Errorf("expected auth enabled with key, got %+v", cfg.Auth)
	}
	if cfg.Node.DataDir != "/var/lib/diagq" {
		t.Errorf("unexpected data dir %s", cfg.Node.DataDir)
	}
	if cfg.Node.Port != 7070 {
		t.Errorf("expected port 7070, got %d", cfg.Node.Port)
	}
	if cfg.Throttle() != 25*time.Millisecond {
		t.Errorf("expected throttle 25ms, got %s", cfg.Throttle())
	}
	lvl, err := cfg.LogLevel()
	if err != nil || lvl != slog.LevelDebug {
		t.Errorf("expected debug level, got %v (%v)", lvl, err)
	}
}

func TestLoad_EnvIgnoresGarbage(t *testing.T) {
	t.Setenv("DIAGQ_PORT", "not-a-port")
	t.Setenv("DIAGQ_THROTTLE_MS", "-5")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Node.Port != 8080 {
		t.Errorf("expected default port, got %d", cfg.Node.Port)
	}
	if cfg.Queue.ThrottleMs != 500 {
		t.Errorf("expected default throttle, got %d", cfg.Queue.ThrottleMs)
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid, got: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(*config.Config){
		"port zero":          func(c *config.Config) { c.Node.Port = 0 },
		"port too large":     func(c *config.Config) { c.Node.Port = 99999 },
		"empty data dir":     func(c *config.Config) { c.Node.DataDir = "" },
		"negative throttle":  func(c *config.Config) { c.Queue.ThrottleMs = -1 },
		"zero idle poll":     func(c *config.Config) { c.Queue.IdlePollMs = 0 },
		"negative timeout":   func(c *config.Config) { c.Queue.AnalysisTimeoutMs = -1 },
		"empty batch kind":   func(c *config.Config) { c.Forwarder.BatchKind = " " },
		"journal no retain":  func(c *config.Config) { c.Journal.Enabled = true; c.Journal.Retain = 0 },
		"journal no path":    func(c *config.Config) { c.Journal.Enabled = true; c.Journal.Path = "" },
		"auth without key":   func(c *config.Config) { c.Auth.Enabled = true },
		"bad metrics port":   func(c *config.Config) { c.Metrics.Port = 0 },
		"negative retry":     func(c *config.Config) { c.Webhook.RetryDelaysMs = []int{-1} },
		"unknown log level":  func(c *config.Config) { c.Log.Level = "loud" },
		"unknown log format": func(c *config.Config) { c.Log.Format = "xml" },
		"negative rate":      func(c *config.Config) { c.Producers.MaxRate = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error for %s", name)
			}
		})
	}
}

func TestJournalPath_Absolute(t *testing.T) {
	cfg := config.Default()
	cfg.Journal.Path = "/abs/j.db"
	if cfg.JournalPath() != "/abs/j.db" {
		t.Errorf("absolute journal path should be used as-is, got %s", cfg.JournalPath())
	}
}

// writeTempYAML writes content to a temp file and returns its path.
func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writeTempYAML: %v", err)
	}
	return path
}
