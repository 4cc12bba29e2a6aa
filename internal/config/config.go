// Package config holds all configuration types and loading logic for diagq.
// Config structure never shrinks: fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a diagq server instance.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Queue     QueueConfig     `yaml:"queue"`
	Forwarder ForwarderConfig `yaml:"forwarder"`
	Journal   JournalConfig   `yaml:"journal"`
	Producers ProducerConfig  `yaml:"producers"`
	Auth      AuthConfig      `yaml:"auth"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Log       LogConfig       `yaml:"log"`
}

// NodeConfig holds identity and network settings for this server.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate a fresh one on every start.
	ID      string `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// QueueConfig controls the re-analysis work queue and its drain loop.
type QueueConfig struct {
	// ThrottleMs is the debounce window: a unit becomes ready this long after
	// its most recent push. Zero makes pushes immediately ready.
	ThrottleMs int `yaml:"throttle_ms"`
	// IdlePollMs bounds how long the drain loop sleeps with nothing pending.
	IdlePollMs int `yaml:"idle_poll_ms"`
	// AnalysisTimeoutMs bounds one analysis call. Zero disables the bound.
	AnalysisTimeoutMs int `yaml:"analysis_timeout_ms"`
}

// ForwarderConfig controls batch delivery to listeners.
type ForwarderConfig struct {
	BatchKind      string `yaml:"batch_kind"`
	EnabledOnStart bool   `yaml:"enabled_on_start"`
}

// JournalConfig controls the bbolt batch journal.
type JournalConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path is resolved against node.data_dir when relative.
	Path   string `yaml:"path"`
	Retain int    `yaml:"retain"`
}

// ProducerConfig sets rate limiting applied per client.
type ProducerConfig struct {
	// MaxRate is requests per second per client.
	MaxRate int `yaml:"max_rate"`
	// Burst allows temporary spikes above MaxRate.
	Burst int `yaml:"burst"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// WebhookConfig controls behaviour when pushing batches to webhook subscribers.
type WebhookConfig struct {
	// RetryDelaysMs is the list of delays between successive retry attempts.
	RetryDelaysMs []int `yaml:"retry_delays_ms"`
	TimeoutMs     int   `yaml:"timeout_ms"`
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogJSON LogFormat = "json"
	LogText LogFormat = "text"
)

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string    `yaml:"level"`
	Format LogFormat `yaml:"format"`
	// File, when set, receives a copy of every log line.
	File string `yaml:"file"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			Host:    "0.0.0.0",
			Port:    8080,
			DataDir: "./data",
		},
		Queue: QueueConfig{
			ThrottleMs:        500,
			IdlePollMs:        250,
			AnalysisTimeoutMs: 30_000,
		},
		Forwarder: ForwarderConfig{
			BatchKind:      "diagnostics",
			EnabledOnStart: false,
		},
		Journal: JournalConfig{
			Enabled: false,
			Path:    "journal.db",
			Retain:  1000,
		},
		Producers: ProducerConfig{
			MaxRate: 1_000,
			Burst:   5_000,
		},
		Auth: AuthConfig{
			Enabled: false,
			APIKey:  "",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Webhook: WebhookConfig{
			RetryDelaysMs: []int{1_000, 5_000},
			TimeoutMs:     5_000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: LogJSON,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run diagq with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	DIAGQ_AUTH_API_KEY   sets auth.api_key and enables auth
//	DIAGQ_DATA_DIR       sets node.data_dir
//	DIAGQ_PORT           sets node.port
//	DIAGQ_THROTTLE_MS    sets queue.throttle_ms
//	DIAGQ_LOG_LEVEL      sets log.level
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("DIAGQ_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("DIAGQ_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("DIAGQ_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
	if v := os.Getenv("DIAGQ_THROTTLE_MS"); v != "" {
		var ms int
		if _, err := fmt.Sscanf(v, "%d", &ms); err == nil && ms >= 0 {
			cfg.Queue.ThrottleMs = ms
		}
	}
	if v := os.Getenv("DIAGQ_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	if c.Queue.ThrottleMs < 0 {
		return errors.New("queue.throttle_ms must be >= 0")
	}
	if c.Queue.IdlePollMs < 1 {
		return errors.New("queue.idle_poll_ms must be at least 1")
	}
	if c.Queue.AnalysisTimeoutMs < 0 {
		return errors.New("queue.analysis_timeout_ms must be >= 0")
	}
	if strings.TrimSpace(c.Forwarder.BatchKind) == "" {
		return errors.New("forwarder.batch_kind must not be empty")
	}
	if c.Journal.Enabled {
		if c.Journal.Path == "" {
			return errors.New("journal.path must not be empty when the journal is enabled")
		}
		if c.Journal.Retain < 1 {
			return errors.New("journal.retain must be at least 1")
		}
	}
	if c.Producers.MaxRate < 0 || c.Producers.Burst < 0 {
		return errors.New("producers.max_rate and producers.burst must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	for _, d := range c.Webhook.RetryDelaysMs {
		if d < 0 {
			return errors.New("webhook.retry_delays_ms must not contain negative values")
		}
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case LogJSON, LogText:
		// valid
	default:
		return errors.New(`log.format must be one of "json", "text"`)
	}
	return nil
}

// Throttle returns queue.throttle_ms as a Duration.
func (c *Config) Throttle() time.Duration {
	return time.Duration(c.Queue.ThrottleMs) * time.Millisecond
}

// IdleInterval returns queue.idle_poll_ms as a Duration.
func (c *Config) IdleInterval() time.Duration {
	return time.Duration(c.Queue.IdlePollMs) * time.Millisecond
}

// AnalysisTimeout returns queue.analysis_timeout_ms as a Duration.
func (c *Config) AnalysisTimeout() time.Duration {
	return time.Duration(c.Queue.AnalysisTimeoutMs) * time.Millisecond
}

// WebhookRetryDelays returns webhook.retry_delays_ms as Durations.
func (c *Config) WebhookRetryDelays() []time.Duration {
	out := make([]time.Duration, len(c.Webhook.RetryDelaysMs))
	for i, ms := range c.Webhook.RetryDelaysMs {
		out[i] = time.Duration(ms) * time.Millisecond
	}
	return out
}

// JournalPath resolves journal.path against node.data_dir.
func (c *Config) JournalPath() string {
	if filepath.IsAbs(c.Journal.Path) {
		return c.Journal.Path
	}
	return filepath.Join(c.Node.DataDir, c.Journal.Path)
}

// LogLevel parses log.level.
func (c *Config) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}
