package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/outreachd/outreachd/internal/quota"
	"github.com/outreachd/outreachd/internal/schedule"
)

// Config is the main configuration structure
type Config struct {
	Server   ServerConfig      `yaml:"server"`
	API      APIConfig         `yaml:"api"`
	Storage  StorageConfig     `yaml:"storage"`
	Dispatch DispatchConfig    `yaml:"dispatch"`
	Quota    quota.Limits      `yaml:"quota"`    // default per-account limits
	Schedule schedule.Settings `yaml:"schedule"` // default campaign send window
	Sequence SequenceConfig    `yaml:"sequence"`
	Provider ProviderConfig    `yaml:"provider"`
	Events   EventsConfig      `yaml:"events"`
	Runner   RunnerConfig      `yaml:"runner"`
	Logging  LoggingConfig     `yaml:"logging"`
	Metrics  MetricsConfig     `yaml:"metrics"`
}

// ServerConfig contains server-wide settings
type ServerConfig struct {
	Hostname string `yaml:"hostname"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Max HTTP header size (default: 1MB)
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // HTTP read timeout (default: 30s)
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // HTTP write timeout (default: 30s)
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // HTTP idle timeout (default: 60s)
	AllowedIPs     []string      `yaml:"allowed_ips"`      // IP addresses/CIDRs allowed to access API (empty = allow all)
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path      string           `yaml:"path"`
	Retention *RetentionConfig `yaml:"retention"`
}

// RetentionConfig controls cleanup of terminal queue items
type RetentionConfig struct {
	TerminalMaxAge  time.Duration `yaml:"terminal_max_age"` // Delete sent/failed/skipped items older than this (0 = keep forever)
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // How often to run cleanup
}

// DispatchConfig contains dispatcher loop settings
type DispatchConfig struct {
	Workers            int           `yaml:"workers"`
	TickInterval       time.Duration `yaml:"tick_interval"`
	BatchSize          int           `yaml:"batch_size"`
	RetryInterval      time.Duration `yaml:"retry_interval"`
	MaxAttempts        int           `yaml:"max_attempts"`
	AccountConcurrency int           `yaml:"account_concurrency"` // in-flight sends per account (1-3)
	StuckGrace         time.Duration `yaml:"stuck_grace"`
	ReapInterval       time.Duration `yaml:"reap_interval"`
}

// SequenceConfig contains follow-up scheduling settings
type SequenceConfig struct {
	Jitter time.Duration `yaml:"jitter"` // max +/- randomization applied to step delays
}

// ProviderConfig contains outbound messaging API settings
type ProviderConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	Timeout        time.Duration `yaml:"timeout"`
	RequestsPerSec float64       `yaml:"requests_per_sec"`
}

// EventsConfig contains acceptance polling settings
type EventsConfig struct {
	PollSchedule     string        `yaml:"poll_schedule"`      // cron expression (default: every 2 hours)
	DeclineGrace     time.Duration `yaml:"decline_grace"`      // how long an invitation may be absent before it counts as declined
	MaxInvitationAge time.Duration `yaml:"max_invitation_age"` // expire pending invitations older than this (0 = never)
}

// RunnerConfig contains workflow runner delegation settings
type RunnerConfig struct {
	Enabled    bool          `yaml:"enabled"`
	WebhookURL string        `yaml:"webhook_url"`
	AuthToken  string        `yaml:"auth_token"`
	Timeout    time.Duration `yaml:"timeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ListenAddr string   `yaml:"listen_addr"` // Default: :9090
	Path       string   `yaml:"path"`        // Default: /metrics
	AllowedIPs []string `yaml:"allowed_ips"` // IP addresses/CIDRs allowed to access metrics
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/outreachd/outreachd.db"
	}
	if c.Storage.Retention == nil {
		c.Storage.Retention = &RetentionConfig{}
	}
	if c.Storage.Retention.CleanupInterval == 0 {
		c.Storage.Retention.CleanupInterval = time.Hour
	}

	if c.Dispatch.Workers == 0 {
		c.Dispatch.Workers = 4
	}
	if c.Dispatch.TickInterval == 0 {
		c.Dispatch.TickInterval = 30 * time.Second
	}
	if c.Dispatch.BatchSize == 0 {
		c.Dispatch.BatchSize = 50
	}
	if c.Dispatch.RetryInterval == 0 {
		c.Dispatch.RetryInterval = 5 * time.Minute
	}
	if c.Dispatch.MaxAttempts == 0 {
		c.Dispatch.MaxAttempts = 3
	}
	if c.Dispatch.AccountConcurrency == 0 {
		c.Dispatch.AccountConcurrency = 1
	}
	if c.Dispatch.StuckGrace == 0 {
		c.Dispatch.StuckGrace = 30 * time.Minute
	}
	if c.Dispatch.ReapInterval == 0 {
		c.Dispatch.ReapInterval = 5 * time.Minute
	}

	if c.Quota.Daily == 0 {
		c.Quota.Daily = quota.DefaultDailyLimit
	}
	if c.Quota.Weekly == 0 {
		c.Quota.Weekly = quota.DefaultWeeklyLimit
	}

	c.Schedule = c.Schedule.Normalized()

	if c.Sequence.Jitter == 0 {
		c.Sequence.Jitter = 15 * time.Minute
	}

	if c.Provider.Timeout == 0 {
		c.Provider.Timeout = 30 * time.Second
	}
	if c.Provider.RequestsPerSec == 0 {
		c.Provider.RequestsPerSec = 2
	}

	if c.Events.PollSchedule == "" {
		c.Events.PollSchedule = "0 */2 * * *"
	}
	if c.Events.DeclineGrace == 0 {
		c.Events.DeclineGrace = 24 * time.Hour
	}

	if c.Runner.Timeout == 0 {
		c.Runner.Timeout = 30 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if !c.Runner.Enabled && c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url is required when the runner is disabled")
	}
	if c.Runner.Enabled && c.Runner.WebhookURL == "" {
		return fmt.Errorf("runner.webhook_url is required when the runner is enabled")
	}

	if c.Quota.Daily < 0 || c.Quota.Weekly < 0 {
		return fmt.Errorf("quota limits must not be negative")
	}
	if c.Dispatch.AccountConcurrency < 1 || c.Dispatch.AccountConcurrency > 3 {
		return fmt.Errorf("dispatch.account_concurrency must be between 1 and 3, got %d", c.Dispatch.AccountConcurrency)
	}
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be at least 1")
	}

	if err := c.Schedule.Validate(); err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}
