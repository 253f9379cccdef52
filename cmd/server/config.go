// Package main provides the Sentinel server CLI.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/good-yellow-bee/sentinel/internal/api"
	"github.com/good-yellow-bee/sentinel/internal/logging"
	"github.com/good-yellow-bee/sentinel/internal/metricsource"
	"github.com/good-yellow-bee/sentinel/internal/models"
	"github.com/good-yellow-bee/sentinel/internal/monitor"
	"github.com/good-yellow-bee/sentinel/internal/notifier"
	"github.com/good-yellow-bee/sentinel/internal/worker"
)

// Config represents the server configuration.
type Config struct {
	Server        api.Config          `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Monitor       monitor.Config      `yaml:"monitor"`
	Sources       SourcesConfig       `yaml:"sources"`
	Worker        WorkerConfig        `yaml:"worker"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Log           logging.Config      `yaml:"log"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
}

// DatabaseConfig contains SQLite settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SourcesConfig selects the metric backends. A backend is enabled when its
// address is set. Queries are routed by prefix ("prom:", "scrape:", "ch:",
// "static:"); unprefixed queries go to Default.
type SourcesConfig struct {
	Default    string                        `yaml:"default"`
	Prometheus metricsource.PrometheusConfig `yaml:"prometheus"`
	Scrape     metricsource.ScrapeConfig     `yaml:"scrape"`
	ClickHouse metricsource.ClickHouseConfig `yaml:"clickhouse"`
	Static     map[string]float64            `yaml:"static"`
}

// WorkerConfig contains remediation worker settings.
type WorkerConfig struct {
	Enabled       bool `yaml:"enabled"`
	worker.Config `yaml:",inline"`
	// Remediator is "noop" or "webhook".
	Remediator string               `yaml:"remediator"`
	Webhook    worker.WebhookConfig `yaml:"webhook"`
}

// NotificationsConfig contains violation notification settings.
type NotificationsConfig struct {
	SlackWebhookURL string                   `yaml:"slack_webhook_url"`
	TeamsWebhookURL string                   `yaml:"teams_webhook_url"`
	MinPriority     models.Priority          `yaml:"min_priority"`
	RateLimit       notifier.RateLimitConfig `yaml:"rate_limit"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// DefinitionsConfig points at the SLO and invariant definitions file.
type DefinitionsConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// LoadConfig loads configuration from a YAML file and applies SENTINEL_*
// environment overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := baseConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return finishConfig(cfg)
}

// DefaultConfig returns a configuration with default values and
// environment overrides applied.
func DefaultConfig() (*Config, error) {
	return finishConfig(baseConfig())
}

// baseConfig seeds fields whose zero value is a meaningful setting, so an
// explicit false in the file wins over the default.
func baseConfig() *Config {
	return &Config{
		Monitor:       monitor.DefaultConfig(),
		Notifications: NotificationsConfig{RateLimit: notifier.DefaultRateLimitConfig()},
		Metrics:       MetricsConfig{Enabled: true},
		Definitions:   DefinitionsConfig{Watch: true},
	}
}

func finishConfig(cfg *Config) (*Config, error) {
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// setDefaults sets default values for missing config fields.
func (c *Config) setDefaults() {
	c.Server.SetDefaults()
	if c.Database.Path == "" {
		c.Database.Path = "./data/sentinel.db"
	}
	if c.Sources.Default == "" {
		switch {
		case c.Sources.Prometheus.URL != "":
			c.Sources.Default = "prom"
		case c.Sources.Scrape.BaseURL != "":
			c.Sources.Default = "scrape"
		case len(c.Sources.ClickHouse.Addresses) > 0:
			c.Sources.Default = "ch"
		default:
			c.Sources.Default = "static"
		}
	}
	if c.Worker.Remediator == "" {
		c.Worker.Remediator = "noop"
		if c.Worker.Webhook.URL != "" {
			c.Worker.Remediator = "webhook"
		}
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Definitions.Path == "" {
		c.Definitions.Watch = false
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.Server.RateLimitPerSecond < 0 {
		return fmt.Errorf("server.rate_limit_per_second must not be negative")
	}

	switch c.Sources.Default {
	case "static":
	case "prom":
		if c.Sources.Prometheus.URL == "" {
			return fmt.Errorf("sources.prometheus.url is required when it is the default source")
		}
	case "scrape":
		if c.Sources.Scrape.BaseURL == "" {
			return fmt.Errorf("sources.scrape.base_url is required when it is the default source")
		}
	case "ch":
		if len(c.Sources.ClickHouse.Addresses) == 0 {
			return fmt.Errorf("sources.clickhouse.addresses is required when it is the default source")
		}
	default:
		return fmt.Errorf("sources.default must be one of static, prom, scrape, ch; got %q", c.Sources.Default)
	}

	if c.Worker.Enabled {
		switch c.Worker.Remediator {
		case "noop":
		case "webhook":
			if err := c.Worker.Webhook.Validate(); err != nil {
				return fmt.Errorf("worker.webhook: %w", err)
			}
		default:
			return fmt.Errorf("worker.remediator must be noop or webhook; got %q", c.Worker.Remediator)
		}
	}

	if p := c.Notifications.MinPriority; p != "" && !p.IsValid() {
		return fmt.Errorf("notifications.min_priority: invalid priority %q", p)
	}
	if c.Metrics.Enabled && c.Metrics.Address == c.Server.Address {
		return fmt.Errorf("metrics.address must differ from server.address")
	}
	return nil
}

// envKeys are the settings that can be overridden from the environment.
// Each key maps to SENTINEL_<KEY> with dots replaced by underscores, e.g.
// database.path -> SENTINEL_DATABASE_PATH.
var envKeys = []string{
	"server.address",
	"server.rate_limit_per_second",
	"database.path",
	"sources.default",
	"prometheus.url",
	"prometheus.token",
	"prometheus.username",
	"prometheus.password",
	"scrape.base_url",
	"clickhouse.addresses",
	"clickhouse.password",
	"worker.enabled",
	"worker.name",
	"worker.webhook.url",
	"notifications.slack_webhook_url",
	"notifications.teams_webhook_url",
	"metrics.address",
	"log.level",
	"log.file",
	"definitions.path",
	"monitor.slo_interval",
	"monitor.invariant_interval",
}

// applyEnvOverrides reads SENTINEL_* variables through viper.
func applyEnvOverrides(cfg *Config) error {
	v := viper.New()
	v.SetEnvPrefix("sentinel")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return err
		}
	}

	setString := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v.IsSet(key) {
			*dst = v.GetDuration(key)
		}
	}

	setString("server.address", &cfg.Server.Address)
	if v.IsSet("server.rate_limit_per_second") {
		cfg.Server.RateLimitPerSecond = v.GetFloat64("server.rate_limit_per_second")
	}
	setString("database.path", &cfg.Database.Path)
	setString("sources.default", &cfg.Sources.Default)
	setString("prometheus.url", &cfg.Sources.Prometheus.URL)
	setString("prometheus.token", &cfg.Sources.Prometheus.Token)
	setString("prometheus.username", &cfg.Sources.Prometheus.Username)
	setString("prometheus.password", &cfg.Sources.Prometheus.Password)
	setString("scrape.base_url", &cfg.Sources.Scrape.BaseURL)
	if v.IsSet("clickhouse.addresses") {
		cfg.Sources.ClickHouse.Addresses = strings.Split(v.GetString("clickhouse.addresses"), ",")
	}
	setString("clickhouse.password", &cfg.Sources.ClickHouse.Password)
	if v.IsSet("worker.enabled") {
		cfg.Worker.Enabled = v.GetBool("worker.enabled")
	}
	setString("worker.name", &cfg.Worker.Name)
	setString("worker.webhook.url", &cfg.Worker.Webhook.URL)
	setString("notifications.slack_webhook_url", &cfg.Notifications.SlackWebhookURL)
	setString("notifications.teams_webhook_url", &cfg.Notifications.TeamsWebhookURL)
	setString("metrics.address", &cfg.Metrics.Address)
	setString("log.level", &cfg.Log.Level)
	setString("log.file", &cfg.Log.File)
	setString("definitions.path", &cfg.Definitions.Path)
	setDuration("monitor.slo_interval", &cfg.Monitor.SLOInterval)
	setDuration("monitor.invariant_interval", &cfg.Monitor.InvariantInterval)
	return nil
}
