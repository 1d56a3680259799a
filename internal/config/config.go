// Package config loads process configuration from the environment and an
// optional YAML file named by CONFIG_FILE. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process configuration.
type Config struct {
	DatabaseURL string `yaml:"database_url"`
	HTTPAddr    string `yaml:"http_addr"`
	LogDir      string `yaml:"log_dir"`
	LogLevel    string `yaml:"log_level"`
	RulesFile   string `yaml:"rules_file"`

	JWTSecret     string        `yaml:"jwt_secret"`
	IngestSecret  string        `yaml:"ingest_secret"`
	IngestMaxSkew time.Duration `yaml:"ingest_max_skew"`
	CORSOrigins   []string      `yaml:"cors_origins"`

	ReadingMaxSkew  time.Duration `yaml:"reading_max_skew"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	MonitorWorkers  int           `yaml:"monitor_workers"`
	RejectionLog    int           `yaml:"rejection_log_size"`
	StreamBuffer    int           `yaml:"stream_buffer"`

	Notify NotifyConfig `yaml:"notify"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// NotifyConfig configures alert notification delivery.
type NotifyConfig struct {
	WebhookURL         string        `yaml:"webhook_url"`
	Template           string        `yaml:"template"`
	Timeout            time.Duration `yaml:"timeout"`
	Cooldown           time.Duration `yaml:"cooldown"`
	DedupeWindow       time.Duration `yaml:"dedupe_window"`
	EscalationAfter    time.Duration `yaml:"escalation_after"`
	EscalationSeverity string        `yaml:"escalation_severity"`
	OutboxInterval     time.Duration `yaml:"outbox_interval"`
	OutboxMaxAttempts  int           `yaml:"outbox_max_attempts"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr:        ":8080",
		LogLevel:        "info",
		IngestMaxSkew:   5 * time.Minute,
		ReadingMaxSkew:  2 * time.Minute,
		MonitorInterval: time.Minute,
		MonitorWorkers:  8,
		RejectionLog:    1000,
		StreamBuffer:    16,
		Notify: NotifyConfig{
			Timeout:            5 * time.Second,
			Cooldown:           10 * time.Minute,
			DedupeWindow:       time.Hour,
			EscalationAfter:    15 * time.Minute,
			EscalationSeverity: "critical",
			OutboxInterval:     5 * time.Second,
			OutboxMaxAttempts:  5,
		},
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load builds the configuration: defaults, then CONFIG_FILE, then environment.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	cfg.DatabaseURL = getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", cfg.DatabaseURL))
	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogDir = getenvDefault("LOG_DIR", cfg.LogDir)
	cfg.LogLevel = getenvDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.RulesFile = getenvDefault("RULES_FILE", cfg.RulesFile)
	cfg.JWTSecret = getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", cfg.JWTSecret))
	cfg.IngestSecret = getenvDefault("INGEST_HMAC_SECRET", cfg.IngestSecret)
	cfg.IngestMaxSkew = getenvDuration("INGEST_MAX_SKEW", cfg.IngestMaxSkew)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitCSV(origins)
	}
	cfg.ReadingMaxSkew = getenvDuration("READING_MAX_SKEW", cfg.ReadingMaxSkew)
	cfg.MonitorInterval = getenvDuration("MONITOR_INTERVAL", cfg.MonitorInterval)
	cfg.MonitorWorkers = getenvIntDefault("MONITOR_WORKERS", cfg.MonitorWorkers)
	cfg.RejectionLog = getenvIntDefault("REJECTION_LOG_SIZE", cfg.RejectionLog)
	cfg.StreamBuffer = getenvIntDefault("STREAM_BUFFER", cfg.StreamBuffer)
	cfg.ShutdownTimeout = getenvDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	n := &cfg.Notify
	n.WebhookURL = getenvDefault("ALERT_WEBHOOK_URL", n.WebhookURL)
	n.Template = getenvDefault("ALERT_NOTIFY_TEMPLATE", n.Template)
	n.Timeout = getenvDuration("ALERT_NOTIFY_TIMEOUT", n.Timeout)
	n.Cooldown = getenvDuration("ALERT_NOTIFY_COOLDOWN", n.Cooldown)
	n.DedupeWindow = getenvDuration("ALERT_NOTIFY_DEDUP_WINDOW", n.DedupeWindow)
	n.EscalationAfter = getenvDuration("ALERT_ESCALATION_AFTER", n.EscalationAfter)
	n.EscalationSeverity = getenvDefault("ALERT_ESCALATION_SEVERITY", n.EscalationSeverity)
	n.OutboxInterval = getenvDuration("OUTBOX_INTERVAL", n.OutboxInterval)
	n.OutboxMaxAttempts = getenvIntDefault("OUTBOX_MAX_ATTEMPTS", n.OutboxMaxAttempts)

	return cfg, cfg.Validate()
}

// Validate checks required values.
func (c Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("config: AUTH_JWT_SECRET is required"))
	}
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("config: HTTP_ADDR is required"))
	}
	if c.MonitorInterval <= 0 {
		errs = append(errs, errors.New("config: MONITOR_INTERVAL must be positive"))
	}
	if c.MonitorWorkers <= 0 {
		errs = append(errs, errors.New("config: MONITOR_WORKERS must be positive"))
	}
	if c.Notify.OutboxMaxAttempts <= 0 {
		errs = append(errs, errors.New("config: OUTBOX_MAX_ATTEMPTS must be positive"))
	}
	switch c.Notify.EscalationSeverity {
	case "", "info", "warning", "critical":
	default:
		errs = append(errs, fmt.Errorf("config: unknown escalation severity %q", c.Notify.EscalationSeverity))
	}
	return errors.Join(errs...)
}

// InMemory reports whether the process runs without Postgres.
func (c Config) InMemory() bool {
	return c.DatabaseURL == ""
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitCSV(value string) []string {
	var result []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
