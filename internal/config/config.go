// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sethvargo/go-envconfig"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port        int    `env:"PORT, default=8080" json:"port" validate:"gt=0,lte=65535"`
	DatabaseURL string `env:"DATABASE_URL, required" json:"-" validate:"required"`

	// Auth settings
	JWTSecret     string `env:"JWT_SECRET, required" json:"-" validate:"required,min=16"`
	InternalToken string `env:"INTERNAL_TOKEN, required" json:"-" validate:"required,min=16"`

	// Processing settings
	ProcessorURL  string `env:"PROCESSOR_URL, required" json:"processor_url" validate:"required,url"`
	JobMaxRetries int    `env:"JOB_MAX_RETRIES, default=3" json:"job_max_retries" validate:"gte=0,lte=10"`

	// Notification settings
	NotifyWebhookURL   string `env:"NOTIFY_WEBHOOK_URL, required" json:"notify_webhook_url" validate:"required,url"`
	NotifyWebhookToken string `env:"NOTIFY_WEBHOOK_TOKEN" json:"-"`

	// Outbox dispatcher settings
	OutboxPollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL, default=5s" json:"outbox_poll_interval"`
	OutboxBatchSize    int           `env:"OUTBOX_BATCH_SIZE, default=50" json:"outbox_batch_size" validate:"gt=0,lte=1000"`
	OutboxMaxAttempts  int           `env:"OUTBOX_MAX_ATTEMPTS, default=8" json:"outbox_max_attempts" validate:"gt=0"`

	// Promo settings
	NewAccountWindow time.Duration `env:"NEW_ACCOUNT_WINDOW, default=168h" json:"new_account_window"`

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=json" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// Load reads configuration from environment variables and validates it.
func Load(ctx context.Context) (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process(ctx, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural constraints beyond presence.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// JSON output is the default; text is for local development.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler)
}

// String returns the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, ProcessorURL: %s, JobMaxRetries: %d, NotifyWebhookURL: %s, OutboxPollInterval: %s, OutboxBatchSize: %d, OutboxMaxAttempts: %d, NewAccountWindow: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.ProcessorURL,
		c.JobMaxRetries,
		c.NotifyWebhookURL,
		c.OutboxPollInterval,
		c.OutboxBatchSize,
		c.OutboxMaxAttempts,
		c.NewAccountWindow,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
