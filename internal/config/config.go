package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/macjediwizard/tracsync/internal/validator"
)

var (
	ErrMissingConfig    = errors.New("missing required configuration")
	ErrInvalidConfig    = errors.New("invalid configuration value")
	ErrValidationFailed = errors.New("configuration validation failed")
)

// Environment represents the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig
	Logger       LoggerConfig
	Database     DatabaseConfig
	Remote       RemoteConfig
	RateLimiting RateLimitConfig
	Sync         SyncConfig
	Alerts       AlertConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port        int
	Environment Environment
}

// LoggerConfig holds logging configuration.
type LoggerConfig struct {
	Level       string
	Environment Environment
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string
}

// RemoteConfig holds settings for the remote messaging platform API.
type RemoteConfig struct {
	BaseURL    string
	RPS        float64
	Burst      int
	Timeout    time.Duration
	MaxRetries int
}

// RateLimitConfig holds operator API rate limiting configuration.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// SyncConfig holds org sync scheduling configuration.
type SyncConfig struct {
	DefaultInterval  time.Duration
	Timeout          time.Duration
	LogRetentionDays int
	CleanupSchedule  string
}

// AlertConfig holds alert delivery configuration.
type AlertConfig struct {
	WebhookURL   string
	Cooldown     time.Duration
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	EmailTo      string
}

// Load loads configuration from environment variables.
// It attempts to load from .env file first, but continues if not found.
func Load() (*Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env file is optional

	cfg := &Config{}
	var err error

	// Server configuration
	if cfg.Server.Port, err = getEnvInt("PORT", 8080); err != nil {
		return nil, fmt.Errorf("%w: PORT: %w", ErrInvalidConfig, err)
	}
	cfg.Server.Environment = Environment(strings.ToLower(getEnv("ENVIRONMENT", "production")))

	cfg.Logger.Level = getEnv("LOG_LEVEL", "info")
	cfg.Logger.Environment = cfg.Server.Environment

	cfg.Database.Path = getEnv("DATABASE_PATH", "./data/tracsync.db")

	// Remote API configuration
	cfg.Remote.BaseURL = getEnvRequired("REMOTE_API_URL")
	if cfg.Remote.RPS, err = getEnvFloat("REMOTE_RPS", 2.0); err != nil {
		return nil, fmt.Errorf("%w: REMOTE_RPS: %w", ErrInvalidConfig, err)
	}
	if cfg.Remote.Burst, err = getEnvInt("REMOTE_BURST", 5); err != nil {
		return nil, fmt.Errorf("%w: REMOTE_BURST: %w", ErrInvalidConfig, err)
	}
	if cfg.Remote.Timeout, err = getEnvDuration("REMOTE_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("%w: REMOTE_TIMEOUT: %w", ErrInvalidConfig, err)
	}
	if cfg.Remote.MaxRetries, err = getEnvInt("REMOTE_MAX_RETRIES", 3); err != nil {
		return nil, fmt.Errorf("%w: REMOTE_MAX_RETRIES: %w", ErrInvalidConfig, err)
	}

	// Rate limiting configuration
	if cfg.RateLimiting.RPS, err = getEnvFloat("RATE_LIMIT_RPS", 10.0); err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_RPS: %w", ErrInvalidConfig, err)
	}
	if cfg.RateLimiting.Burst, err = getEnvInt("RATE_LIMIT_BURST", 20); err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_BURST: %w", ErrInvalidConfig, err)
	}

	// Sync configuration
	if cfg.Sync.DefaultInterval, err = getEnvDuration("SYNC_INTERVAL", 15*time.Minute); err != nil {
		return nil, fmt.Errorf("%w: SYNC_INTERVAL: %w", ErrInvalidConfig, err)
	}
	if cfg.Sync.Timeout, err = getEnvDuration("SYNC_TIMEOUT", 20*time.Minute); err != nil {
		return nil, fmt.Errorf("%w: SYNC_TIMEOUT: %w", ErrInvalidConfig, err)
	}
	if cfg.Sync.LogRetentionDays, err = getEnvInt("LOG_RETENTION_DAYS", 30); err != nil {
		return nil, fmt.Errorf("%w: LOG_RETENTION_DAYS: %w", ErrInvalidConfig, err)
	}
	cfg.Sync.CleanupSchedule = getEnv("CLEANUP_SCHEDULE", "0 30 3 * * *")

	// Alert configuration
	cfg.Alerts.WebhookURL = getEnv("ALERT_WEBHOOK_URL", "")
	if cfg.Alerts.Cooldown, err = getEnvDuration("ALERT_COOLDOWN", time.Hour); err != nil {
		return nil, fmt.Errorf("%w: ALERT_COOLDOWN: %w", ErrInvalidConfig, err)
	}
	cfg.Alerts.SMTPHost = getEnv("SMTP_HOST", "")
	if cfg.Alerts.SMTPPort, err = getEnvInt("SMTP_PORT", 587); err != nil {
		return nil, fmt.Errorf("%w: SMTP_PORT: %w", ErrInvalidConfig, err)
	}
	cfg.Alerts.SMTPUsername = getEnv("SMTP_USERNAME", "")
	cfg.Alerts.SMTPPassword = getEnv("SMTP_PASSWORD", "")
	cfg.Alerts.SMTPFrom = getEnv("SMTP_FROM", "")
	cfg.Alerts.EmailTo = getEnv("ALERT_EMAIL_TO", "")

	if missing := cfg.getMissingRequired(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}

	if cfg.Remote.RPS <= 0 {
		return nil, fmt.Errorf("%w: REMOTE_RPS must be positive", ErrInvalidConfig)
	}
	if cfg.Sync.DefaultInterval < time.Minute {
		return nil, fmt.Errorf("%w: SYNC_INTERVAL must be at least 1m", ErrInvalidConfig)
	}

	return cfg, nil
}

// getMissingRequired returns a list of missing required configuration values.
func (c *Config) getMissingRequired() []string {
	var missing []string

	if c.Remote.BaseURL == "" {
		missing = append(missing, "REMOTE_API_URL")
	}

	return missing
}

// Validate checks URL formats of the configured endpoints.
func (c *Config) Validate() error {
	v := validator.New()

	if err := v.ValidateURL(c.Remote.BaseURL, c.IsProduction()); err != nil {
		return fmt.Errorf("%w: REMOTE_API_URL: %w", ErrValidationFailed, err)
	}
	if c.Alerts.WebhookURL != "" {
		if err := v.ValidateURL(c.Alerts.WebhookURL, c.IsProduction()); err != nil {
			return fmt.Errorf("%w: ALERT_WEBHOOK_URL: %w", ErrValidationFailed, err)
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvRequired returns the value of an environment variable.
// Returns empty string if not set (caller should check for required values).
func getEnvRequired(key string) string {
	return os.Getenv(key)
}

// getEnvInt returns the integer value of an environment variable or a default.
func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	return parsed, nil
}

// getEnvFloat returns the float value of an environment variable or a default.
func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float: %w", err)
	}
	return parsed, nil
}

// getEnvDuration returns a duration from an environment variable or a default.
// Bare integers are read as seconds.
func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration: %w", err)
	}
	return parsed, nil
}
