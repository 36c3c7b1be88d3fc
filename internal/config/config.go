// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mbd888/quietguard/internal/security"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// API access. APIToken guards /v1; empty disables auth outside production.
	APIToken           string
	CORSOrigins        []string
	RateLimitPerMinute int

	// Persistence. DATABASE_URL wins over SQLITE_PATH; neither means in-memory.
	DatabaseURL string
	SQLitePath  string

	// SchedulesFile is an optional YAML file of per-user schedules and apps,
	// watched for changes.
	SchedulesFile string

	// Host activity monitor callbacks. Empty URL means the in-process host.
	HostCallbackURL    string
	HostCallbackSecret string

	// Risk alerts
	AlertWebhookURL    string
	AlertWebhookSecret string
	AlertThreshold     float64
	AlertCooldown      time.Duration

	// Coordinator timing
	RiskInterval        time.Duration
	SettleDelay         time.Duration
	RegistrationTimeout time.Duration
	DefaultTimezone     string

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultAlertThreshold      = 0.7
	DefaultAlertCooldown       = 60 * time.Minute
	DefaultRiskInterval        = 15 * time.Minute
	DefaultSettleDelay         = 200 * time.Millisecond
	DefaultRegistrationTimeout = 2 * time.Second
	DefaultTimezone            = "UTC"
	DefaultRateLimitPerMinute  = 120
	DefaultTraceSampleRatio    = 1.0

	maxSettleDelay = 200 * time.Millisecond
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		APIToken:            os.Getenv("API_TOKEN"),
		CORSOrigins:         getEnvList("CORS_ORIGINS"),
		RateLimitPerMinute:  getEnvInt("RATE_LIMIT_PER_MINUTE", DefaultRateLimitPerMinute),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		SQLitePath:          os.Getenv("SQLITE_PATH"),
		SchedulesFile:       os.Getenv("SCHEDULES_FILE"),
		HostCallbackURL:     os.Getenv("HOST_CALLBACK_URL"),
		HostCallbackSecret:  os.Getenv("HOST_CALLBACK_SECRET"),
		AlertWebhookURL:     os.Getenv("ALERT_WEBHOOK_URL"),
		AlertWebhookSecret:  os.Getenv("ALERT_WEBHOOK_SECRET"),
		AlertThreshold:      getEnvFloat("ALERT_THRESHOLD", DefaultAlertThreshold),
		AlertCooldown:       getEnvDuration("ALERT_COOLDOWN", DefaultAlertCooldown),
		RiskInterval:        getEnvDuration("RISK_INTERVAL", DefaultRiskInterval),
		SettleDelay:         getEnvDuration("SETTLE_DELAY", DefaultSettleDelay),
		RegistrationTimeout: getEnvDuration("REGISTRATION_TIMEOUT", DefaultRegistrationTimeout),
		DefaultTimezone:     getEnv("DEFAULT_TIMEZONE", DefaultTimezone),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:    getEnvFloat("OTEL_TRACES_SAMPLER_ARG", DefaultTraceSampleRatio),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.AlertThreshold <= 0 || c.AlertThreshold > 1 {
		return fmt.Errorf("ALERT_THRESHOLD must be in (0, 1], got %v", c.AlertThreshold)
	}
	if c.AlertCooldown < 0 {
		return fmt.Errorf("ALERT_COOLDOWN must not be negative")
	}
	if c.RiskInterval < time.Minute {
		return fmt.Errorf("RISK_INTERVAL must be at least 1m, got %s", c.RiskInterval)
	}
	if c.SettleDelay < 0 || c.SettleDelay > maxSettleDelay {
		return fmt.Errorf("SETTLE_DELAY must be between 0 and %s, got %s", maxSettleDelay, c.SettleDelay)
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be in [0, 1], got %v", c.TraceSampleRatio)
	}
	if c.RegistrationTimeout <= 0 {
		return fmt.Errorf("REGISTRATION_TIMEOUT must be positive")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("DEFAULT_TIMEZONE: %w", err)
	}
	if c.HostCallbackURL != "" && c.HostCallbackSecret == "" {
		return fmt.Errorf("HOST_CALLBACK_SECRET is required with HOST_CALLBACK_URL")
	}
	if c.AlertWebhookURL != "" && c.AlertWebhookSecret == "" {
		return fmt.Errorf("ALERT_WEBHOOK_SECRET is required with ALERT_WEBHOOK_URL")
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must not be negative")
	}
	if c.IsProduction() {
		if c.APIToken == "" {
			return fmt.Errorf("API_TOKEN is required in production")
		}
		for key, u := range map[string]string{"HOST_CALLBACK_URL": c.HostCallbackURL, "ALERT_WEBHOOK_URL": c.AlertWebhookURL} {
			if u == "" {
				continue
			}
			if err := security.ValidateEndpointURL(u, nil); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
	}
	return nil
}

// Location resolves DefaultTimezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.DefaultTimezone)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
