package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultAlertThreshold, cfg.AlertThreshold)
	assert.Equal(t, DefaultAlertCooldown, cfg.AlertCooldown)
	assert.Equal(t, DefaultRiskInterval, cfg.RiskInterval)
	assert.Equal(t, DefaultSettleDelay, cfg.SettleDelay)
	assert.Equal(t, DefaultRegistrationTimeout, cfg.RegistrationTimeout)
	assert.Equal(t, DefaultTraceSampleRatio, cfg.TraceSampleRatio)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ALERT_THRESHOLD", "0.8")
	t.Setenv("ALERT_COOLDOWN", "30m")
	t.Setenv("SETTLE_DELAY", "50ms")
	t.Setenv("DEFAULT_TIMEZONE", "Europe/Berlin")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 0.8, cfg.AlertThreshold)
	assert.Equal(t, 30*time.Minute, cfg.AlertCooldown)
	assert.Equal(t, 50*time.Millisecond, cfg.SettleDelay)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())
}

func TestLoad_UnparseableFallsBackToDefault(t *testing.T) {
	t.Setenv("RISK_INTERVAL", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultRiskInterval, cfg.RiskInterval)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Port:                DefaultPort,
			LogFormat:           DefaultLogFormat,
			AlertThreshold:      DefaultAlertThreshold,
			AlertCooldown:       DefaultAlertCooldown,
			RiskInterval:        DefaultRiskInterval,
			SettleDelay:         DefaultSettleDelay,
			RegistrationTimeout: DefaultRegistrationTimeout,
			DefaultTimezone:     DefaultTimezone,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "threshold above one", mutate: func(c *Config) { c.AlertThreshold = 1.5 }, wantErr: "ALERT_THRESHOLD"},
		{name: "zero threshold", mutate: func(c *Config) { c.AlertThreshold = 0 }, wantErr: "ALERT_THRESHOLD"},
		{name: "settle too long", mutate: func(c *Config) { c.SettleDelay = time.Second }, wantErr: "SETTLE_DELAY"},
		{name: "risk interval too short", mutate: func(c *Config) { c.RiskInterval = time.Second }, wantErr: "RISK_INTERVAL"},
		{name: "bad timezone", mutate: func(c *Config) { c.DefaultTimezone = "Mars/Olympus" }, wantErr: "DEFAULT_TIMEZONE"},
		{name: "host url without secret", mutate: func(c *Config) { c.HostCallbackURL = "http://phone" }, wantErr: "HOST_CALLBACK_SECRET"},
		{name: "alert url without secret", mutate: func(c *Config) { c.AlertWebhookURL = "http://hook" }, wantErr: "ALERT_WEBHOOK_SECRET"},
		{name: "bad log format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: "LOG_FORMAT"},
		{name: "sample ratio above one", mutate: func(c *Config) { c.TraceSampleRatio = 2 }, wantErr: "OTEL_TRACES_SAMPLER_ARG"},
		{name: "negative rate limit", mutate: func(c *Config) { c.RateLimitPerMinute = -1 }, wantErr: "RATE_LIMIT_PER_MINUTE"},
		{name: "production without token", mutate: func(c *Config) { c.Env = "production" }, wantErr: "API_TOKEN"},
		{name: "production private host url", mutate: func(c *Config) {
			c.Env = "production"
			c.APIToken = "tok"
			c.HostCallbackURL = "http://10.1.2.3/callbacks"
			c.HostCallbackSecret = "s"
		}, wantErr: "HOST_CALLBACK_URL"},
		{name: "development private host url", mutate: func(c *Config) {
			c.HostCallbackURL = "http://10.1.2.3/callbacks"
			c.HostCallbackSecret = "s"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_APIAccess(t *testing.T) {
	t.Setenv("API_TOKEN", "secret-token")
	t.Setenv("CORS_ORIGINS", " https://app.example, ,https://admin.example")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "30")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "secret-token", cfg.APIToken)
	assert.Equal(t, []string{"https://app.example", "https://admin.example"}, cfg.CORSOrigins)
	assert.Equal(t, 30, cfg.RateLimitPerMinute)
}

func TestConfig_EnvHelpers(t *testing.T) {
	cfg := &Config{Env: "production"}
	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())
}
