package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:  "expand single env var",
			input: "api_password: ${TEST_API_PASSWORD}",
			envVars: map[string]string{
				"TEST_API_PASSWORD": "pw_123",
			},
			expected: "api_password: pw_123",
		},
		{
			name:  "expand multiple env vars",
			input: "base_url: ${TEST_BASE_URL}\napi_password: ${TEST_API_PASSWORD}",
			envVars: map[string]string{
				"TEST_BASE_URL":     "http://localhost:18080",
				"TEST_API_PASSWORD": "pw_123",
			},
			expected: "base_url: http://localhost:18080\napi_password: pw_123",
		},
		{
			name:     "missing env var expands to empty",
			input:    "api_password: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "api_password: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			assert.Equal(t, tt.expected, expandEnvVars(tt.input))
		})
	}
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	configContent := `broker:
  base_url: http://localhost:18080/kabusapi
  api_password: ${TEST_BROKER_API_PASSWORD}
  market_codes: [9, 27]
  timeout_ms: 5000
rate:
  order_per_sec: 5
  info_per_sec: 10
eod:
  enabled: true
  default_close_time: "14:30"
oco:
  mode: post_complete
  hold_id_wait_ms: 10000
system:
  log_level: INFO
  timezone: Asia/Tokyo
`

	_, err = tmpFile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpFile.Close()

	t.Setenv("TEST_BROKER_API_PASSWORD", "pw_from_env")

	cfg, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err, "LoadConfig() error")

	assert.Equal(t, Secret("pw_from_env"), cfg.Broker.APIPassword)
	assert.Equal(t, "post_complete", cfg.Oco.Mode)
	// Unspecified sections keep their defaults.
	assert.Equal(t, 1500, cfg.Poll.OrdersIntervalMs)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "default config is valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing base url",
			mutate:  func(c *Config) { c.Broker.BaseURL = "" },
			wantErr: "broker.base_url",
		},
		{
			name:    "missing api password",
			mutate:  func(c *Config) { c.Broker.APIPassword = "" },
			wantErr: "broker.api_password",
		},
		{
			name:    "empty market codes",
			mutate:  func(c *Config) { c.Broker.MarketCodes = nil },
			wantErr: "broker.market_codes",
		},
		{
			name:    "negative market code",
			mutate:  func(c *Config) { c.Broker.MarketCodes = []int{-1} },
			wantErr: "broker.market_codes",
		},
		{
			name:    "zero order rate",
			mutate:  func(c *Config) { c.Rate.OrderPerSec = 0 },
			wantErr: "rate.order_per_sec",
		},
		{
			name:    "bad eod close time",
			mutate:  func(c *Config) { c.Eod.DefaultCloseTime = "25:99" },
			wantErr: "eod.default_close_time",
		},
		{
			name:   "bad eod time ignored when eod disabled",
			mutate: func(c *Config) { c.Eod.Enabled = false; c.Eod.DefaultCloseTime = "garbage" },
		},
		{
			name:    "bad oco mode",
			mutate:  func(c *Config) { c.Oco.Mode = "both_legs" },
			wantErr: "oco.mode",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.System.LogLevel = "TRACE" },
			wantErr: "system.log_level",
		},
		{
			name:    "bad timezone",
			mutate:  func(c *Config) { c.System.Timezone = "Mars/Olympus" },
			wantErr: "system.timezone",
		},
		{
			name:    "zero scheduler tick",
			mutate:  func(c *Config) { c.Scheduler.TickMs = 0 },
			wantErr: "scheduler.tick_ms",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestParseWallClock(t *testing.T) {
	d, err := ParseWallClock("14:30")
	require.NoError(t, err)
	assert.Equal(t, "14h30m0s", d.String())

	_, err = ParseWallClock("1430")
	assert.Error(t, err)
}

func TestConfig_String(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Broker.APIPassword = Secret("my_super_secret_password")

	output := cfg.String()

	assert.Contains(t, output, "[REDACTED]")
	assert.NotContains(t, output, "my_super_secret_password")
	assert.NotContains(t, output, "my_s")
}
