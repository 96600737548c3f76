// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Rate      RateConfig      `yaml:"rate"`
	Poll      PollConfig      `yaml:"poll"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Eod       EodConfig       `yaml:"eod"`
	Oco       OcoConfig       `yaml:"oco"`
	Cancel    CancelConfig    `yaml:"cancel"`
	Retry     RetryConfig     `yaml:"retry"`
	Store     StoreConfig     `yaml:"store"`
	System    SystemConfig    `yaml:"system"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// BrokerConfig describes the local brokerage REST endpoint.
type BrokerConfig struct {
	BaseURL string `yaml:"base_url"`
	// APIPassword is AES-256-GCM encrypted and base64 encoded; the
	// decryption key comes from the environment at startup.
	APIPassword Secret `yaml:"api_password"`
	// MarketCodes is the fallback order for new-order submission when the
	// broker rejects a market code. Code 1 is excluded by default.
	MarketCodes []int `yaml:"market_codes"`
	TimeoutMs   int   `yaml:"timeout_ms"`
}

// RateConfig sets the broker call budgets.
type RateConfig struct {
	OrderPerSec float64 `yaml:"order_per_sec"`
	InfoPerSec  float64 `yaml:"info_per_sec"`
}

// PollConfig sets the watcher cadences.
type PollConfig struct {
	OrdersIntervalMs    int `yaml:"orders_interval_ms"`
	PositionsIntervalMs int `yaml:"positions_interval_ms"`
}

// SchedulerConfig sets the activation loop cadence and missed-fire policy.
type SchedulerConfig struct {
	TickMs       int `yaml:"tick_ms"`
	MissGraceSec int `yaml:"miss_grace_sec"`
}

// EodConfig sets the end-of-day force close.
type EodConfig struct {
	Enabled          bool   `yaml:"enabled"`
	DefaultCloseTime string `yaml:"default_close_time"` // "HH:MM" local
}

// OcoConfig sets bracket fan-out behavior.
type OcoConfig struct {
	Mode         string `yaml:"mode"` // per_partial | post_complete
	HoldIDWaitMs int    `yaml:"hold_id_wait_ms"`
}

// CancelConfig bounds how long cancels are awaited before flattening.
type CancelConfig struct {
	WaitMs int `yaml:"wait_ms"`
}

// RetryConfig sets the broker submission retry budget.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
	Timezone string `yaml:"timezone"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	EnableMetrics bool `yaml:"enable_metrics"`
	MetricsPort   int  `yaml:"metrics_port"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	for _, err := range []error{
		c.validateBroker(),
		c.validateRate(),
		c.validateIntervals(),
		c.validateEod(),
		c.validateOco(),
		c.validateSystem(),
	} {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateBroker() error {
	if c.Broker.BaseURL == "" {
		return ValidationError{
			Field:   "broker.base_url",
			Message: "broker base URL is required",
		}
	}
	if c.Broker.APIPassword == "" {
		return ValidationError{
			Field:   "broker.api_password",
			Message: "broker API password is required",
		}
	}
	if len(c.Broker.MarketCodes) == 0 {
		return ValidationError{
			Field:   "broker.market_codes",
			Message: "at least one market code is required",
		}
	}
	for _, code := range c.Broker.MarketCodes {
		if code <= 0 {
			return ValidationError{
				Field:   "broker.market_codes",
				Value:   code,
				Message: "market codes must be positive",
			}
		}
	}
	if c.Broker.TimeoutMs <= 0 {
		return ValidationError{
			Field:   "broker.timeout_ms",
			Value:   c.Broker.TimeoutMs,
			Message: "timeout must be positive",
		}
	}
	return nil
}

func (c *Config) validateRate() error {
	if c.Rate.OrderPerSec <= 0 {
		return ValidationError{
			Field:   "rate.order_per_sec",
			Value:   c.Rate.OrderPerSec,
			Message: "order rate must be positive",
		}
	}
	if c.Rate.InfoPerSec <= 0 {
		return ValidationError{
			Field:   "rate.info_per_sec",
			Value:   c.Rate.InfoPerSec,
			Message: "info rate must be positive",
		}
	}
	return nil
}

func (c *Config) validateIntervals() error {
	intervals := []struct {
		field string
		value int
	}{
		{"poll.orders_interval_ms", c.Poll.OrdersIntervalMs},
		{"poll.positions_interval_ms", c.Poll.PositionsIntervalMs},
		{"scheduler.tick_ms", c.Scheduler.TickMs},
		{"scheduler.miss_grace_sec", c.Scheduler.MissGraceSec},
		{"oco.hold_id_wait_ms", c.Oco.HoldIDWaitMs},
		{"cancel.wait_ms", c.Cancel.WaitMs},
		{"retry.max_attempts", c.Retry.MaxAttempts},
	}
	for _, iv := range intervals {
		if iv.value <= 0 {
			return ValidationError{
				Field:   iv.field,
				Value:   iv.value,
				Message: "must be positive",
			}
		}
	}
	return nil
}

func (c *Config) validateEod() error {
	if !c.Eod.Enabled {
		return nil
	}
	if _, err := ParseWallClock(c.Eod.DefaultCloseTime); err != nil {
		return ValidationError{
			Field:   "eod.default_close_time",
			Value:   c.Eod.DefaultCloseTime,
			Message: "must be HH:MM",
		}
	}
	return nil
}

func (c *Config) validateOco() error {
	switch c.Oco.Mode {
	case "per_partial", "post_complete":
		return nil
	}
	return ValidationError{
		Field:   "oco.mode",
		Value:   c.Oco.Mode,
		Message: "must be one of: per_partial, post_complete",
	}
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	if _, err := time.LoadLocation(c.System.Timezone); err != nil {
		return ValidationError{
			Field:   "system.timezone",
			Value:   c.System.Timezone,
			Message: "unknown timezone",
		}
	}
	return nil
}

// ParseWallClock parses an "HH:MM" wall clock time into hour and minute.
func ParseWallClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid wall clock time %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// String returns a string representation of the configuration. The Secret
// type redacts the API password during marshaling.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the default configuration. LoadConfig overlays the
// file on top of these values; tests use them directly.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			BaseURL:     "http://localhost:18080/kabusapi",
			APIPassword: "test_password",
			MarketCodes: []int{9, 27},
			TimeoutMs:   5000,
		},
		Rate: RateConfig{
			OrderPerSec: 5,
			InfoPerSec:  10,
		},
		Poll: PollConfig{
			OrdersIntervalMs:    1500,
			PositionsIntervalMs: 3000,
		},
		Scheduler: SchedulerConfig{
			TickMs:       1000,
			MissGraceSec: 300,
		},
		Eod: EodConfig{
			Enabled:          true,
			DefaultCloseTime: "14:30",
		},
		Oco: OcoConfig{
			Mode:         "per_partial",
			HoldIDWaitMs: 10000,
		},
		Cancel: CancelConfig{
			WaitMs: 3000,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
		},
		Store: StoreConfig{
			Path: "batch_trader.db",
		},
		System: SystemConfig{
			LogLevel: "INFO",
			Timezone: "Asia/Tokyo",
		},
		Telemetry: TelemetryConfig{
			EnableMetrics: true,
			MetricsPort:   9091,
		},
	}
}
