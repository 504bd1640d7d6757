// Package config loads and validates the engine's YAML configuration.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	System    SystemConfig              `yaml:"system"`
	Engine    EngineConfig              `yaml:"engine"`
	Exchanges map[string]ExchangeConfig `yaml:"exchanges"`
	Telemetry TelemetryConfig           `yaml:"telemetry"`
}

// SystemConfig holds process-level settings.
type SystemConfig struct {
	LogLevel      string `yaml:"log_level"`
	StateDir      string `yaml:"state_dir"`
	AuditDBPath   string `yaml:"audit_db_path"`
}

// EngineConfig carries the tunables from spec §6, all optional with
// defaults applied by Load (via applyDefaults).
type EngineConfig struct {
	TickChannelCapacity      int `yaml:"tick_channel_capacity"`
	TickMinProcessIntervalMS int `yaml:"tick_min_process_interval_ms"`
	FillPollAttempts         int `yaml:"fill_poll_attempts"`
	FillPollIntervalMS       int `yaml:"fill_poll_interval_ms"`
	StopTimeoutMS            int `yaml:"stop_timeout_ms"`
	AutoSaveIntervalMS       int `yaml:"auto_save_interval_ms"`
}

// ExchangeConfig holds exchange-specific credentials and endpoints.
type ExchangeConfig struct {
	APIKey     string `yaml:"api_key"`
	SecretKey  string `yaml:"secret_key"`
	Passphrase string `yaml:"passphrase"`
	BaseURL    string `yaml:"base_url"`
	WSURL      string `yaml:"ws_url"`
}

// TelemetryConfig controls the metrics exporter.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Defaults mirrors the default values listed in spec §6.
func Defaults() EngineConfig {
	return EngineConfig{
		TickChannelCapacity:      16,
		TickMinProcessIntervalMS: 100,
		FillPollAttempts:         3,
		FillPollIntervalMS:       500,
		StopTimeoutMS:            2000,
		AutoSaveIntervalMS:       300_000,
	}
}

func (c *EngineConfig) applyDefaults() {
	d := Defaults()
	if c.TickChannelCapacity <= 0 {
		c.TickChannelCapacity = d.TickChannelCapacity
	}
	if c.TickMinProcessIntervalMS <= 0 {
		c.TickMinProcessIntervalMS = d.TickMinProcessIntervalMS
	}
	if c.FillPollAttempts <= 0 {
		c.FillPollAttempts = d.FillPollAttempts
	}
	if c.FillPollIntervalMS <= 0 {
		c.FillPollIntervalMS = d.FillPollIntervalMS
	}
	if c.StopTimeoutMS <= 0 {
		c.StopTimeoutMS = d.StopTimeoutMS
	}
	if c.AutoSaveIntervalMS <= 0 {
		c.AutoSaveIntervalMS = d.AutoSaveIntervalMS
	}
}

// StopTimeout returns the stop timeout as a time.Duration.
func (c EngineConfig) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutMS) * time.Millisecond
}

// FillPollInterval returns the fill-poll interval as a time.Duration.
func (c EngineConfig) FillPollInterval() time.Duration {
	return time.Duration(c.FillPollIntervalMS) * time.Millisecond
}

// AutoSaveInterval returns the auto-save interval as a time.Duration.
func (c EngineConfig) AutoSaveInterval() time.Duration {
	return time.Duration(c.AutoSaveIntervalMS) * time.Millisecond
}

// TickMinProcessInterval returns the tick throttle interval as a
// time.Duration.
func (c EngineConfig) TickMinProcessInterval() time.Duration {
	return time.Duration(c.TickMinProcessIntervalMS) * time.Millisecond
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	})
}

// Load reads a YAML configuration file, expanding ${ENV_VAR} references
// and applying defaults for unset engine tunables.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Engine.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks required fields are present.
func (c *Config) Validate() error {
	if len(c.Exchanges) == 0 {
		return fmt.Errorf("at least one exchange must be configured")
	}
	for name, ex := range c.Exchanges {
		if ex.APIKey == "" || ex.SecretKey == "" {
			return fmt.Errorf("exchange %q is missing api_key/secret_key", name)
		}
	}
	if c.System.StateDir == "" {
		return fmt.Errorf("system.state_dir is required")
	}
	return nil
}
