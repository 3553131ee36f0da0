// Package config provides typed configuration for the dispatcher, the
// workflow engine and the health monitor, loadable from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxAttempts       = 5
	DefaultMaxTokens         = 64
	DefaultMaxVisitsPerCycle = 1000
	DefaultInactivityWindow  = 30 * time.Minute
)

// BackoffConfig shapes the exponential retry delay of failed outbox rows.
type BackoffConfig struct {
	Initial             time.Duration `yaml:"initial"              validate:"gt=0"`
	Max                 time.Duration `yaml:"max"                  validate:"gtefield=Initial"`
	Multiplier          float64       `yaml:"multiplier"           validate:"gte=1"`
	RandomizationFactor float64       `yaml:"randomization_factor" validate:"gte=0,lte=1"`
}

type DispatcherConfig struct {
	Workers            int           `yaml:"workers"              validate:"min=1,max=256"`
	BatchSize          int           `yaml:"batch_size"           validate:"min=1,max=1000"`
	LeaseTimeout       time.Duration `yaml:"lease_timeout"        validate:"gt=0"`
	PollInterval       time.Duration `yaml:"poll_interval"        validate:"gt=0"`
	RatePerSecond      float64       `yaml:"rate_per_second"      validate:"gte=0"`
	DefaultMaxAttempts int           `yaml:"default_max_attempts" validate:"min=1"`
	Backoff            BackoffConfig `yaml:"backoff"`
}

type EngineConfig struct {
	MaxTokens          int           `yaml:"max_tokens"           validate:"min=1"`
	MaxVisitsPerCycle  int           `yaml:"max_visits_per_cycle" validate:"min=1"`
	DefaultNodeTimeout time.Duration `yaml:"default_node_timeout" validate:"gte=0"`
}

type HealthConfig struct {
	InactivityWindow time.Duration `yaml:"inactivity_window" validate:"gt=0"`
	ReportSchedule   string        `yaml:"report_schedule"   validate:"required"`
}

type Config struct {
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Engine     EngineConfig     `yaml:"engine"`
	Health     HealthConfig     `yaml:"health"`
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:            4,
		BatchSize:          10,
		LeaseTimeout:       30 * time.Second,
		PollInterval:       time.Second,
		RatePerSecond:      0,
		DefaultMaxAttempts: DefaultMaxAttempts,
		Backoff: BackoffConfig{
			Initial:             time.Second,
			Max:                 5 * time.Minute,
			Multiplier:          2,
			RandomizationFactor: 0.5,
		},
	}
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxTokens:          DefaultMaxTokens,
		MaxVisitsPerCycle:  DefaultMaxVisitsPerCycle,
		DefaultNodeTimeout: 0,
	}
}

func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		InactivityWindow: DefaultInactivityWindow,
		ReportSchedule:   "@every 1m",
	}
}

func Default() Config {
	return Config{
		Dispatcher: DefaultDispatcherConfig(),
		Engine:     DefaultEngineConfig(),
		Health:     DefaultHealthConfig(),
	}
}

// Validate checks every section against its struct tags.
func (c Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}

// Load reads a YAML file over the defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
