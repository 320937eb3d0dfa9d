package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/wsm/pkg/fanout"
	"github.com/openfroyo/wsm/pkg/lifecycle"
	"github.com/openfroyo/wsm/pkg/stores"
	"github.com/openfroyo/wsm/pkg/telemetry"
)

// Cloud providers.
const (
	ProviderAWS    = "aws"
	ProviderDocker = "docker"
	ProviderFake   = "fake"
)

// Environment variables that override the file.
const (
	EnvDatabasePath  = "WSM_DATABASE_PATH"
	EnvCloudProvider = "WSM_CLOUD_PROVIDER"
	EnvCloudRegion   = "WSM_CLOUD_REGION"
	EnvLogLevel      = "WSM_LOG_LEVEL"
)

// Config is the complete service configuration.
type Config struct {
	Database  stores.Config     `yaml:"database"`
	Cloud     CloudConfig       `yaml:"cloud"`
	Retry     RetryConfig       `yaml:"retry"`
	FanOut    fanout.Config     `yaml:"fanout"`
	Lifecycle LifecycleConfig   `yaml:"lifecycle"`
	Runner    RunnerConfig      `yaml:"runner"`
	Policy    AdmissionConfig   `yaml:"policy"`
	Telemetry *telemetry.Config `yaml:"telemetry"`
}

// CloudConfig selects the provider backing controlled resources.
type CloudConfig struct {
	Provider string `yaml:"provider" validate:"required,oneof=aws docker fake"`
	Region   string `yaml:"region" validate:"required"`
	Profile  string `yaml:"profile"`

	// Endpoint overrides the S3 endpoint.
	Endpoint string `yaml:"endpoint"`

	// DockerHost overrides DOCKER_HOST for notebooks.
	DockerHost string `yaml:"dockerHost"`
}

// LifecycleConfig tunes resource state handling.
type LifecycleConfig struct {
	CreateFailure lifecycle.CreateFailureRule `yaml:"createFailure"`
}

// RunnerConfig sets how this process leases the runs it executes.
type RunnerConfig struct {
	// Owner names this process in run leases. Empty uses host name and pid.
	Owner string `yaml:"owner"`

	// LeaseTTL is how long a run stays with this process without renewal.
	LeaseTTL time.Duration `yaml:"leaseTTL" validate:"gte=0"`
}

// AdmissionConfig selects the admission policies checked before a run starts.
type AdmissionConfig struct {
	// Paths lists .rego and .json files or directories of custom policies.
	Paths []string `yaml:"paths"`

	// Disabled names built-in or custom policies to skip.
	Disabled []string `yaml:"disabled"`
}

// Default returns a configuration that runs against the fake cloud with a
// local database file.
func Default() *Config {
	return &Config{
		Database: stores.Config{
			Path:         "wsm.db",
			MaxOpenConns: 4,
			MaxIdleConns: 2,
			BusyTimeout:  5 * time.Second,
		},
		Cloud: CloudConfig{
			Provider: ProviderFake,
			Region:   "us-east-1",
		},
		FanOut:    fanout.DefaultConfig(),
		Lifecycle: LifecycleConfig{CreateFailure: lifecycle.CreateFailureDelete},
		Runner:    RunnerConfig{LeaseTTL: time.Minute},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg. Keys absent from data keep cfg's values;
// unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDatabasePath); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv(EnvCloudProvider); v != "" {
		c.Cloud.Provider = v
	}
	if v := os.Getenv(EnvCloudRegion); v != "" {
		c.Cloud.Region = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Telemetry.Logging.Level = v
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("invalid config: retry: %w", err)
	}
	if c.Lifecycle.CreateFailure == "" {
		c.Lifecycle.CreateFailure = lifecycle.CreateFailureDelete
	}
	if err := c.Lifecycle.CreateFailure.Validate(); err != nil {
		return fmt.Errorf("invalid config: lifecycle: %w", err)
	}
	if c.Telemetry == nil {
		c.Telemetry = telemetry.DefaultConfig()
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid config: telemetry: %w", err)
	}
	return nil
}
