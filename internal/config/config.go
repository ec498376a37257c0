package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	API      APIConfig      `yaml:"api" envconfig:"API"`
	Sync     SyncConfig     `yaml:"sync" envconfig:"SYNC"`
	Updates  UpdatesConfig  `yaml:"updates" envconfig:"UPDATES"`
	Database DatabaseConfig `yaml:"database" envconfig:"DATABASE"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
}

// APIConfig contains the licensing service client configuration.
// Defaults come from Default(), not struct tags: envconfig would re-apply
// a tag default over values loaded from the YAML file.
type APIConfig struct {
	BaseURL   string        `yaml:"base_url" envconfig:"BASE_URL"`
	Timeout   time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	Retries   int           `yaml:"retries" envconfig:"RETRIES"`
	RateLimit float64       `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// SyncConfig contains the reconciliation tunables
type SyncConfig struct {
	// AssociationDebounce is the minimum delay between two association
	// requests for the same (device, asset) pair.
	AssociationDebounce time.Duration `yaml:"association_debounce" envconfig:"ASSOCIATION_DEBOUNCE"`
	// AssignmentBatchSize bounds the bulk inserts of device assignments.
	AssignmentBatchSize int `yaml:"assignment_batch_size" envconfig:"ASSIGNMENT_BATCH_SIZE"`
	// Workers bounds the number of assets reconciled concurrently during
	// a full sync.
	Workers int `yaml:"workers" envconfig:"WORKERS"`
}

// UpdatesConfig contains the software update catalog configuration
type UpdatesConfig struct {
	CatalogURL string        `yaml:"catalog_url" envconfig:"CATALOG_URL"`
	Timeout    time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
}

// DatabaseConfig contains the datastore configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver" envconfig:"DRIVER"`
	DSN    string `yaml:"dsn" envconfig:"DSN"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Format   string `yaml:"format" envconfig:"FORMAT"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// Load loads configuration from environment variables and an optional
// YAML config file. Environment variables take precedence.
func Load() (*Config, error) {
	return LoadFile(findConfigFile())
}

// LoadFile loads configuration from the given YAML file, then applies
// environment variables on top. An empty path skips the file step.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.Process("VLSYNC", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api base URL must not be empty")
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api timeout must be positive")
	}
	if c.API.Retries < 0 {
		return fmt.Errorf("api retries must not be negative")
	}
	if c.Sync.AssociationDebounce <= 0 {
		return fmt.Errorf("association debounce must be positive")
	}
	if c.Sync.AssignmentBatchSize <= 0 {
		return fmt.Errorf("assignment batch size must be positive")
	}
	if c.Sync.Workers <= 0 {
		return fmt.Errorf("sync workers must be positive")
	}
	if c.Updates.CatalogURL == "" {
		return fmt.Errorf("updates catalog URL must not be empty")
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres", "postgresql":
		if c.Database.DSN == "" {
			return fmt.Errorf("database DSN is required for driver %q", c.Database.Driver)
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}
	return nil
}

// findConfigFile returns the first config file found in the common locations
func findConfigFile() string {
	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}
	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}
	return ""
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL: "https://vpp.itunes.apple.com/mdm/v2/",
			Timeout: 5 * time.Second,
			Retries: 2,
		},
		Sync: SyncConfig{
			AssociationDebounce: 30 * time.Minute,
			AssignmentBatchSize: 1000,
			Workers:             4,
		},
		Updates: UpdatesConfig{
			CatalogURL: "https://gdmf.apple.com/v2/pmv",
			Timeout:    30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "memory",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "console",
			FilePath: "logs/vlsync.log",
		},
	}
}
