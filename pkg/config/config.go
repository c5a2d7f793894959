// Package config provides configuration loading and management for dwistudio.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters shared by every command
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores"`

		// Seed initialises the resampling generator. 0 draws a seed from the clock.
		Seed int64 `yaml:"seed"`

		// Verbose enables debug logging
		Verbose bool `yaml:"verbose"`
	} `yaml:"processing"`

	// Calibration controls the b-table orientation check
	Calibration struct {
		Enabled bool `yaml:"enabled"`

		// ConnectivityCosine is the minimum |cos| between a fiber and the
		// offset to a neighbour it connects to
		ConnectivityCosine float64 `yaml:"connectivityCosine"`

		// AnisotropyFraction is the fraction of the peak anisotropy below
		// which fibers are ignored
		AnisotropyFraction float64 `yaml:"anisotropyFraction"`
	} `yaml:"calibration"`

	// Distortion controls correction against a reversed phase encoding scan
	Distortion struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"distortion"`

	// Connectometry parameters
	Connectometry struct {
		// FiberThreshold is the template anisotropy a fiber must exceed to be analysed
		FiberThreshold float64 `yaml:"fiberThreshold"`

		// Normalize scales every subject to unit variance
		Normalize bool `yaml:"normalize"`

		// ThresholdType is one of t, mean_dif, percentage, beta, percentile
		ThresholdType string `yaml:"thresholdType"`

		// Permutations is the number of null permutations
		Permutations int `yaml:"permutations"`

		// ChangeType is absolute or percentage
		ChangeType string `yaml:"changeType"`
	} `yaml:"connectometry"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumCores = runtime.NumCPU()
	cfg.Processing.Seed = 0
	cfg.Processing.Verbose = false

	cfg.Calibration.Enabled = true
	cfg.Calibration.ConnectivityCosine = 0.8665
	cfg.Calibration.AnisotropyFraction = 0.1

	cfg.Distortion.Enabled = true

	cfg.Connectometry.FiberThreshold = 0
	cfg.Connectometry.Normalize = false
	cfg.Connectometry.ThresholdType = "t"
	cfg.Connectometry.Permutations = 2000
	cfg.Connectometry.ChangeType = "absolute"

	return cfg
}

// Validate checks value ranges that YAML parsing cannot
func (c *Config) Validate() error {
	if c.Processing.NumCores < 0 {
		return fmt.Errorf("numCores must not be negative, got %d", c.Processing.NumCores)
	}
	if c.Calibration.ConnectivityCosine <= 0 || c.Calibration.ConnectivityCosine > 1 {
		return fmt.Errorf("connectivityCosine must be in (0, 1], got %v", c.Calibration.ConnectivityCosine)
	}
	if c.Calibration.AnisotropyFraction < 0 || c.Calibration.AnisotropyFraction >= 1 {
		return fmt.Errorf("anisotropyFraction must be in [0, 1), got %v", c.Calibration.AnisotropyFraction)
	}
	if c.Connectometry.Permutations < 0 {
		return fmt.Errorf("permutations must not be negative, got %d", c.Connectometry.Permutations)
	}
	switch c.Connectometry.ChangeType {
	case "absolute", "percentage":
	default:
		return fmt.Errorf("unknown changeType %q", c.Connectometry.ChangeType)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
