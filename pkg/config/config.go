// Package config provides configuration loading and management for tomoalign.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"tomoalign/pkg/peaks"
	"tomoalign/pkg/search"
	"tomoalign/pkg/volume"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Search parameters
	Search struct {
		// L is the angular bandwidth; rotations are sampled every 90/L degrees
		L int `yaml:"L"`

		// PeakSpacing is the neighbourhood half-width a correlation peak must dominate
		PeakSpacing int `yaml:"peakSpacing"`

		// Tolerance is the rotation distance in radians below which peaks merge
		Tolerance float64 `yaml:"tolerance"`

		// Oversample multiplies the angular sampling of the correlation field
		Oversample int `yaml:"oversample"`

		// MaxCandidates limits the refined peaks, 0 keeps all of them
		MaxCandidates int `yaml:"maxCandidates"`

		// Space is what the rotation search correlates: auto, real or
		// amplitude. Only auto and amplitude handle volumes that are not
		// concentric
		Space string `yaml:"space"`

		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores"`
	} `yaml:"search"`

	// Rotation parameters
	Rotation struct {
		// Fill is the value given to voxels rotated in from outside: mean or zero
		Fill string `yaml:"fill"`
	} `yaml:"rotation"`

	// Logging parameters
	Logging struct {
		// Level is one of debug, info, warn, error
		Level string `yaml:"level"`

		// Format is text or json
		Format string `yaml:"format"`
	} `yaml:"logging"`

	// Output parameters
	Output struct {
		// PreviewDir receives PNG slices of aligned volumes when set
		PreviewDir string `yaml:"previewDir"`

		// TopN is the number of candidates printed by the search command
		TopN int `yaml:"topN"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Search.L = search.DefaultL
	cfg.Search.PeakSpacing = search.DefaultPeakSpacing
	cfg.Search.Tolerance = peaks.DefaultTolerance
	cfg.Search.Oversample = search.DefaultOversample
	cfg.Search.MaxCandidates = 0
	cfg.Search.Space = search.SpaceAuto.String()
	cfg.Search.NumCores = runtime.NumCPU() // Use all available cores by default

	cfg.Rotation.Fill = volume.FillMean.String()

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	cfg.Output.TopN = 10

	return cfg
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

// Validate checks the values that the search would otherwise reject later
func (c *Config) Validate() error {
	if c.Search.L <= 0 {
		return fmt.Errorf("search.L must be positive, got %d", c.Search.L)
	}
	if c.Search.PeakSpacing < 0 {
		return fmt.Errorf("search.peakSpacing must not be negative, got %d", c.Search.PeakSpacing)
	}
	if !(c.Search.Tolerance >= 0) {
		return fmt.Errorf("search.tolerance must not be negative, got %v", c.Search.Tolerance)
	}
	if c.Search.MaxCandidates < 0 {
		return fmt.Errorf("search.maxCandidates must not be negative, got %d", c.Search.MaxCandidates)
	}
	if _, err := search.ParseSpace(c.Search.Space); err != nil {
		return fmt.Errorf("search.space: %w", err)
	}
	if _, err := volume.ParseFill(c.Rotation.Fill); err != nil {
		return fmt.Errorf("rotation.fill: %w", err)
	}
	return nil
}

// SearchOptions maps the search section onto search.Options
func (c *Config) SearchOptions() search.Options {
	opts := search.DefaultOptions()
	opts.L = c.Search.L
	opts.PeakSpacing = c.Search.PeakSpacing
	opts.Tolerance = c.Search.Tolerance
	opts.Oversample = c.Search.Oversample
	opts.MaxCandidates = c.Search.MaxCandidates
	if space, err := search.ParseSpace(c.Search.Space); err == nil {
		opts.Space = space
	}
	opts.Workers = c.Search.NumCores
	return opts
}

// Fill returns the configured rotation fill mode
func (c *Config) Fill() volume.Fill {
	f, err := volume.ParseFill(c.Rotation.Fill)
	if err != nil {
		return volume.FillMean
	}
	return f
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
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
	return SaveConfig(DefaultConfig(), configPath)
}
