package config

import (
	"os"
	"path/filepath"
	"testing"

	"tomoalign/pkg/search"
	"tomoalign/pkg/volume"
)

// TestDefaultConfig verifies the defaults used when no file is given
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Search.L != 8 {
		t.Errorf("Expected L 8, got %d", cfg.Search.L)
	}
	if cfg.Search.PeakSpacing != 2 {
		t.Errorf("Expected peak spacing 2, got %d", cfg.Search.PeakSpacing)
	}
	if cfg.Search.Tolerance != 0.01 {
		t.Errorf("Expected tolerance 0.01, got %f", cfg.Search.Tolerance)
	}
	if cfg.Search.NumCores < 1 {
		t.Errorf("Expected at least one core, got %d", cfg.Search.NumCores)
	}
	if cfg.Fill() != volume.FillMean {
		t.Errorf("Expected mean fill, got %v", cfg.Fill())
	}
	if cfg.SearchOptions().Space != search.SpaceAuto {
		t.Errorf("Expected the combined real and amplitude search, got %v", cfg.SearchOptions().Space)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
}

// TestLoadMissingFile verifies that a missing file yields the defaults
func TestLoadMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Search.L != DefaultConfig().Search.L {
		t.Errorf("Expected default L, got %d", cfg.Search.L)
	}
}

// TestSaveLoadRoundTrip verifies that a saved config loads back unchanged
func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Search.L = 12
	cfg.Search.Space = "amplitude"
	cfg.Rotation.Fill = "zero"
	cfg.Logging.Format = "json"
	cfg.Output.PreviewDir = "previews"

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if *loaded != *cfg {
		t.Errorf("Expected %+v, got %+v", cfg, loaded)
	}
	if loaded.SearchOptions().Space != search.SpaceAmplitude {
		t.Errorf("Expected the amplitude search, got %v", loaded.SearchOptions().Space)
	}
	if loaded.Fill() != volume.FillZero {
		t.Errorf("Expected zero fill, got %v", loaded.Fill())
	}
}

// TestPartialFileKeepsDefaults verifies that unspecified keys keep their defaults
func TestPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("search:\n  L: 4\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Search.L != 4 {
		t.Errorf("Expected L 4, got %d", cfg.Search.L)
	}
	if cfg.Search.PeakSpacing != 2 || cfg.Logging.Level != "info" {
		t.Errorf("Expected defaults for unspecified keys, got %+v", cfg)
	}
}

// TestLoadInvalid verifies that malformed or out-of-range files are rejected
func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed yaml", "search: [unclosed"},
		{"zero bandwidth", "search:\n  L: 0\n"},
		{"negative tolerance", "search:\n  tolerance: -1\n"},
		{"unknown fill", "rotation:\n  fill: nearest\n"},
		{"unknown space", "search:\n  space: fourier\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadConfig(path); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

// TestSearchOptions verifies the mapping onto search.Options
func TestSearchOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Search.L = 6
	cfg.Search.MaxCandidates = 3
	cfg.Search.NumCores = 2

	opts := cfg.SearchOptions()
	if opts.L != 6 || opts.MaxCandidates != 3 || opts.Workers != 2 || opts.Tolerance != cfg.Search.Tolerance {
		t.Errorf("Unexpected options %+v", opts)
	}
	if opts.Logger != nil {
		t.Error("Expected no logger from the config")
	}
}

// TestCreateDefaultConfigFile verifies that the written file reproduces the defaults
func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := CreateDefaultConfigFile(path); err != nil {
		t.Fatalf("CreateDefaultConfigFile failed: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if *cfg != *DefaultConfig() {
		t.Errorf("Expected defaults, got %+v", cfg)
	}
}
