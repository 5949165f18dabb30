package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	t.Run("CreatesDefaultFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.toml")
		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("Expected default config file to be written: %v", err)
		}
		if cfg.Database.Path == "" || cfg.Search.BatchSize == 0 || cfg.Cursor.BlockSize == 0 {
			t.Errorf("Expected populated defaults, got %+v", cfg)
		}
	})

	t.Run("RoundTrip", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.toml")
		cfg := DefaultConfig()
		cfg.Database.Path = "/var/lib/melodeon/catalog.db"
		cfg.Library.Roots = []string{"/media/music", "/media/podcasts"}
		cfg.Cursor.BlockSize = 256
		if err := cfg.SaveToFile(path); err != nil {
			t.Fatalf("SaveToFile failed: %v", err)
		}

		loaded, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if loaded.Database.Path != cfg.Database.Path {
			t.Errorf("Database path mismatch: %q", loaded.Database.Path)
		}
		if len(loaded.Library.Roots) != 2 || loaded.Library.Roots[1] != "/media/podcasts" {
			t.Errorf("Roots mismatch: %v", loaded.Library.Roots)
		}
		if loaded.Cursor.BlockSize != 256 {
			t.Errorf("Cursor block size mismatch: %d", loaded.Cursor.BlockSize)
		}
	})

	t.Run("RejectsInvalidFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.toml")
		bad := DefaultConfig()
		bad.Logging.Level = "verbose"
		if err := bad.SaveToFile(path); err != nil {
			t.Fatalf("SaveToFile failed: %v", err)
		}
		if _, err := LoadConfig(path); err == nil {
			t.Error("Expected invalid log level to be rejected")
		}
	})
}

func TestValidate(t *testing.T) {
	mutations := map[string]func(*Config){
		"EmptyDatabasePath": func(c *Config) { c.Database.Path = "" },
		"NoFormats":         func(c *Config) { c.Library.SupportedFormats = nil },
		"NegativeWorkers":   func(c *Config) { c.Library.ScanWorkers = -1 },
		"NegativeThreshold": func(c *Config) { c.Search.PartialThreshold = -1 },
		"NegativeBlockSize": func(c *Config) { c.Cursor.BlockSize = -1 },
		"BadLogFormat":      func(c *Config) { c.Logging.Format = "xml" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}

	t.Run("DefaultsAreValid", func(t *testing.T) {
		if err := DefaultConfig().Validate(); err != nil {
			t.Errorf("Expected defaults to validate, got %v", err)
		}
	})
}
