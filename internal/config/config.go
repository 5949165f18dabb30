// Package config loads and validates the engine's TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the application configuration
type Config struct {
	Database DatabaseConfig `toml:"database"`
	Library  LibraryConfig  `toml:"library"`
	Search   SearchConfig   `toml:"search"`
	Cursor   CursorConfig   `toml:"cursor"`
	Logging  LoggingConfig  `toml:"logging"`
}

// DatabaseConfig contains catalog database configuration
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// LibraryConfig contains media library configuration
type LibraryConfig struct {
	Roots            []string `toml:"roots"`
	SupportedFormats []string `toml:"supported_formats"`
	WatchForChanges  bool     `toml:"watch_for_changes"`
	ScanOnStartup    bool     `toml:"scan_on_startup"`
	ScanWorkers      int      `toml:"scan_workers"` // 0 selects NumCPU
	UpdateBatch      int      `toml:"update_batch"`
}

// SearchConfig tunes incremental search rebuilds
type SearchConfig struct {
	BatchSize        int `toml:"batch_size"`
	PartialThreshold int `toml:"partial_threshold"`
}

// CursorConfig tunes windowed cursor caching
type CursorConfig struct {
	BlockSize   int `toml:"block_size"`
	CacheBlocks int `toml:"cache_blocks"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "./melodeon.db",
		},
		Library: LibraryConfig{
			Roots:            []string{"./music"},
			SupportedFormats: []string{".flac", ".mp3", ".wav", ".m4a"},
			WatchForChanges:  true,
			ScanOnStartup:    true,
			ScanWorkers:      0,
			UpdateBatch:      32,
		},
		Search: SearchConfig{
			BatchSize:        64,
			PartialThreshold: 50,
		},
		Cursor: CursorConfig{
			BlockSize:   128,
			CacheBlocks: 16,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   "",
		},
	}
}

// LoadConfig loads configuration from a TOML file, writing a default file
// when none exists yet.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := cfg.SaveToFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config file: %w", err)
		}
		fmt.Printf("Created default configuration file at: %s\n", configPath)
		return cfg, nil
	}

	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// SaveToFile saves the configuration to a TOML file
func (c *Config) SaveToFile(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	header := `# Melodeon Catalog Engine Configuration
# This file contains all configuration options for the melodeon media
# catalog engine. Edit the values below to customize your setup.

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write config header: %w", err)
	}

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	if len(c.Library.SupportedFormats) == 0 {
		return fmt.Errorf("at least one supported media format must be specified")
	}
	if c.Library.ScanWorkers < 0 {
		return fmt.Errorf("scan workers cannot be negative")
	}
	if c.Library.UpdateBatch < 0 {
		return fmt.Errorf("update batch size cannot be negative")
	}

	if c.Search.BatchSize < 0 {
		return fmt.Errorf("search batch size cannot be negative")
	}
	if c.Search.PartialThreshold < 0 {
		return fmt.Errorf("search partial threshold cannot be negative")
	}

	if c.Cursor.BlockSize < 0 {
		return fmt.Errorf("cursor block size cannot be negative")
	}
	if c.Cursor.CacheBlocks < 0 {
		return fmt.Errorf("cursor cache size cannot be negative")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"text": true, "json": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}
