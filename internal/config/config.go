// Package config provides configuration loading and structs for the Mieru server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Search    SearchConfig    `yaml:"search"`
	Indexing  IndexingConfig  `yaml:"indexing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds paths for the database and per-profile vector indices.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	IndexDir     string `yaml:"index_dir"`
}

// TierModels names the concrete ONNX models for one quality tier.
type TierModels struct {
	TextModelPath  string `yaml:"text_model_path"`
	ImageModelPath string `yaml:"image_model_path"`
}

// EmbeddingConfig holds embedding model settings. Tiers maps tier name
// (performance, default, quality) to its model pair.
type EmbeddingConfig struct {
	Dimensions     int                   `yaml:"dimensions"`
	MaxTokens      int                   `yaml:"max_tokens"`
	TimeoutSeconds int                   `yaml:"timeout_seconds"`
	CacheSize      int                   `yaml:"cache_size"`
	Tiers          map[string]TierModels `yaml:"tiers"`
}

// Timeout returns the bound applied around each model inference call.
func (c *EmbeddingConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SearchConfig holds search defaults.
type SearchConfig struct {
	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`
}

// IndexingConfig holds background indexing settings.
type IndexingConfig struct {
	// IntervalMinutes is the scheduler period for re-scanning every profile.
	IntervalMinutes int `yaml:"interval_minutes"`
	// WatchEnabled turns on fsnotify watching of monitored folders; defaults to true when unset.
	WatchEnabled *bool `yaml:"watch_enabled"`
}

// Interval returns the scheduler period.
func (c *IndexingConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// WatchEnabledOrDefault returns whether folder watching is on; defaults to true when unset.
func (c *IndexingConfig) WatchEnabledOrDefault() bool {
	if c.WatchEnabled != nil {
		return *c.WatchEnabled
	}
	return true
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.IndexDir = expandPath(cfg.Storage.IndexDir, configDir)
	for name, tier := range cfg.Embedding.Tiers {
		tier.TextModelPath = expandPath(tier.TextModelPath, configDir)
		tier.ImageModelPath = expandPath(tier.ImageModelPath, configDir)
		cfg.Embedding.Tiers[name] = tier
	}

	return &cfg, nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
