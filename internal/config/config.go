package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/okra-platform/foreign/internal/enumerate"
	"github.com/okra-platform/foreign/internal/sandbox"
)

// FileNames are the configuration files looked for, in order of preference.
var FileNames = []string{"foreign.json", "foreign.toml"}

// Config represents the foreign.json (or foreign.toml) configuration file
type Config struct {
	WindowCapacity int           `json:"window_capacity" toml:"window_capacity"`
	LogLevel       string        `json:"log_level" toml:"log_level"`
	Heap           HeapConfig    `json:"heap" toml:"heap"`
	Persist        PersistConfig `json:"persist" toml:"persist"`
}

// HeapConfig sizes the sandbox heap in 64KiB pages
type HeapConfig struct {
	InitialPages uint32 `json:"initial_pages" toml:"initial_pages"`
	MaxPages     uint32 `json:"max_pages" toml:"max_pages"`
}

// PersistConfig controls where relative writeToFile paths land
type PersistConfig struct {
	Dir string `json:"dir" toml:"dir"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	config := &Config{}
	config.applyDefaults()
	return config
}

// LoadConfig loads the configuration from the current directory or a parent directory
func LoadConfig() (*Config, string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get current directory: %w", err)
	}

	return loadConfigFromDir(dir)
}

// LoadConfigFromPath loads the configuration from a specific path. Files
// ending in .toml are decoded as TOML, everything else as JSON.
func LoadConfigFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	config.applyDefaults()

	// Relative persist dirs are relative to the config file.
	if config.Persist.Dir != "" && !filepath.IsAbs(config.Persist.Dir) {
		config.Persist.Dir = filepath.Join(filepath.Dir(path), config.Persist.Dir)
	}

	return &config, nil
}

func (c *Config) validate() error {
	if c.WindowCapacity < 0 {
		return fmt.Errorf("window_capacity must not be negative, got %d", c.WindowCapacity)
	}
	if c.Heap.MaxPages > sandbox.MaxHeapPages {
		return fmt.Errorf("heap.max_pages (%d) exceeds the limit of %d", c.Heap.MaxPages, sandbox.MaxHeapPages)
	}
	if c.Heap.InitialPages > sandbox.MaxHeapPages {
		return fmt.Errorf("heap.initial_pages (%d) exceeds the limit of %d", c.Heap.InitialPages, sandbox.MaxHeapPages)
	}
	if c.Heap.MaxPages != 0 && c.Heap.InitialPages > c.Heap.MaxPages {
		return fmt.Errorf("heap.initial_pages (%d) exceeds heap.max_pages (%d)", c.Heap.InitialPages, c.Heap.MaxPages)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.WindowCapacity == 0 {
		c.WindowCapacity = enumerate.DefaultCapacity
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Heap.InitialPages == 0 {
		c.Heap.InitialPages = sandbox.DefaultInitialPages
	}
	if c.Heap.MaxPages == 0 {
		c.Heap.MaxPages = max(sandbox.DefaultMaxPages, c.Heap.InitialPages)
	}
}

// Sandbox translates the configuration into sandbox settings.
func (c *Config) Sandbox() sandbox.Config {
	return sandbox.Config{
		InitialPages: c.Heap.InitialPages,
		MaxPages:     c.Heap.MaxPages,
		PersistRoot:  c.Persist.Dir,
	}
}

// loadConfigFromDir searches for a config file in the given directory and its parents
func loadConfigFromDir(startDir string) (*Config, string, error) {
	dir := startDir
	for {
		for _, name := range FileNames {
			configPath := filepath.Join(dir, name)
			if _, err := os.Stat(configPath); err == nil {
				config, err := LoadConfigFromPath(configPath)
				if err != nil {
					return nil, "", err
				}
				return config, dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root directory
			break
		}
		dir = parent
	}

	return nil, "", fmt.Errorf("no %s found in %s or any parent directory", strings.Join(FileNames, " or "), startDir)
}
