// Package config provides configuration loading for beamd.
package config

import (
	"fmt"

	"github.com/fyrsmithlabs/beamd/internal/logging"
)

// Config is the root configuration for the beamd daemon.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Generation GenerationConfig `koanf:"generation"`
	Scatter    ScatterConfig    `koanf:"scatter"`
	Logging    logging.Config   `koanf:"logging"`
	Prefs      PrefsConfig      `koanf:"prefs"`
}

// ServerConfig controls the HTTP control surface.
type ServerConfig struct {
	Port                   int `koanf:"port"`
	ShutdownTimeoutSeconds int `koanf:"shutdown_timeout_seconds"`
}

// GenerationConfig controls the upstream completion endpoint and default
// model selection.
type GenerationConfig struct {
	// BaseURL of an OpenAI-compatible completion API.
	BaseURL string `koanf:"base_url"`
	// APIKey authenticates against the API. Optional for local servers.
	APIKey string `koanf:"api_key"`
	// Models are the default ray model ids, assigned round-robin when a
	// session opens with more rays than models.
	Models []string `koanf:"models"`
	// ChairmanModel synthesizes the council's final answer. Falls back to
	// the first ray model when empty.
	ChairmanModel string `koanf:"chairman_model"`
}

// ScatterConfig controls the ray engine defaults.
type ScatterConfig struct {
	// RayCount is the number of rays created when a session opens.
	RayCount int `koanf:"ray_count"`
}

// PrefsConfig controls where persisted preferences live.
type PrefsConfig struct {
	Path string `koanf:"path"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeoutSeconds < 0 {
		return fmt.Errorf("shutdown timeout must be >= 0, got %d", c.Server.ShutdownTimeoutSeconds)
	}
	if c.Generation.BaseURL == "" {
		return fmt.Errorf("generation base_url required")
	}
	if c.Scatter.RayCount < 1 {
		return fmt.Errorf("scatter ray_count must be >= 1, got %d", c.Scatter.RayCount)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}
