// Package config provides configuration loading and validation for the CLI.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config is the file-based configuration. All fields are optional; missing
// values fall back to defaults or environment variables at the call site.
type Config struct {
	// Connections
	DatabaseURL string `json:"database_url,omitempty"` // PostgreSQL connection URL
	APIKey      string `json:"api_key,omitempty"`      // Generation backend API key
	Port        int    `json:"port,omitempty"`         // HTTP listen port

	// Models per tier
	LiteModel     string `json:"lite_model,omitempty"`
	StandardModel string `json:"standard_model,omitempty"`
	AdvancedModel string `json:"advanced_model,omitempty"`

	// Processing behavior
	FailFast       bool `json:"fail_fast,omitempty"`        // Stop the job on the first row error
	RetryAttempts  int  `json:"retry_attempts,omitempty"`   // Extra tries after a transient backend error
	RetryBaseMS    int  `json:"retry_base_ms,omitempty"`    // First retry backoff in milliseconds
	LinkTimeoutSec int  `json:"link_timeout_sec,omitempty"` // Per-URL probe budget in seconds
	LinkBatchSize  int  `json:"link_batch_size,omitempty"`  // Concurrent probes per batch

	Verbose bool `json:"verbose,omitempty"`
}

// LoadConfig loads configuration from a JSON file.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return &cfg, nil
}

// Validate checks numeric ranges. Required fields are enforced after merging
// with flags and environment variables.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config error: 'port' must be between 0 and 65535")
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("config error: 'retry_attempts' must be non-negative")
	}
	if c.RetryBaseMS < 0 {
		return fmt.Errorf("config error: 'retry_base_ms' must be non-negative")
	}
	if c.LinkTimeoutSec < 0 {
		return fmt.Errorf("config error: 'link_timeout_sec' must be non-negative")
	}
	if c.LinkBatchSize < 0 {
		return fmt.Errorf("config error: 'link_batch_size' must be non-negative")
	}
	return nil
}

// MergeWithDefaults returns a new Config with unset fields filled from
// defaults. Bool fields are not merged; flags always win for those.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	if result.DatabaseURL == "" {
		result.DatabaseURL = defaults.DatabaseURL
	}
	if result.APIKey == "" {
		result.APIKey = defaults.APIKey
	}
	if result.LiteModel == "" {
		result.LiteModel = defaults.LiteModel
	}
	if result.StandardModel == "" {
		result.StandardModel = defaults.StandardModel
	}
	if result.AdvancedModel == "" {
		result.AdvancedModel = defaults.AdvancedModel
	}

	if result.Port == 0 {
		result.Port = defaults.Port
	}
	if result.RetryAttempts == 0 {
		result.RetryAttempts = defaults.RetryAttempts
	}
	if result.RetryBaseMS == 0 {
		result.RetryBaseMS = defaults.RetryBaseMS
	}
	if result.LinkTimeoutSec == 0 {
		result.LinkTimeoutSec = defaults.LinkTimeoutSec
	}
	if result.LinkBatchSize == 0 {
		result.LinkBatchSize = defaults.LinkBatchSize
	}

	return result
}
