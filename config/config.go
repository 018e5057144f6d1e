// Package config loads StreamFix settings from an optional YAML file with
// environment-variable overrides. A missing config file is not an error:
// defaults plus environment apply, so the proxy starts with nothing but an
// upstream key in the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	UpstreamBaseURL string `yaml:"upstream_base_url"`
	UpstreamAPIKey  string `yaml:"upstream_api_key"`

	MaxJSONChars         int `yaml:"max_json_chars"`
	MaxStreamSeconds     int `yaml:"max_stream_seconds"`
	MaxConcurrentStreams int `yaml:"max_concurrent_streams"`
	MaxRPM               int `yaml:"max_rpm"`
	ArtifactCapacity     int `yaml:"artifact_capacity"`

	// TelemetryDB is the SQLite file used by the repair-event collector.
	// Empty selects a file in the OS temp directory.
	TelemetryDB string `yaml:"telemetry_db"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:                 "127.0.0.1",
		Port:                 8000,
		UpstreamBaseURL:      "https://openrouter.ai/api/v1",
		MaxJSONChars:         200000,
		MaxStreamSeconds:     90,
		MaxConcurrentStreams: 50,
		MaxRPM:               120,
		ArtifactCapacity:     100,
	}
}

// Load reads the YAML config at path and applies environment overrides.
// When path is empty the well-known locations ./streamfix.yaml and
// ~/.config/streamfix/streamfix.yaml are tried; absence of a file at any of
// them is fine.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = resolvePath()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if explicit || !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolvePath returns the first well-known config file that exists, or "".
func resolvePath() string {
	if _, err := os.Stat("streamfix.yaml"); err == nil {
		return "streamfix.yaml"
	}
	home, err := os.UserHomeDir()
	if err == nil {
		candidate := filepath.Join(home, ".config", "streamfix", "streamfix.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// applyEnv overlays recognized environment variables onto cfg.
func applyEnv(cfg *Config) {
	envStr("UPSTREAM_BASE_URL", &cfg.UpstreamBaseURL)
	envStr("UPSTREAM_API_KEY", &cfg.UpstreamAPIKey)
	envStr("STREAMFIX_TELEMETRY_DB", &cfg.TelemetryDB)
	envInt("MAX_JSON_CHARS", &cfg.MaxJSONChars)
	envInt("MAX_STREAM_SECONDS", &cfg.MaxStreamSeconds)
	envInt("MAX_CONCURRENT_STREAMS", &cfg.MaxConcurrentStreams)
	envInt("MAX_RPM", &cfg.MaxRPM)
	envInt("ARTIFACT_CAPACITY", &cfg.ArtifactCapacity)
	envInt("PORT", &cfg.Port)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate checks that every bound is usable.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.UpstreamBaseURL == "" {
		return fmt.Errorf("upstream_base_url must not be empty")
	}
	if c.MaxJSONChars <= 0 {
		return fmt.Errorf("max_json_chars must be positive, got %d", c.MaxJSONChars)
	}
	if c.MaxStreamSeconds <= 0 {
		return fmt.Errorf("max_stream_seconds must be positive, got %d", c.MaxStreamSeconds)
	}
	if c.MaxConcurrentStreams <= 0 {
		return fmt.Errorf("max_concurrent_streams must be positive, got %d", c.MaxConcurrentStreams)
	}
	if c.MaxRPM <= 0 {
		return fmt.Errorf("max_rpm must be positive, got %d", c.MaxRPM)
	}
	if c.ArtifactCapacity <= 0 {
		return fmt.Errorf("artifact_capacity must be positive, got %d", c.ArtifactCapacity)
	}
	return nil
}

// TelemetryPath returns the SQLite path, defaulting to the OS temp dir.
func (c *Config) TelemetryPath() string {
	if c.TelemetryDB != "" {
		return c.TelemetryDB
	}
	return filepath.Join(os.TempDir(), "streamfix-telemetry.db")
}
