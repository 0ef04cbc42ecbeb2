// Package config loads relayd settings from ~/.relayd/config.yaml with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/relay/internal/otel"
)

// HostConfig points the gateway at the external agent-orchestration service.
type HostConfig struct {
	BaseURL string `yaml:"base_url"`
	// APIKey is the initial key; it is swappable at runtime and never
	// written back here.
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// WS connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	Host HostConfig `yaml:"host"`

	// RetentionFileDays bounds how long uploaded file blobs are kept.
	// 0 keeps them forever.
	RetentionFileDays int `yaml:"retention_file_days"`

	Otel otel.Config `yaml:"otel"`
}

// DefaultHomeDir is ~/.relayd, falling back to the working directory when the
// home directory cannot be determined.
func DefaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".relayd"
	}
	return filepath.Join(home, ".relayd")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from homeDir, applies defaults and environment
// overrides. A missing file is not an error; defaults apply.
func Load(homeDir string) (Config, error) {
	cfg := Config{
		HomeDir:  homeDir,
		BindAddr: "127.0.0.1:8090",
		DBPath:   filepath.Join(homeDir, "relay.db"),
		LogLevel: "info",
	}

	data, err := os.ReadFile(ConfigPath(homeDir))
	if err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config.yaml: %w", err)
		}
		cfg.HomeDir = homeDir
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// Env overrides: RELAY_BIND_ADDR, RELAY_DB_PATH, RELAY_LOG_LEVEL,
// RELAY_HOST_URL, RELAY_HOST_API_KEY, RELAY_HOST_TIMEOUT_SECONDS.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RELAY_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("RELAY_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RELAY_HOST_URL"); v != "" {
		cfg.Host.BaseURL = v
	}
	if v := os.Getenv("RELAY_HOST_API_KEY"); v != "" {
		cfg.Host.APIKey = v
	}
	if v := os.Getenv("RELAY_HOST_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Host.TimeoutSeconds = n
		}
	}
}

// HostTimeout returns the configured host call timeout, or zero to let the
// gateway apply its default.
func (c Config) HostTimeout() time.Duration {
	if c.Host.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Host.TimeoutSeconds) * time.Second
}
