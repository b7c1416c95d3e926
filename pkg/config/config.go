// Package config loads server configuration: built-in defaults overlaid with
// an optional YAML file and a handful of environment overrides.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config is the umbrella configuration object used throughout the application.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Data      DataConfig      `yaml:"data" json:"data"`
	Retention RetentionConfig `yaml:"retention" json:"retention"`
	Ingest    IngestConfig    `yaml:"ingest" json:"ingest"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	// Port the HTTP/WebSocket server listens on.
	Port int `yaml:"port" json:"port"`

	// LocalhostOnly binds the listener to 127.0.0.1 instead of all interfaces.
	LocalhostOnly bool `yaml:"localhost_only" json:"localhost_only"`

	// URLPrefix is prepended to generated run/group URLs, e.g. when the
	// server sits behind a reverse proxy.
	URLPrefix string `yaml:"url_prefix" json:"url_prefix"`
}

// DataConfig controls where runs are stored.
type DataConfig struct {
	// Dir is the root data directory: one subdirectory per run plus the
	// index database file.
	Dir string `yaml:"dir" json:"dir"`

	// DatabaseFile is the index database filename inside Dir.
	DatabaseFile string `yaml:"database_file" json:"database_file"`
}

// IngestConfig controls runner session liveness.
type IngestConfig struct {
	// WatchdogTick is how often each session checks liveness.
	WatchdogTick time.Duration `yaml:"watchdog_tick" json:"watchdog_tick"`

	// IdleTimeout aborts a run when no message has arrived for this long.
	// Ping success does not count as activity; only inbound messages do.
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// WriteTimeout bounds WebSocket sends to viewers and runners.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8765,
		},
		Data: DataConfig{
			Dir:          "./data",
			DatabaseFile: "testrift.db",
		},
		Retention: DefaultRetentionConfig(),
		Ingest: IngestConfig{
			WatchdogTick: 5 * time.Second,
			IdleTimeout:  30 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load builds the effective configuration: defaults, overlaid with the YAML
// file at path (if it exists), overlaid with environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// No file is fine; defaults apply.
		case err != nil:
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		default:
			var fileCfg Config
			if err := yaml.Unmarshal(data, &fileCfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
			if err := mergo.Merge(cfg, &fileCfg, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("merge config file %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TESTRIFT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("TESTRIFT_DATA_DIR"); v != "" {
		cfg.Data.Dir = v
	}
	if v := os.Getenv("TESTRIFT_LOCALHOST_ONLY"); v != "" {
		cfg.Server.LocalhostOnly = v == "1" || v == "true"
	}
}

// Validate checks ranges that would otherwise fail at runtime.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Data.Dir == "" {
		return fmt.Errorf("data dir must not be empty")
	}
	if c.Ingest.WatchdogTick <= 0 || c.Ingest.IdleTimeout <= 0 {
		return fmt.Errorf("ingest watchdog_tick and idle_timeout must be positive")
	}
	return nil
}

// Fingerprint returns a short hash of the effective configuration. The admin
// shutdown handshake compares fingerprints so a restart helper only restarts
// a server whose configuration it knows.
func (c *Config) Fingerprint() string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// ListenAddr returns the address the HTTP server binds to.
func (c *Config) ListenAddr() string {
	host := ""
	if c.Server.LocalhostOnly {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, c.Server.Port)
}
