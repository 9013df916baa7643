// Package config loads and validates the bridge configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Serial       SerialConfig       `toml:"serial"`
	Database     DatabaseConfig     `toml:"database"`
	Notification NotificationConfig `toml:"notification"`
	Monitor      MonitorConfig      `toml:"monitor"`
	Log          LogConfig          `toml:"log"`
}

type SerialConfig struct {
	// PortName is a device path, or "auto" to scan for the modem.
	PortName      string `toml:"port_name"`
	BaudRate      int    `toml:"baud_rate"`
	TimeoutMs     int64  `toml:"timeout_ms"`
	MaxRetryCount int    `toml:"max_retry_count"`
	RetryDelayMs  int64  `toml:"retry_delay_ms"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type NotificationConfig struct {
	BarkServerURL string `toml:"bark_server_url"`
	BarkDeviceKey string `toml:"bark_device_key"`
	Enabled       bool   `toml:"enabled"`
}

type MonitorConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
	Mdns       bool   `toml:"mdns"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Load reads and validates the TOML config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Serial.PortName == "" {
		return fmt.Errorf("invalid port_name: must not be empty")
	}
	if c.Serial.BaudRate <= 0 {
		return fmt.Errorf("invalid baud_rate: must be greater than 0")
	}
	if c.Serial.TimeoutMs <= 0 {
		return fmt.Errorf("invalid timeout_ms: must be greater than 0")
	}
	if c.Serial.MaxRetryCount <= 0 {
		return fmt.Errorf("invalid max_retry_count: must be greater than 0")
	}
	if c.Serial.RetryDelayMs <= 0 {
		return fmt.Errorf("invalid retry_delay_ms: must be greater than 0")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Notification.Enabled {
		if c.Notification.BarkServerURL == "" {
			return fmt.Errorf("bark_server_url cannot be empty when notifications are enabled")
		}
		if c.Notification.BarkDeviceKey == "" {
			return fmt.Errorf("bark_device_key cannot be empty when notifications are enabled")
		}
	}
	if c.Monitor.Enabled && c.Monitor.ListenAddr == "" {
		return fmt.Errorf("monitor listen_addr cannot be empty when the monitor is enabled")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel maps the configured level name onto a slog level.
func (c *Config) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level: %q", c.Log.Level)
	}
}
