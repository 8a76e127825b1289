package config

import (
	"log/slog"
	"time"
)

// RelayConfig is the root configuration for a relay instance.
type RelayConfig struct {
	Listen   ListenConfig   `yaml:"listen"`
	Auth     AuthConfig     `yaml:"auth"`
	Limits   LimitsConfig   `yaml:"limits"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Log      LogConfig      `yaml:"log"`
}

// ListenConfig holds the listen address and the two upgrade paths.
type ListenConfig struct {
	Addr         string `yaml:"addr"`
	ProducerPath string `yaml:"producer_path"`
	ConsumerPath string `yaml:"consumer_path"`
	HealthAddr   string `yaml:"health_addr"`
}

// AuthConfig holds session credential settings. AllowedOrigins lists
// remote hosts or host:port addresses permitted to authenticate; "*"
// allows all.
type AuthConfig struct {
	APIKey         string        `yaml:"api_key"`
	APISecret      string        `yaml:"api_secret"`
	Tolerance      time.Duration `yaml:"tolerance"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// LimitsConfig holds resource limits enforced at accept time and on the
// wire.
type LimitsConfig struct {
	MaxConnections int   `yaml:"max_connections"`
	MaxFrameBytes  int64 `yaml:"max_frame_bytes"`
	SendQueueSize  int   `yaml:"send_queue_size"`
}

// TimeoutsConfig holds the relay's periodic and per-operation timing.
type TimeoutsConfig struct {
	Heartbeat      time.Duration `yaml:"heartbeat"`
	TransportIdle  time.Duration `yaml:"transport_idle"`
	SessionIdle    time.Duration `yaml:"session_idle"`
	HistoryRequest time.Duration `yaml:"history_request"`
	Write          time.Duration `yaml:"write"`
	Handshake      time.Duration `yaml:"handshake"`
}

// LogConfig holds structured logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// SlogLevel maps the configured level name to a slog.Level.
func (l LogConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
