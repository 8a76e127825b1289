package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *RelayConfig) Validate() error {
	if c.Listen.Addr == "" {
		return errors.New("listen.addr is required")
	}
	if !strings.HasPrefix(c.Listen.ProducerPath, "/") {
		return errors.New("listen.producer_path must start with /")
	}
	if !strings.HasPrefix(c.Listen.ConsumerPath, "/") {
		return errors.New("listen.consumer_path must start with /")
	}
	if c.Listen.ProducerPath == c.Listen.ConsumerPath {
		return errors.New("listen.producer_path and listen.consumer_path cannot match")
	}

	if c.Auth.APIKey == "" {
		return errors.New("auth.api_key is required")
	}
	if c.Auth.APISecret == "" {
		return errors.New("auth.api_secret is required")
	}
	if c.Auth.Tolerance <= 0 {
		return errors.New("auth.tolerance must be positive")
	}

	if c.Limits.MaxConnections < 1 {
		return errors.New("limits.max_connections must be >= 1")
	}
	if c.Limits.MaxFrameBytes < 1 {
		return errors.New("limits.max_frame_bytes must be >= 1")
	}
	if c.Limits.SendQueueSize < 1 {
		return errors.New("limits.send_queue_size must be >= 1")
	}

	if c.Timeouts.Heartbeat <= 0 {
		return errors.New("timeouts.heartbeat must be positive")
	}
	if c.Timeouts.TransportIdle <= 0 {
		return errors.New("timeouts.transport_idle must be positive")
	}
	if c.Timeouts.SessionIdle <= 0 {
		return errors.New("timeouts.session_idle must be positive")
	}
	if c.Timeouts.TransportIdle > c.Timeouts.SessionIdle {
		return fmt.Errorf("timeouts.transport_idle (%v) cannot exceed session_idle (%v)",
			c.Timeouts.TransportIdle, c.Timeouts.SessionIdle)
	}
	if c.Timeouts.HistoryRequest <= 0 {
		return errors.New("timeouts.history_request must be positive")
	}
	if c.Timeouts.Write <= 0 {
		return errors.New("timeouts.write must be positive")
	}
	if c.Timeouts.Handshake <= 0 {
		return errors.New("timeouts.handshake must be positive")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}
