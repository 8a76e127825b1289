package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultListenAddr       = ":8765"
	DefaultProducerPath     = "/producer"
	DefaultConsumerPath     = "/consumer"
	DefaultHealthAddr       = ":8766"
	DefaultAuthTolerance    = 30 * time.Second
	DefaultMaxConnections   = 1024
	DefaultMaxFrameBytes    = 1 << 20
	DefaultSendQueueSize    = 256
	DefaultHeartbeat        = 30 * time.Second
	DefaultTransportIdle    = 60 * time.Second
	DefaultSessionIdle      = 5 * time.Minute
	DefaultHistoryRequest   = 30 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
)

func (c *RelayConfig) applyDefaults() {
	// Listen defaults
	if c.Listen.Addr == "" {
		c.Listen.Addr = DefaultListenAddr
	}
	if c.Listen.ProducerPath == "" {
		c.Listen.ProducerPath = DefaultProducerPath
	}
	if c.Listen.ConsumerPath == "" {
		c.Listen.ConsumerPath = DefaultConsumerPath
	}
	if c.Listen.HealthAddr == "" {
		c.Listen.HealthAddr = DefaultHealthAddr
	}

	// Auth defaults
	if c.Auth.Tolerance == 0 {
		c.Auth.Tolerance = DefaultAuthTolerance
	}
	if len(c.Auth.AllowedOrigins) == 0 {
		c.Auth.AllowedOrigins = []string{"*"}
	}

	// Limits defaults
	if c.Limits.MaxConnections == 0 {
		c.Limits.MaxConnections = DefaultMaxConnections
	}
	if c.Limits.MaxFrameBytes == 0 {
		c.Limits.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.Limits.SendQueueSize == 0 {
		c.Limits.SendQueueSize = DefaultSendQueueSize
	}

	// Timeouts defaults
	if c.Timeouts.Heartbeat == 0 {
		c.Timeouts.Heartbeat = DefaultHeartbeat
	}
	if c.Timeouts.TransportIdle == 0 {
		c.Timeouts.TransportIdle = DefaultTransportIdle
	}
	if c.Timeouts.SessionIdle == 0 {
		c.Timeouts.SessionIdle = DefaultSessionIdle
	}
	if c.Timeouts.HistoryRequest == 0 {
		c.Timeouts.HistoryRequest = DefaultHistoryRequest
	}
	if c.Timeouts.Write == 0 {
		c.Timeouts.Write = DefaultWriteTimeout
	}
	if c.Timeouts.Handshake == 0 {
		c.Timeouts.Handshake = DefaultHandshakeTimeout
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}
