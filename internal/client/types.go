package client

import (
	"errors"
	"time"

	"github.com/tickbridge/relay/internal/auth"
)

// Errors
var (
	ErrNotConnected  = errors.New("not connected")
	ErrAlreadyClosed = errors.New("already closed")
	ErrAuthRejected  = errors.New("authentication rejected")
	ErrAuthTimeout   = errors.New("authentication timed out")
)

// Config configures a relay endpoint client.
type Config struct {
	URL         string           // ws:// URL including the role path
	Credentials auth.Credentials // shared key/secret pair

	HandshakeTimeout time.Duration // covers dial plus upgrade exchange
	WriteTimeout     time.Duration // write deadline for sends
	AuthTimeout      time.Duration // max wait for the auth_response
	BufferSize       int           // message channel buffer size

	Reconnect          bool          // redial when the connection drops
	ReconnectBaseDelay time.Duration // first backoff step
	ReconnectMaxDelay  time.Duration // backoff ceiling

	// OnConnect runs after every successful (re)authentication, on the
	// client's own goroutine. Producers re-announce their catalog here,
	// consumers restore their subscriptions.
	OnConnect func(c Client)
}

// DefaultConfig returns sensible defaults. URL and Credentials must
// still be supplied.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:   10 * time.Second,
		WriteTimeout:       10 * time.Second,
		AuthTimeout:        10 * time.Second,
		BufferSize:         1024,
		Reconnect:          true,
		ReconnectBaseDelay: 1 * time.Second,
		ReconnectMaxDelay:  60 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = def.AuthTimeout
	}
	if c.BufferSize <= 0 {
		c.BufferSize = def.BufferSize
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
}
