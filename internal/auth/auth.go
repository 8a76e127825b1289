package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"
)

var (
	// ErrNotConfigured is returned when the relay has no credentials set.
	ErrNotConfigured = errors.New("no credentials configured")

	// ErrUnknownKey is returned when the presented api key does not match.
	ErrUnknownKey = errors.New("unknown api key")

	// ErrStaleTimestamp is returned when the request timestamp falls
	// outside the configured clock tolerance.
	ErrStaleTimestamp = errors.New("timestamp outside tolerance")

	// ErrBadSignature is returned when the HMAC signature does not verify.
	ErrBadSignature = errors.New("signature mismatch")

	// ErrOriginDenied is returned when the connection's remote address
	// is not on the allow-list.
	ErrOriginDenied = errors.New("remote address not allowed")
)

// DefaultTolerance bounds how far a request timestamp may drift from the
// relay clock in either direction.
const DefaultTolerance = 30 * time.Second

// Credentials holds an api key and its shared secret.
type Credentials struct {
	APIKey string
	Secret string
}

// Sign computes the hex HMAC-SHA256 signature for a millisecond
// timestamp. The signed message is the api key followed by the decimal
// timestamp.
func (c Credentials) Sign(timestampMs int64) string {
	mac := hmac.New(sha256.New, []byte(c.Secret))
	mac.Write([]byte(c.APIKey + strconv.FormatInt(timestampMs, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Config holds validator settings. AllowedOrigins lists remote hosts
// or host:port addresses permitted to authenticate; empty, or the "*"
// sentinel, allows all.
type Config struct {
	APIKey         string
	APISecret      string
	Tolerance      time.Duration
	AllowedOrigins []string
}

// DefaultConfig returns a Config with default settings. Credentials
// must still be supplied before any request can pass.
func DefaultConfig() Config {
	return Config{
		Tolerance:      DefaultTolerance,
		AllowedOrigins: []string{"*"},
	}
}

// Request carries the fields a connecting session presents for
// validation. RemoteAddr is the transport-level peer address, taken
// from the connection rather than any client-supplied header.
type Request struct {
	APIKey     string
	Timestamp  int64
	Signature  string
	RemoteAddr string
}

// Validator checks authentication requests against configured
// credentials.
type Validator struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// NewValidator creates a Validator. If logger is nil, slog.Default()
// is used.
func NewValidator(cfg Config, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	return &Validator{
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With("component", "auth"),
	}
}

// Validate runs the credential checks in order and returns the first
// failure, or nil when the request authenticates.
func (v *Validator) Validate(req Request) error {
	if v.cfg.APIKey == "" || v.cfg.APISecret == "" {
		return ErrNotConfigured
	}

	if !hmac.Equal([]byte(req.APIKey), []byte(v.cfg.APIKey)) {
		v.logger.Debug("rejected unknown api key")
		return ErrUnknownKey
	}

	skew := v.now().UnixMilli() - req.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if tolerance := v.cfg.Tolerance.Milliseconds(); skew > tolerance {
		v.logger.Debug("rejected stale timestamp", "skew_ms", skew, "tolerance_ms", tolerance)
		return fmt.Errorf("%w: clock skew %dms exceeds %dms", ErrStaleTimestamp, skew, tolerance)
	}

	expected := Credentials{APIKey: v.cfg.APIKey, Secret: v.cfg.APISecret}.Sign(req.Timestamp)
	if !hmac.Equal([]byte(req.Signature), []byte(expected)) {
		v.logger.Debug("rejected bad signature")
		return ErrBadSignature
	}

	if !v.remoteAllowed(req.RemoteAddr) {
		v.logger.Debug("rejected remote address", "remote", req.RemoteAddr)
		return fmt.Errorf("%w: %s", ErrOriginDenied, req.RemoteAddr)
	}

	return nil
}

// remoteAllowed reports whether the remote address passes the
// allow-list. An empty list allows everyone; otherwise the full
// address, its host part (the peer port is ephemeral), or the "*"
// sentinel must be listed.
func (v *Validator) remoteAllowed(remote string) bool {
	if len(v.cfg.AllowedOrigins) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	for _, allowed := range v.cfg.AllowedOrigins {
		if allowed == "*" || allowed == remote || allowed == host {
			return true
		}
	}
	return false
}
