package ws

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// acceptGUID is the key-concatenation GUID fixed by RFC 6455.
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

const defaultHandshakeTimeout = 10 * time.Second

// Handshake errors.
var (
	ErrNotWebSocket   = errors.New("not a websocket upgrade request")
	ErrMissingKey     = errors.New("missing Sec-WebSocket-Key")
	ErrBadVersion     = errors.New("unsupported Sec-WebSocket-Version")
	ErrBadStatus      = errors.New("unexpected handshake status")
	ErrAcceptMismatch = errors.New("Sec-WebSocket-Accept mismatch")
)

// HandshakeError marks a failure to establish the framed channel, distinct
// from a transport error on a channel that was established. Status carries
// the HTTP status sent (accepting role) or received (initiating role) when
// one exists.
type HandshakeError struct {
	Err    error
	Status int
}

func (e *HandshakeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("handshake failed (status %d): %v", e.Status, e.Err)
	}
	return "handshake failed: " + e.Err.Error()
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// AcceptKey computes the Sec-WebSocket-Accept token for a request key.
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + acceptGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// GenerateKey returns a fresh Sec-WebSocket-Key: 16 random bytes, base64.
func GenerateKey() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b[:]), nil
}

// Upgrader promotes incoming HTTP requests to framed connections.
// The zero value is usable.
type Upgrader struct {
	MaxPayload   int64         // inbound payload cap for the resulting Conn
	WriteTimeout time.Duration // per-write deadline for the resulting Conn
}

// Upgrade validates the request, hijacks the underlying connection, writes
// the 101 reply and returns the framed connection in the open state. On
// failure the HTTP error response has already been written and the returned
// error is a *HandshakeError.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	if err := validateUpgrade(r); err != nil {
		var he *HandshakeError
		errors.As(err, &he)
		http.Error(w, he.Err.Error(), he.Status)
		return nil, err
	}

	key := r.Header.Get("Sec-WebSocket-Key")

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade unsupported", http.StatusInternalServerError)
		return nil, &HandshakeError{
			Err:    errors.New("response writer does not support hijacking"),
			Status: http.StatusInternalServerError,
		}
	}
	raw, rw, err := hj.Hijack()
	if err != nil {
		return nil, &HandshakeError{Err: fmt.Errorf("hijack: %w", err)}
	}

	conn := newConn(raw, false, Options{MaxPayload: u.MaxPayload, WriteTimeout: u.WriteTimeout})
	conn.setState(StateHandshakePending)

	// Bytes the HTTP server read ahead belong to the framed stream.
	if n := rw.Reader.Buffered(); n > 0 {
		ahead, _ := rw.Reader.Peek(n)
		conn.pending = append(conn.pending, ahead...)
	}

	var sb strings.Builder
	sb.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	sb.WriteString("Upgrade: websocket\r\n")
	sb.WriteString("Connection: Upgrade\r\n")
	sb.WriteString("Sec-WebSocket-Accept: " + AcceptKey(key) + "\r\n\r\n")

	raw.SetWriteDeadline(time.Now().Add(conn.writeTimeout))
	if _, err := raw.Write([]byte(sb.String())); err != nil {
		raw.Close()
		conn.setState(StateClosed)
		return nil, &HandshakeError{Err: fmt.Errorf("write upgrade response: %w", err)}
	}
	raw.SetWriteDeadline(time.Time{})

	conn.setState(StateOpen)
	conn.touch()
	return conn, nil
}

func validateUpgrade(r *http.Request) error {
	if r.Method != http.MethodGet {
		return &HandshakeError{Err: ErrNotWebSocket, Status: http.StatusMethodNotAllowed}
	}
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return &HandshakeError{Err: ErrNotWebSocket, Status: http.StatusBadRequest}
	}
	if !headerHasToken(r.Header.Get("Connection"), "upgrade") {
		return &HandshakeError{Err: ErrNotWebSocket, Status: http.StatusBadRequest}
	}
	if v := r.Header.Get("Sec-WebSocket-Version"); v != "13" {
		return &HandshakeError{Err: fmt.Errorf("%w: %q", ErrBadVersion, v), Status: http.StatusBadRequest}
	}
	if r.Header.Get("Sec-WebSocket-Key") == "" {
		return &HandshakeError{Err: ErrMissingKey, Status: http.StatusBadRequest}
	}
	return nil
}

func headerHasToken(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// Dialer establishes outbound framed connections.
type Dialer struct {
	HandshakeTimeout time.Duration // covers dial plus upgrade exchange
	MaxPayload       int64
	WriteTimeout     time.Duration
}

// Dial connects to a ws:// URL and performs the upgrade exchange: random
// 16-byte key, GET upgrade request, 101 + accept-token verification.
// Every failure before the channel is established returns a
// *HandshakeError; errors after that surface from Read/Write as transport
// errors.
func (d *Dialer) Dial(ctx context.Context, rawURL string) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &HandshakeError{Err: fmt.Errorf("parse url: %w", err)}
	}
	if u.Scheme != "ws" {
		return nil, &HandshakeError{Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "80")
	}

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var nd net.Dialer
	raw, err := nd.DialContext(dctx, "tcp", host)
	if err != nil {
		return nil, &HandshakeError{Err: fmt.Errorf("dial %s: %w", host, err)}
	}

	key, err := GenerateKey()
	if err != nil {
		raw.Close()
		return nil, &HandshakeError{Err: err}
	}

	conn := newConn(raw, true, Options{MaxPayload: d.MaxPayload, WriteTimeout: d.WriteTimeout})
	conn.setState(StateHandshakePending)
	raw.SetDeadline(time.Now().Add(timeout))

	var sb strings.Builder
	fmt.Fprintf(&sb, "GET %s HTTP/1.1\r\n", u.RequestURI())
	fmt.Fprintf(&sb, "Host: %s\r\n", u.Host)
	sb.WriteString("Upgrade: websocket\r\n")
	sb.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&sb, "Sec-WebSocket-Key: %s\r\n", key)
	sb.WriteString("Sec-WebSocket-Version: 13\r\n\r\n")

	if _, err := raw.Write([]byte(sb.String())); err != nil {
		raw.Close()
		return nil, &HandshakeError{Err: fmt.Errorf("write upgrade request: %w", err)}
	}

	br := bufio.NewReader(raw)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		raw.Close()
		return nil, &HandshakeError{Err: fmt.Errorf("read upgrade response: %w", err)}
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		raw.Close()
		return nil, &HandshakeError{Err: ErrBadStatus, Status: resp.StatusCode}
	}
	if got := resp.Header.Get("Sec-WebSocket-Accept"); got != AcceptKey(key) {
		raw.Close()
		return nil, &HandshakeError{Err: ErrAcceptMismatch, Status: resp.StatusCode}
	}

	// Frames sent on the heels of the 101 are already buffered.
	if n := br.Buffered(); n > 0 {
		ahead, _ := br.Peek(n)
		conn.pending = append(conn.pending, ahead...)
	}

	raw.SetDeadline(time.Time{})
	conn.setState(StateOpen)
	conn.touch()
	return conn, nil
}

// Dial connects with default dialer settings.
func Dial(ctx context.Context, url string) (*Conn, error) {
	var d Dialer
	return d.Dial(ctx, url)
}
