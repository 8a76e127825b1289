package ws

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// State is a connection's position in its lifecycle. Transitions are
// driven only by handshake progress, close frames, Close calls and fatal
// transport errors.
type State int32

const (
	StateConnecting State = iota
	StateHandshakePending
	StateOpen
	StateClosing
	StateClosed
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshakePending:
		return "handshake_pending"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection errors.
var (
	ErrConnClosed    = errors.New("connection closed")
	ErrMaskedFrame   = errors.New("received masked frame from accepting side")
	ErrUnmaskedFrame = errors.New("received unmasked frame from initiating side")
)

// Defaults applied when Options fields are zero.
const (
	DefaultMaxPayload   = 1 << 20
	DefaultWriteTimeout = 10 * time.Second
)

// Options tune a framed connection.
type Options struct {
	MaxPayload   int64         // inbound payload cap per frame
	WriteTimeout time.Duration // deadline applied to each write
}

// closeNormal is a close payload carrying status 1000.
var closeNormal = []byte{0x03, 0xE8}

// Conn is a framed connection over a net.Conn. The initiating side masks
// every frame it sends and requires unmasked frames; the accepting side
// does the reverse. One goroutine may read while others write.
type Conn struct {
	raw    net.Conn
	client bool

	maxPayload   int64
	writeTimeout time.Duration

	state atomic.Int32

	readMu  sync.Mutex
	pending []byte
	chunk   []byte

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error

	lastActivity atomic.Int64
}

func newConn(raw net.Conn, client bool, opts Options) *Conn {
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = DefaultMaxPayload
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	c := &Conn{
		raw:          raw,
		client:       client,
		maxPayload:   opts.MaxPayload,
		writeTimeout: opts.WriteTimeout,
	}
	c.state.Store(int32(StateConnecting))
	c.touch()
	return c
}

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// SetReadDeadline bounds subsequent reads on the underlying socket. A
// zero time clears the deadline.
func (c *Conn) SetReadDeadline(t time.Time) error { return c.raw.SetReadDeadline(t) }

// LastActivity returns when the last frame arrived.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Conn) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

// ReadMessage blocks until the next data payload. Pings are answered with
// pongs transparently and pongs only refresh activity. A close frame is
// echoed once and surfaces as ErrConnClosed after teardown. Any structural
// or masking-policy violation tears the connection down.
func (c *Conn) ReadMessage() ([]byte, error) {
	for {
		f, err := c.readFrame()
		if err != nil {
			c.abort()
			return nil, err
		}
		c.touch()

		if c.client && f.Masked {
			c.abort()
			return nil, ErrMaskedFrame
		}
		if !c.client && !f.Masked {
			c.abort()
			return nil, ErrUnmaskedFrame
		}

		switch f.Opcode {
		case OpText, OpBinary:
			return f.Payload, nil
		case OpPing:
			// A failed pong surfaces on the peer's side or the next write.
			c.writeFrame(OpPong, f.Payload)
		case OpPong:
			// Activity already recorded.
		case OpClose:
			if c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
				c.writeFrame(OpClose, f.Payload)
			}
			c.abort()
			return nil, ErrConnClosed
		}
	}
}

// readFrame accumulates bytes until ParseFrame yields a complete frame.
func (c *Conn) readFrame() (*Frame, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if len(c.pending) > 0 {
			f, n, err := ParseFrame(c.pending, c.maxPayload)
			if err != nil {
				return nil, err
			}
			if f != nil {
				c.pending = c.pending[n:]
				if len(c.pending) == 0 {
					c.pending = nil
				}
				return f, nil
			}
		}

		if c.chunk == nil {
			c.chunk = make([]byte, 4096)
		}
		n, err := c.raw.Read(c.chunk)
		if n > 0 {
			c.pending = append(c.pending, c.chunk[:n]...)
		}
		if err != nil && n == 0 {
			return nil, err
		}
	}
}

// WriteMessage sends one text frame.
func (c *Conn) WriteMessage(payload []byte) error {
	if c.State() != StateOpen {
		return ErrConnClosed
	}
	return c.writeFrame(OpText, payload)
}

// WriteControl sends a control frame.
func (c *Conn) WriteControl(op Opcode, payload []byte) error {
	if !op.IsControl() {
		return ErrInvalidOpcode
	}
	if len(payload) > maxControlPayload {
		return ErrControlTooLong
	}
	if c.State() != StateOpen {
		return ErrConnClosed
	}
	return c.writeFrame(op, payload)
}

func (c *Conn) writeFrame(op Opcode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	_, err := c.raw.Write(AppendFrame(nil, op, payload, c.client))
	return err
}

// Close sends a close frame if the connection is still open, then closes
// the socket. It is idempotent and safe against concurrent teardown from
// the read loop.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		if c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
			c.writeFrame(OpClose, closeNormal)
		}
		c.setState(StateClosed)
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}

// abort tears the connection down without a close frame.
func (c *Conn) abort() {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		c.closeErr = c.raw.Close()
	})
	c.setState(StateClosed)
}
