package ws

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

// connPair returns an initiating and an accepting Conn joined by an
// in-memory pipe, both already in the open state.
func connPair(t *testing.T) (client, server *Conn) {
	t.Helper()

	p1, p2 := net.Pipe()
	opts := Options{WriteTimeout: time.Second}

	client = newConn(p1, true, opts)
	client.setState(StateOpen)
	server = newConn(p2, false, opts)
	server.setState(StateOpen)

	t.Cleanup(func() {
		p1.Close()
		p2.Close()
	})
	return client, server
}

func TestConnEcho(t *testing.T) {
	client, server := connPair(t)

	go func() {
		msg, err := server.ReadMessage()
		if err != nil {
			return
		}
		server.WriteMessage(msg)
	}()

	if err := client.WriteMessage([]byte("quote EURUSD")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	msg, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(msg) != "quote EURUSD" {
		t.Errorf("echo = %q, want %q", msg, "quote EURUSD")
	}
}

func TestConnSplitFrame(t *testing.T) {
	p1, p2 := net.Pipe()
	defer p1.Close()
	defer p2.Close()

	server := newConn(p2, false, Options{WriteTimeout: time.Second})
	server.setState(StateOpen)

	encoded := AppendFrame(nil, OpText, []byte("partial delivery"), true)
	go func() {
		p1.Write(encoded[:5])
		time.Sleep(10 * time.Millisecond)
		p1.Write(encoded[5:])
	}()

	msg, err := server.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(msg) != "partial delivery" {
		t.Errorf("payload = %q, want %q", msg, "partial delivery")
	}
}

func TestConnAutoPong(t *testing.T) {
	client, server := connPair(t)

	done := make(chan error, 1)
	go func() {
		// The ping is answered inside ReadMessage, which then keeps
		// waiting for the data frame that releases it.
		msg, err := client.ReadMessage()
		if err != nil {
			done <- err
			return
		}
		if string(msg) != "after" {
			done <- errors.New("unexpected payload " + string(msg))
			return
		}
		done <- nil
	}()

	if err := server.WriteControl(OpPing, []byte("keepalive")); err != nil {
		t.Fatalf("ping: %v", err)
	}

	frame, err := server.readFrame()
	if err != nil {
		t.Fatalf("reading pong: %v", err)
	}
	if frame.Opcode != OpPong {
		t.Fatalf("opcode = %s, want %s", frame.Opcode, OpPong)
	}
	if !bytes.Equal(frame.Payload, []byte("keepalive")) {
		t.Errorf("pong payload = %q, want %q", frame.Payload, "keepalive")
	}

	if err := server.WriteMessage([]byte("after")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("client: %v", err)
	}
}

func TestConnCloseHandshake(t *testing.T) {
	client, server := connPair(t)

	errc := make(chan error, 1)
	go func() {
		_, err := server.ReadMessage()
		errc <- err
	}()

	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := <-errc; !errors.Is(err, ErrConnClosed) {
		t.Errorf("server read error = %v, want %v", err, ErrConnClosed)
	}
	if got := client.State(); got != StateClosed {
		t.Errorf("client state = %s, want %s", got, StateClosed)
	}
	if got := server.State(); got != StateClosed {
		t.Errorf("server state = %s, want %s", got, StateClosed)
	}
}

func TestConnCloseIdempotent(t *testing.T) {
	client, server := connPair(t)

	go server.ReadMessage()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.Close()
		}()
	}
	wg.Wait()

	if err := client.WriteMessage([]byte("late")); !errors.Is(err, ErrConnClosed) {
		t.Errorf("write after close = %v, want %v", err, ErrConnClosed)
	}
}

func TestConnMaskingPolicy(t *testing.T) {
	t.Run("initiator rejects masked frames", func(t *testing.T) {
		p1, p2 := net.Pipe()
		defer p1.Close()
		defer p2.Close()

		client := newConn(p1, true, Options{WriteTimeout: time.Second})
		client.setState(StateOpen)

		// A frame masked by the accepting side violates the policy.
		go p2.Write(AppendFrame(nil, OpText, []byte("bad"), true))

		_, err := client.ReadMessage()
		if !errors.Is(err, ErrMaskedFrame) {
			t.Errorf("ReadMessage error = %v, want %v", err, ErrMaskedFrame)
		}
		if got := client.State(); got != StateClosed {
			t.Errorf("state = %s, want %s", got, StateClosed)
		}
	})

	t.Run("accepter rejects unmasked frames", func(t *testing.T) {
		p1, p2 := net.Pipe()
		defer p1.Close()
		defer p2.Close()

		server := newConn(p2, false, Options{WriteTimeout: time.Second})
		server.setState(StateOpen)

		go p1.Write(AppendFrame(nil, OpText, []byte("bad"), false))

		_, err := server.ReadMessage()
		if !errors.Is(err, ErrUnmaskedFrame) {
			t.Errorf("ReadMessage error = %v, want %v", err, ErrUnmaskedFrame)
		}
	})
}

func TestConnPayloadLimit(t *testing.T) {
	p1, p2 := net.Pipe()
	defer p1.Close()
	defer p2.Close()

	server := newConn(p2, false, Options{MaxPayload: 16, WriteTimeout: time.Second})
	server.setState(StateOpen)

	go p1.Write(AppendFrame(nil, OpText, make([]byte, 32), true))

	_, err := server.ReadMessage()
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("ReadMessage error = %v, want %v", err, ErrFrameTooLarge)
	}
}

func TestConnWriteRequiresOpen(t *testing.T) {
	p1, p2 := net.Pipe()
	defer p1.Close()
	defer p2.Close()

	conn := newConn(p1, true, Options{WriteTimeout: time.Second})
	if err := conn.WriteMessage([]byte("early")); !errors.Is(err, ErrConnClosed) {
		t.Errorf("write before handshake = %v, want %v", err, ErrConnClosed)
	}
}

func TestConnWriteControlValidates(t *testing.T) {
	client, _ := connPair(t)

	if err := client.WriteControl(OpText, nil); err == nil {
		t.Error("WriteControl accepted a data opcode")
	}
	if err := client.WriteControl(OpPing, make([]byte, 126)); !errors.Is(err, ErrControlTooLong) {
		t.Errorf("oversized control = %v, want %v", err, ErrControlTooLong)
	}
}

func TestStateString(t *testing.T) {
	states := map[State]string{
		StateConnecting:       "connecting",
		StateHandshakePending: "handshake_pending",
		StateOpen:             "open",
		StateClosing:          "closing",
		StateClosed:           "closed",
	}
	for state, want := range states {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
