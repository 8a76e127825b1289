package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tickbridge/relay/internal/auth"
	"github.com/tickbridge/relay/internal/model"
	"github.com/tickbridge/relay/internal/ws"
)

var testCreds = auth.Credentials{APIKey: "test-key", Secret: "test-secret"}

// mockRelay starts a gorilla-backed server that answers the auth
// exchange before handing the connection to handler. A nil handler
// just holds the connection open.
func mockRelay(t *testing.T, accept bool, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req model.Auth
		if err := json.Unmarshal(raw, &req); err != nil || req.Type != model.KindAuth {
			t.Errorf("first message = %s, want auth", raw)
			return
		}
		if want := testCreds.Sign(req.Timestamp); req.Signature != want {
			t.Errorf("signature = %q, want %q", req.Signature, want)
		}

		resp := model.AuthResponse{Type: model.KindAuthResponse, Success: accept}
		if accept {
			resp.ServerTime = time.Now().UnixMilli()
		} else {
			resp.Error = "Authentication failed"
		}
		out, _ := json.Marshal(resp)
		if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
			return
		}

		if handler != nil {
			handler(conn)
		} else {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func newTestClient(url string) Client {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.Credentials = testCreds
	cfg.Reconnect = false
	return New(cfg, nil)
}

func TestConnectAuthenticates(t *testing.T) {
	server := mockRelay(t, true, nil)

	c := newTestClient(wsURL(server))
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !c.IsConnected() {
		t.Error("IsConnected = false after Connect")
	}
}

func TestConnectAuthRejected(t *testing.T) {
	server := mockRelay(t, false, nil)

	c := newTestClient(wsURL(server))
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.Connect(ctx)
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("Connect error = %v, want ErrAuthRejected", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected = true after rejected auth")
	}
}

func TestConnectHandshakeFailureIsDistinct(t *testing.T) {
	// A plain HTTP server never upgrades: the channel is never
	// established, which must surface as a HandshakeError rather than a
	// transport error.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := newTestClient(wsURL(server))
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.Connect(ctx)
	var he *ws.HandshakeError
	if !errors.As(err, &he) {
		t.Fatalf("Connect error = %T (%v), want *ws.HandshakeError", err, err)
	}
}

func TestSendBeforeConnect(t *testing.T) {
	c := newTestClient("ws://127.0.0.1:1")
	defer c.Close()

	if err := c.Send([]byte(`{"type":"ping"}`)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send error = %v, want ErrNotConnected", err)
	}
}

func TestMessagesForwarded(t *testing.T) {
	trade := []byte(`{"type":"trade","symbol":"EURUSD","time":1700000000000,"price":1.0852,"volume":2,"side":"buy"}`)
	server := mockRelay(t, true, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, trade)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := newTestClient(wsURL(server))
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case raw := <-c.Messages():
		if string(raw) != string(trade) {
			t.Errorf("message = %s, want %s", raw, trade)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no message forwarded")
	}
}

func TestHeartbeatAnsweredWithPing(t *testing.T) {
	gotPing := make(chan model.Ping, 1)
	server := mockRelay(t, true, func(conn *websocket.Conn) {
		hb, _ := json.Marshal(model.Heartbeat{Type: model.KindHeartbeat, Time: time.Now().UnixMilli()})
		conn.WriteMessage(websocket.TextMessage, hb)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ping model.Ping
			if json.Unmarshal(raw, &ping) == nil && ping.Type == model.KindPing {
				select {
				case gotPing <- ping:
				default:
				}
			}
		}
	})

	c := newTestClient(wsURL(server))
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case <-gotPing:
	case <-time.After(5 * time.Second):
		t.Fatal("heartbeat was not answered with a ping")
	}
}

func TestOnConnectRunsAfterAuth(t *testing.T) {
	server := mockRelay(t, true, nil)

	connected := make(chan struct{}, 1)
	cfg := DefaultConfig()
	cfg.URL = wsURL(server)
	cfg.Credentials = testCreds
	cfg.Reconnect = false
	cfg.OnConnect = func(c Client) {
		if !c.IsConnected() {
			t.Error("OnConnect ran before the client reported connected")
		}
		select {
		case connected <- struct{}{}:
		default:
		}
	}

	c := New(cfg, nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("OnConnect never ran")
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	// The server closes every connection right after auth; the client
	// should redial and re-authenticate on its own.
	dials := make(chan struct{}, 8)
	server := mockRelay(t, true, func(conn *websocket.Conn) {
		select {
		case dials <- struct{}{}:
		default:
		}
	})

	cfg := DefaultConfig()
	cfg.URL = wsURL(server)
	cfg.Credentials = testCreds
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 50 * time.Millisecond

	c := New(cfg, nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-dials:
		case <-time.After(5 * time.Second):
			t.Fatalf("connection %d never arrived", i+1)
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	server := mockRelay(t, true, nil)

	c := newTestClient(wsURL(server))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected = true after Close")
	}
	if err := c.Connect(ctx); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("Connect after Close = %v, want ErrAlreadyClosed", err)
	}
}
