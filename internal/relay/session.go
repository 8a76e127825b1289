package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tickbridge/relay/internal/auth"
	"github.com/tickbridge/relay/internal/model"
	"github.com/tickbridge/relay/internal/ws"
)

// Session owns one upgraded connection: a read loop that dispatches
// messages by role and a write pump that drains the send queue. It
// implements Sink so the hub can reach the session without touching
// the socket.
type Session struct {
	id        string
	role      Role
	remote    string
	conn      *ws.Conn
	queue     *SendQueue
	hub       *Hub
	validator *auth.Validator
	logger    *slog.Logger

	authed   atomic.Bool
	killOnce sync.Once
	wg       sync.WaitGroup
}

// NewSession wires a session around an upgraded connection. The remote
// address is the transport-level peer address, checked against the
// authenticator's allow-list.
func NewSession(id string, role Role, conn *ws.Conn, remote string, queueMax int, hub *Hub, validator *auth.Validator, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:        id,
		role:      role,
		remote:    remote,
		conn:      conn,
		queue:     NewSendQueue(queueMax),
		hub:       hub,
		validator: validator,
		logger:    logger.With("component", "session", "conn_id", id, "role", role.String()),
	}
}

// Enqueue hands a message to the write pump without blocking.
func (s *Session) Enqueue(msg []byte) bool {
	return s.queue.Enqueue(msg)
}

// Kill tears the session down promptly. The socket and queue close
// immediately, pending messages are abandoned, and the read loop's
// exit completes the deregistration.
func (s *Session) Kill(reason string) {
	s.killOnce.Do(func() {
		s.logger.Warn("session killed", "reason", reason)
		s.conn.Close()
		s.queue.Close()
	})
}

// LastTransport reports when the last frame of any kind arrived.
// Control frames answered inside the read path count here even though
// they never surface as messages.
func (s *Session) LastTransport() time.Time {
	return s.conn.LastActivity()
}

// Run services the connection until it drops. It blocks the caller and
// owns the teardown: on exit the session is deregistered and both the
// socket and the queue are closed.
func (s *Session) Run() {
	s.wg.Add(1)
	go s.writePump()

	s.readLoop()

	s.hub.Deregister(s.id)
	s.queue.Close()
	s.conn.Close()
	s.wg.Wait()
}

// writePump drains the send queue onto the socket. A write failure
// kills the session; the read loop notices the closed socket and
// finishes the teardown.
func (s *Session) writePump() {
	defer s.wg.Done()
	for {
		msg, ok := s.queue.Dequeue()
		if !ok {
			return
		}
		if err := s.conn.WriteMessage(msg); err != nil {
			if !errors.Is(err, ws.ErrConnClosed) {
				s.logger.Debug("write failed", "error", err)
			}
			s.Kill("write failed")
			return
		}
	}
}

// readLoop pulls messages off the socket until it errors. Malformed
// input is logged and dropped without disturbing the session; only
// transport errors end the loop.
func (s *Session) readLoop() {
	for {
		raw, err := s.conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, ws.ErrConnClosed) {
				s.logger.Debug("connection dropped", "error", err)
			}
			return
		}

		kind, err := model.Kind(raw)
		if err != nil {
			s.logger.Debug("discarding malformed message", "error", err)
			continue
		}
		s.hub.TouchSession(s.id)

		if s.role == RoleProducer {
			s.dispatchProducer(kind, raw)
		} else {
			s.dispatchConsumer(kind, raw)
		}
	}
}

func (s *Session) dispatchConsumer(kind string, raw []byte) {
	switch kind {
	case model.KindAuth:
		s.handleAuth(raw)

	case model.KindPing:
		s.sendJSON(model.Pong{Type: model.KindPong, Time: time.Now().UnixMilli()})

	case model.KindSubscribe:
		if !s.authed.Load() {
			s.sendError("Not authenticated")
			return
		}
		var req model.Subscribe
		if err := json.Unmarshal(raw, &req); err != nil {
			s.logger.Debug("discarding malformed subscribe", "error", err)
			return
		}
		if _, err := s.hub.Subscribe(s.id, req.Symbols); err != nil {
			s.sendError(err.Error())
		}

	case model.KindUnsubscribe:
		if !s.authed.Load() {
			s.sendError("Not authenticated")
			return
		}
		var req model.Subscribe
		if err := json.Unmarshal(raw, &req); err != nil {
			s.logger.Debug("discarding malformed unsubscribe", "error", err)
			return
		}
		if _, err := s.hub.Unsubscribe(s.id, req.Symbols); err != nil {
			s.sendError(err.Error())
		}

	case model.KindGetSymbols:
		if !s.authed.Load() {
			s.sendError("Not authenticated")
			return
		}
		s.sendJSON(model.SymbolList{Type: model.KindSymbols, Data: s.hub.ListSymbols()})

	case model.KindGetKlines:
		if !s.authed.Load() {
			s.sendError("Not authenticated")
			return
		}
		var q model.KlinesQuery
		if err := json.Unmarshal(raw, &q); err != nil {
			s.logger.Debug("discarding malformed history request", "error", err)
			return
		}
		if q.Timeframe != "" && !model.ValidTimeframe(q.Timeframe) {
			s.sendError("invalid timeframe: " + q.Timeframe)
			return
		}
		if _, err := s.hub.RequestHistory(s.id, raw); err != nil {
			if errors.Is(err, ErrNoProducer) {
				s.sendError("no producer available")
				return
			}
			s.sendError("invalid history request")
		}

	default:
		s.handleUnknown(kind)
	}
}

func (s *Session) dispatchProducer(kind string, raw []byte) {
	switch kind {
	case model.KindAuth:
		s.handleAuth(raw)

	case model.KindPing:
		s.sendJSON(model.Pong{Type: model.KindPong, Time: time.Now().UnixMilli()})

	case model.KindTrade, model.KindDepth, model.KindKline:
		if !s.authed.Load() {
			s.logger.Debug("dropping data from unauthenticated producer", "kind", kind)
			return
		}
		symbol := model.PeekSymbol(raw)
		if symbol == "" {
			s.logger.Debug("discarding data without symbol", "kind", kind)
			return
		}
		s.hub.Publish(symbol, kind, raw)

	case model.KindSymbols:
		if !s.authed.Load() {
			s.logger.Debug("dropping catalog from unauthenticated producer")
			return
		}
		var list model.SymbolList
		if err := json.Unmarshal(raw, &list); err != nil {
			s.logger.Debug("discarding malformed symbol catalog", "error", err)
			return
		}
		s.hub.SetSymbols(list.Data)

	case model.KindKlines:
		if !s.authed.Load() {
			s.logger.Debug("dropping history response from unauthenticated producer")
			return
		}
		if !s.hub.ResolveHistory(raw) {
			s.logger.Debug("dropping unmatched history response")
		}

	default:
		s.handleUnknown(kind)
	}
}

// handleUnknown follows the upstream contract: an unauthenticated
// session gets an explicit rejection, an authenticated one is let off
// with a log line.
func (s *Session) handleUnknown(kind string) {
	if !s.authed.Load() {
		s.sendError("Not authenticated")
		return
	}
	s.logger.Debug("ignoring message", "kind", kind)
}

// handleAuth runs the credential checks and flips the session to
// authenticated on success. A failed attempt is answered with a
// structured rejection and the connection stays open for a retry.
func (s *Session) handleAuth(raw []byte) {
	var req model.Auth
	if err := json.Unmarshal(raw, &req); err != nil {
		s.logger.Debug("discarding malformed auth", "error", err)
		return
	}

	err := s.validator.Validate(auth.Request{
		APIKey:     req.APIKey,
		Timestamp:  req.Timestamp,
		Signature:  req.Signature,
		RemoteAddr: s.remote,
	})
	if err != nil {
		s.logger.Info("authentication failed", "error", err)
		s.sendJSON(model.AuthResponse{
			Type:    model.KindAuthResponse,
			Success: false,
			Error:   "Authentication failed",
		})
		return
	}

	if err := s.hub.Authenticate(s.id); err != nil {
		s.logger.Warn("authentication aborted", "error", err)
		return
	}
	s.authed.Store(true)
	s.sendJSON(model.AuthResponse{
		Type:       model.KindAuthResponse,
		Success:    true,
		ServerTime: time.Now().UnixMilli(),
	})
	s.logger.Info("session authenticated")
}

// sendJSON marshals v onto the send queue. An overflowing queue kills
// the session.
func (s *Session) sendJSON(v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		return
	}
	if !s.queue.Enqueue(msg) {
		s.Kill("send queue full")
	}
}

func (s *Session) sendError(message string) {
	s.sendJSON(model.ErrorMessage{Type: model.KindError, Message: message})
}
