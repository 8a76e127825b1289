package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tickbridge/relay/internal/auth"
	"github.com/tickbridge/relay/internal/ws"
)

// ServerConfig holds the websocket listener settings.
type ServerConfig struct {
	Addr             string
	ProducerPath     string
	ConsumerPath     string
	MaxConnections   int
	MaxFrameBytes    int64
	SendQueueSize    int
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
}

// DefaultServerConfig returns a ServerConfig with default settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:             ":8765",
		ProducerPath:     "/producer",
		ConsumerPath:     "/consumer",
		MaxConnections:   1024,
		MaxFrameBytes:    ws.DefaultMaxPayload,
		SendQueueSize:    256,
		WriteTimeout:     ws.DefaultWriteTimeout,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Server accepts websocket upgrades on two paths and runs a session for
// each connection. The path decides the role: producers push market
// data in, consumers subscribe to it.
type Server struct {
	cfg       ServerConfig
	hub       *Hub
	validator *auth.Validator
	logger    *slog.Logger

	upgrader   ws.Upgrader
	httpServer *http.Server
	listener   net.Listener
	sessions   sync.WaitGroup
}

// NewServer creates a Server. If logger is nil, slog.Default() is used.
func NewServer(cfg ServerConfig, hub *Hub, validator *auth.Validator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultServerConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.ProducerPath == "" {
		cfg.ProducerPath = def.ProducerPath
	}
	if cfg.ConsumerPath == "" {
		cfg.ConsumerPath = def.ConsumerPath
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = def.MaxFrameBytes
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}

	return &Server{
		cfg:       cfg,
		hub:       hub,
		validator: validator,
		logger:    logger.With("component", "server"),
		upgrader: ws.Upgrader{
			MaxPayload:   cfg.MaxFrameBytes,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.ProducerPath, s.handleUpgrade(RoleProducer))
	mux.HandleFunc(s.cfg.ConsumerPath, s.handleUpgrade(RoleConsumer))

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: s.cfg.HandshakeTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
			s.logger.Error("listener error", "error", err)
		}
	}()

	s.logger.Info("server started",
		"addr", ln.Addr().String(),
		"producer_path", s.cfg.ProducerPath,
		"consumer_path", s.cfg.ConsumerPath,
	)
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down: the listener closes first, then every
// live session is torn down, then we wait for the sessions to finish
// or the context to expire.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		s.httpServer.Shutdown(ctx)
	}
	s.hub.KillAll("server shutting down")

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("server stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleUpgrade returns the HTTP handler for one upgrade path. The
// connection limit is enforced with a plain 503 before any upgrade
// work happens.
func (s *Server) handleUpgrade(role Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.hub.ConnCount() >= s.cfg.MaxConnections {
			s.logger.Warn("rejecting connection at capacity", "remote", r.RemoteAddr)
			http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r)
		if err != nil {
			s.logger.Debug("upgrade rejected", "remote", r.RemoteAddr, "error", err)
			return
		}

		id := uuid.NewString()
		remote := conn.RemoteAddr().String()
		sess := NewSession(id, role, conn, remote, s.cfg.SendQueueSize, s.hub, s.validator, s.logger)
		if err := s.hub.Register(id, role, remote, sess); err != nil {
			// Lost the race for the last slot.
			if errors.Is(err, ErrConnLimit) {
				s.logger.Warn("rejecting connection at capacity", "remote", r.RemoteAddr)
			}
			conn.Close()
			return
		}

		s.sessions.Add(1)
		defer s.sessions.Done()
		sess.Run()
	}
}
