package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/tickbridge/relay/internal/model"
)

// SupervisorConfig holds the periodic maintenance settings.
type SupervisorConfig struct {
	Heartbeat     time.Duration // heartbeat push interval
	TransportIdle time.Duration // evict after this long without any frame
	SessionIdle   time.Duration // evict after this long without a valid message
	SweepInterval time.Duration // how often idle and history sweeps run
}

// DefaultSupervisorConfig returns sensible defaults.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		Heartbeat:     30 * time.Second,
		TransportIdle: 60 * time.Second,
		SessionIdle:   5 * time.Minute,
		SweepInterval: 5 * time.Second,
	}
}

// Supervisor runs the hub's periodic work: heartbeat pushes, idle
// eviction, and history request expiry.
type Supervisor struct {
	cfg    SupervisorConfig
	hub    *Hub
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates a Supervisor. If logger is nil, slog.Default()
// is used.
func NewSupervisor(cfg SupervisorConfig, hub *Hub, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultSupervisorConfig()
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = def.Heartbeat
	}
	if cfg.TransportIdle <= 0 {
		cfg.TransportIdle = def.TransportIdle
	}
	if cfg.SessionIdle <= 0 {
		cfg.SessionIdle = def.SessionIdle
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	return &Supervisor{
		cfg:    cfg,
		hub:    hub,
		logger: logger.With("component", "supervisor"),
	}
}

// Start begins the maintenance loop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.run()

	s.logger.Info("supervisor started",
		"heartbeat", s.cfg.Heartbeat,
		"transport_idle", s.cfg.TransportIdle,
		"session_idle", s.cfg.SessionIdle,
	)
	return nil
}

// Stop gracefully shuts down the supervisor.
func (s *Supervisor) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("supervisor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the maintenance loop.
func (s *Supervisor) run() {
	defer s.wg.Done()

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-heartbeat.C:
			sent := s.hub.broadcastHeartbeat()
			s.logger.Debug("heartbeat pushed", "sessions", sent)
		case <-sweep.C:
			if n := s.hub.sweepIdle(s.cfg.TransportIdle, s.cfg.SessionIdle); n > 0 {
				s.logger.Info("idle sessions evicted", "count", n)
			}
			if n := s.hub.expireHistory(); n > 0 {
				s.logger.Warn("history requests timed out", "count", n)
			}
		}
	}
}

// broadcastHeartbeat queues a heartbeat to every authenticated session.
// Sinks are snapshotted under the read lock and written to after it is
// released. Returns the number of sessions reached.
func (h *Hub) broadcastHeartbeat() int {
	msg, err := json.Marshal(model.Heartbeat{Type: model.KindHeartbeat, Time: h.now().UnixMilli()})
	if err != nil {
		return 0
	}

	h.mu.RLock()
	targets := make([]Sink, 0, len(h.conns))
	for _, e := range h.conns {
		if e.authenticated {
			targets = append(targets, e.sink)
		}
	}
	h.mu.RUnlock()

	sent := 0
	var victims []Sink
	for _, sink := range targets {
		if sink.Enqueue(msg) {
			sent++
		} else {
			victims = append(victims, sink)
		}
	}
	for _, sink := range victims {
		sink.Kill("send queue full")
	}
	return sent
}

// sweepIdle tears down sessions that have gone quiet. The transport
// clock advances on any frame, the session clock only on valid
// messages, so a peer sending nothing but pings eventually trips the
// session limit while a dead socket trips the shorter transport limit.
func (h *Hub) sweepIdle(transportIdle, sessionIdle time.Duration) int {
	type victim struct {
		id     string
		sink   Sink
		reason string
	}
	var victims []victim

	now := h.now()
	h.mu.RLock()
	for id, e := range h.conns {
		switch {
		case now.Sub(e.sink.LastTransport()) > transportIdle:
			victims = append(victims, victim{id, e.sink, "transport idle"})
		case now.Sub(e.lastSession) > sessionIdle:
			victims = append(victims, victim{id, e.sink, "session idle"})
		}
	}
	h.mu.RUnlock()

	for _, v := range victims {
		h.logger.Warn("evicting idle session", "conn_id", v.id, "reason", v.reason)
		v.sink.Kill(v.reason)
	}
	return len(victims)
}

// expireHistory fails pending history requests whose deadline has
// passed, notifying the waiting consumer.
func (h *Hub) expireHistory() int {
	type notice struct {
		sink Sink
		msg  []byte
	}
	var notices []notice
	expired := 0

	msg, err := json.Marshal(model.ErrorMessage{
		Type:    model.KindError,
		Message: "history request timed out",
	})

	now := h.now()
	h.mu.Lock()
	for reqID, ticket := range h.pending {
		if now.After(ticket.deadline) {
			delete(h.pending, reqID)
			expired++
			if waiter, ok := h.conns[ticket.consumerID]; ok && err == nil {
				notices = append(notices, notice{waiter.sink, msg})
			}
		}
	}
	h.mu.Unlock()

	for _, n := range notices {
		n.sink.Enqueue(n.msg)
	}
	return expired
}
