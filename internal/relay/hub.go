package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tickbridge/relay/internal/model"
)

var (
	// ErrConnLimit is returned when the registry is at capacity.
	ErrConnLimit = errors.New("connection limit reached")

	// ErrDuplicateConn is returned when a connection id is already registered.
	ErrDuplicateConn = errors.New("connection id already registered")

	// ErrUnknownConn is returned for operations on an unregistered id.
	ErrUnknownConn = errors.New("unknown connection")

	// ErrNotAuthenticated is returned when an operation requires a
	// completed authentication.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrNotConsumer is returned when a producer session attempts a
	// consumer-only operation.
	ErrNotConsumer = errors.New("not a consumer session")

	// ErrNoProducer is returned when a history request arrives with no
	// producer connected.
	ErrNoProducer = errors.New("no producer available")
)

// Role distinguishes the two session kinds by upgrade path.
type Role int

const (
	RoleProducer Role = iota
	RoleConsumer
)

func (r Role) String() string {
	if r == RoleProducer {
		return "producer"
	}
	return "consumer"
}

// Sink is the hub's handle on a session. Enqueue must not block; it
// reports false when the session's queue is full or closed. Kill tears
// the session down. LastTransport reports when the last frame of any
// kind arrived, which only the transport layer can see: pings answered
// inside the read path never surface as messages.
type Sink interface {
	Enqueue(msg []byte) bool
	Kill(reason string)
	LastTransport() time.Time
}

// HubConfig holds registry and routing settings.
type HubConfig struct {
	MaxConnections int
	HistoryTimeout time.Duration
}

// DefaultHubConfig returns a HubConfig with default settings.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		MaxConnections: 1024,
		HistoryTimeout: 30 * time.Second,
	}
}

// entry is the registry record for one session. Frame-level activity
// is read from the Sink; the hub only records message-level activity.
type entry struct {
	id            string
	role          Role
	remote        string
	sink          Sink
	authenticated bool
	connectedAt   time.Time
	lastSession   time.Time // any valid message arrived
}

// historyTicket tracks one in-flight history request.
type historyTicket struct {
	consumerID string
	deadline   time.Time
}

// Hub is the registry and router shared by every session. One RWMutex
// guards all of its maps; methods collect work under the lock and run
// socket-touching actions after releasing it.
type Hub struct {
	cfg    HubConfig
	logger *slog.Logger
	now    func() time.Time

	mu          sync.RWMutex
	conns       map[string]*entry
	producerID  string                         // holder of the producer slot, "" when empty
	subscribers map[string]map[string]struct{} // symbol → consumer ids
	symbolsOf   map[string]map[string]struct{} // consumer id → symbols
	pending     map[string]*historyTicket      // request id → ticket
	symbols     []model.SymbolInfo
	lastValues  map[string]map[string][]byte // symbol → kind → last raw message

	published int64
	dropped   int64
}

// NewHub creates a Hub. If logger is nil, slog.Default() is used.
func NewHub(cfg HubConfig, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConnections < 1 {
		cfg.MaxConnections = DefaultHubConfig().MaxConnections
	}
	if cfg.HistoryTimeout <= 0 {
		cfg.HistoryTimeout = DefaultHubConfig().HistoryTimeout
	}
	return &Hub{
		cfg:         cfg,
		logger:      logger.With("component", "hub"),
		now:         time.Now,
		conns:       make(map[string]*entry),
		subscribers: make(map[string]map[string]struct{}),
		symbolsOf:   make(map[string]map[string]struct{}),
		pending:     make(map[string]*historyTicket),
		lastValues:  make(map[string]map[string][]byte),
	}
}

// Register adds a session to the registry. The session starts
// unauthenticated; it may only ping until Authenticate succeeds.
func (h *Hub) Register(id string, role Role, remote string, sink Sink) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.conns) >= h.cfg.MaxConnections {
		return ErrConnLimit
	}
	if _, exists := h.conns[id]; exists {
		return ErrDuplicateConn
	}

	now := h.now()
	h.conns[id] = &entry{
		id:          id,
		role:        role,
		remote:      remote,
		sink:        sink,
		connectedAt: now,
		lastSession: now,
	}
	h.logger.Info("session registered", "conn_id", id, "role", role.String(), "remote", remote)
	return nil
}

// Authenticate marks a session authenticated. For producers it also
// claims the producer slot: an already-connected producer is replaced
// and torn down.
func (h *Hub) Authenticate(id string) error {
	var evict Sink

	h.mu.Lock()
	e, ok := h.conns[id]
	if !ok {
		h.mu.Unlock()
		return ErrUnknownConn
	}
	e.authenticated = true
	e.lastSession = h.now()

	if e.role == RoleProducer && h.producerID != id {
		if old, ok := h.conns[h.producerID]; ok {
			evict = old.sink
			if msg, err := json.Marshal(model.ErrorMessage{
				Type:    model.KindError,
				Message: "replaced by a new producer connection",
			}); err == nil {
				old.sink.Enqueue(msg)
			}
		}
		h.producerID = id
	}
	h.mu.Unlock()

	if evict != nil {
		h.logger.Warn("producer slot replaced", "conn_id", id)
		evict.Kill("replaced by new producer")
	}
	return nil
}

// Deregister removes a session and everything that references it:
// subscriptions, the producer slot, and pending history requests. When
// the departing session held the producer slot, every waiting history
// requester is notified. Deregistering an unknown id is a no-op.
func (h *Hub) Deregister(id string) {
	type notice struct {
		sink Sink
		msg  []byte
	}
	var notices []notice

	h.mu.Lock()
	e, ok := h.conns[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, id)

	// Drop this consumer's subscriptions via the reverse index.
	for sym := range h.symbolsOf[id] {
		if set := h.subscribers[sym]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(h.subscribers, sym)
			}
		}
	}
	delete(h.symbolsOf, id)

	if h.producerID == id {
		h.producerID = ""
		// Fail every in-flight history request immediately.
		if len(h.pending) > 0 {
			msg, err := json.Marshal(model.ErrorMessage{
				Type:    model.KindError,
				Message: "producer disconnected before responding",
			})
			for reqID, ticket := range h.pending {
				if err == nil {
					if waiter, ok := h.conns[ticket.consumerID]; ok {
						notices = append(notices, notice{waiter.sink, msg})
					}
				}
				delete(h.pending, reqID)
			}
		}
	} else {
		// Drop history requests this consumer was waiting on.
		for reqID, ticket := range h.pending {
			if ticket.consumerID == id {
				delete(h.pending, reqID)
			}
		}
	}
	h.mu.Unlock()

	for _, n := range notices {
		n.sink.Enqueue(n.msg)
	}
	h.logger.Info("session deregistered", "conn_id", id, "role", e.role.String())
}

// KillAll tears down every registered session. Used on shutdown; each
// Kill unwinds through the session's read loop and deregisters it.
func (h *Hub) KillAll(reason string) {
	h.mu.RLock()
	sinks := make([]Sink, 0, len(h.conns))
	for _, e := range h.conns {
		sinks = append(sinks, e.sink)
	}
	h.mu.RUnlock()

	for _, sink := range sinks {
		sink.Kill(reason)
	}
}

// TouchSession records valid-message activity for a session.
func (h *Hub) TouchSession(id string) {
	h.mu.Lock()
	if e, ok := h.conns[id]; ok {
		e.lastSession = h.now()
	}
	h.mu.Unlock()
}

// Authenticated reports whether the session has completed auth.
func (h *Hub) Authenticated(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.conns[id]
	return ok && e.authenticated
}

// ConnCount returns the number of registered sessions.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// HasProducer reports whether the producer slot is held.
func (h *Hub) HasProducer() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.producerID != ""
}

// HubStats is a point-in-time summary of hub state.
type HubStats struct {
	Connections    int   `json:"connections"`
	Consumers      int   `json:"consumers"`
	HasProducer    bool  `json:"has_producer"`
	Subscriptions  int   `json:"subscriptions"`
	PendingHistory int   `json:"pending_history"`
	Symbols        int   `json:"symbols"`
	Published      int64 `json:"published"`
	Dropped        int64 `json:"dropped"`
}

// Stats returns a snapshot of hub counters.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	consumers := 0
	for _, e := range h.conns {
		if e.role == RoleConsumer {
			consumers++
		}
	}
	subs := 0
	for _, set := range h.subscribers {
		subs += len(set)
	}
	return HubStats{
		Connections:    len(h.conns),
		Consumers:      consumers,
		HasProducer:    h.producerID != "",
		Subscriptions:  subs,
		PendingHistory: len(h.pending),
		Symbols:        len(h.symbols),
		Published:      h.published,
		Dropped:        h.dropped,
	}
}
