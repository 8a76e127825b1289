package relay

import (
	"encoding/json"
	"sort"

	"github.com/google/uuid"

	"github.com/tickbridge/relay/internal/model"
)

// replayKinds is the order cached values are replayed on subscribe.
var replayKinds = []string{model.KindTrade, model.KindDepth, model.KindKline}

// Subscribe adds symbols to a consumer's subscription set, acks the
// request, and replays the last cached value for each newly-subscribed
// symbol. Subscribing to an already-subscribed symbol is a no-op.
// Producers and unauthenticated sessions are rejected.
func (h *Hub) Subscribe(id string, symbols []string) ([]string, error) {
	h.mu.Lock()
	e, ok := h.conns[id]
	if !ok {
		h.mu.Unlock()
		return nil, ErrUnknownConn
	}
	if e.role != RoleConsumer {
		h.mu.Unlock()
		return nil, ErrNotConsumer
	}
	if !e.authenticated {
		h.mu.Unlock()
		return nil, ErrNotAuthenticated
	}

	set := h.symbolsOf[id]
	if set == nil {
		set = make(map[string]struct{})
		h.symbolsOf[id] = set
	}

	acked := []string{}
	var replay [][]byte
	seen := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		if sym == "" {
			continue
		}
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		acked = append(acked, sym)

		if _, already := set[sym]; already {
			continue
		}
		set[sym] = struct{}{}
		subs := h.subscribers[sym]
		if subs == nil {
			subs = make(map[string]struct{})
			h.subscribers[sym] = subs
		}
		subs[id] = struct{}{}

		// Replay cached values so a fresh subscriber starts warm.
		if cache, ok := h.lastValues[sym]; ok {
			for _, kind := range replayKinds {
				if msg, ok := cache[kind]; ok {
					replay = append(replay, msg)
				}
			}
		}
	}

	// Ack and replay are queued under the lock so a concurrent publish
	// cannot land between the replayed value and newer data.
	sink := e.sink
	overflow := false
	if ack, err := json.Marshal(model.SubscriptionAck{Type: model.KindSubscribed, Symbols: acked}); err == nil {
		overflow = !sink.Enqueue(ack)
	}
	for _, msg := range replay {
		if overflow {
			break
		}
		overflow = !sink.Enqueue(msg)
	}
	h.mu.Unlock()

	if overflow {
		sink.Kill("send queue full")
	}
	return acked, nil
}

// Unsubscribe removes symbols from a consumer's subscription set and
// acks the request. An empty symbol list removes every subscription.
func (h *Hub) Unsubscribe(id string, symbols []string) ([]string, error) {
	h.mu.Lock()
	e, ok := h.conns[id]
	if !ok {
		h.mu.Unlock()
		return nil, ErrUnknownConn
	}
	if e.role != RoleConsumer {
		h.mu.Unlock()
		return nil, ErrNotConsumer
	}
	if !e.authenticated {
		h.mu.Unlock()
		return nil, ErrNotAuthenticated
	}

	set := h.symbolsOf[id]

	removed := []string{}
	if len(symbols) == 0 {
		for sym := range set {
			removed = append(removed, sym)
		}
		sort.Strings(removed)
	} else {
		seen := make(map[string]struct{}, len(symbols))
		for _, sym := range symbols {
			if sym == "" {
				continue
			}
			if _, dup := seen[sym]; dup {
				continue
			}
			seen[sym] = struct{}{}
			removed = append(removed, sym)
		}
	}

	for _, sym := range removed {
		delete(set, sym)
		if subs, ok := h.subscribers[sym]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(h.subscribers, sym)
			}
		}
	}

	sink := e.sink
	overflow := false
	if ack, err := json.Marshal(model.SubscriptionAck{Type: model.KindUnsubscribed, Symbols: removed}); err == nil {
		overflow = !sink.Enqueue(ack)
	}
	h.mu.Unlock()

	if overflow {
		sink.Kill("send queue full")
	}
	return removed, nil
}

// Publish fans a market-data message out to every consumer subscribed
// to its symbol and caches it as the symbol's last value. A consumer
// whose queue is full is torn down; the remaining consumers still
// receive the message. Returns the number of consumers reached.
func (h *Hub) Publish(symbol, kind string, raw []byte) int {
	var victims []Sink

	h.mu.Lock()
	cache := h.lastValues[symbol]
	if cache == nil {
		cache = make(map[string][]byte)
		h.lastValues[symbol] = cache
	}
	cache[kind] = raw

	delivered := 0
	for id := range h.subscribers[symbol] {
		e, ok := h.conns[id]
		if !ok {
			continue
		}
		if e.sink.Enqueue(raw) {
			delivered++
		} else {
			h.dropped++
			victims = append(victims, e.sink)
		}
	}
	h.published++
	h.mu.Unlock()

	for _, sink := range victims {
		sink.Kill("send queue full")
	}
	return delivered
}

// RequestHistory forwards a history request to the producer, tagged
// with a fresh correlation id so the response can find its way back to
// this consumer. Returns the correlation id.
func (h *Hub) RequestHistory(consumerID string, raw []byte) (string, error) {
	var victim Sink

	h.mu.Lock()
	e, ok := h.conns[consumerID]
	if !ok {
		h.mu.Unlock()
		return "", ErrUnknownConn
	}
	if !e.authenticated {
		h.mu.Unlock()
		return "", ErrNotAuthenticated
	}
	producer, ok := h.conns[h.producerID]
	if !ok {
		h.mu.Unlock()
		return "", ErrNoProducer
	}

	reqID := uuid.NewString()
	tagged, err := model.TagRequest(raw, reqID)
	if err != nil {
		h.mu.Unlock()
		return "", err
	}

	if !producer.sink.Enqueue(tagged) {
		victim = producer.sink
		h.mu.Unlock()
		victim.Kill("send queue full")
		return "", ErrNoProducer
	}

	h.pending[reqID] = &historyTicket{
		consumerID: consumerID,
		deadline:   h.now().Add(h.cfg.HistoryTimeout),
	}
	h.mu.Unlock()
	return reqID, nil
}

// ResolveHistory routes a producer's history response back to the
// consumer that asked for it, with the correlation tag stripped. A
// response with no tag, an unknown tag, or a departed requester is
// dropped. Reports whether the response was forwarded.
func (h *Hub) ResolveHistory(raw []byte) bool {
	reqID := model.CorrelationID(raw)
	if reqID == "" {
		return false
	}

	var victim Sink

	h.mu.Lock()
	ticket, ok := h.pending[reqID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	delete(h.pending, reqID)

	waiter, ok := h.conns[ticket.consumerID]
	if !ok {
		h.mu.Unlock()
		return false
	}

	stripped, err := model.StripRequestTag(raw)
	if err != nil {
		h.mu.Unlock()
		return false
	}

	forwarded := waiter.sink.Enqueue(stripped)
	if !forwarded {
		h.dropped++
		victim = waiter.sink
	}
	h.mu.Unlock()

	if victim != nil {
		victim.Kill("send queue full")
	}
	return forwarded
}

// SetSymbols replaces the cached instrument catalog.
func (h *Hub) SetSymbols(infos []model.SymbolInfo) {
	catalog := make([]model.SymbolInfo, len(infos))
	copy(catalog, infos)

	h.mu.Lock()
	h.symbols = catalog
	h.mu.Unlock()

	h.logger.Info("symbol catalog updated", "count", len(catalog))
}

// ListSymbols returns a copy of the cached instrument catalog.
func (h *Hub) ListSymbols() []model.SymbolInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]model.SymbolInfo, len(h.symbols))
	copy(out, h.symbols)
	return out
}
