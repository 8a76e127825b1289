package model

import (
	"encoding/json"
	"errors"
)

// Message kinds carried in the "type" field.
const (
	KindAuth         = "auth"
	KindAuthResponse = "auth_response"
	KindSubscribe    = "subscribe"
	KindUnsubscribe  = "unsubscribe"
	KindSubscribed   = "subscribed"
	KindUnsubscribed = "unsubscribed"
	KindGetSymbols   = "get_symbols"
	KindSymbols      = "symbols"
	KindGetKlines    = "get_klines"
	KindKlines       = "klines"
	KindTrade        = "trade"
	KindDepth        = "depth"
	KindKline        = "kline"
	KindPing         = "ping"
	KindPong         = "pong"
	KindHeartbeat    = "heartbeat"
	KindError        = "error"
)

// ErrMissingType is returned when a message carries no type field.
var ErrMissingType = errors.New("message has no type field")

// -----------------------------------------------------------------------------
// Control Messages
// -----------------------------------------------------------------------------

// Auth is the first message every session must send.
type Auth struct {
	Type      string `json:"type"`
	APIKey    string `json:"api_key"`
	Timestamp int64  `json:"timestamp"` // ms since epoch
	Signature string `json:"signature"` // hex HMAC-SHA256
}

// AuthResponse reports the outcome of an authentication attempt.
type AuthResponse struct {
	Type       string `json:"type"`
	Success    bool   `json:"success"`
	ServerTime int64  `json:"server_time,omitempty"` // ms since epoch
	Error      string `json:"error,omitempty"`
}

// Subscribe requests market data for a set of symbols. Channels is
// advisory; the relay streams every kind it receives for a symbol.
type Subscribe struct {
	Type     string   `json:"type"`
	Symbols  []string `json:"symbols"`
	Channels []string `json:"channels,omitempty"`
}

// SubscriptionAck confirms a subscribe or unsubscribe.
type SubscriptionAck struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

// Heartbeat is pushed to authenticated sessions on an interval.
type Heartbeat struct {
	Type string `json:"type"`
	Time int64  `json:"time"` // ms since epoch
}

// Ping is an application-level keepalive. It refreshes the sender's
// session activity clock on the relay.
type Ping struct {
	Type string `json:"type"`
	Time int64  `json:"time,omitempty"` // ms since epoch
}

// Pong answers an application-level ping.
type Pong struct {
	Type string `json:"type"`
	Time int64  `json:"time"` // ms since epoch
}

// ErrorMessage reports a request failure without closing the session.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// -----------------------------------------------------------------------------
// Market Data
// -----------------------------------------------------------------------------

// Trade is one executed trade on a symbol.
type Trade struct {
	Type   string  `json:"type"`
	Symbol string  `json:"symbol"`
	Time   int64   `json:"time"` // ms since epoch
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
	Side   string  `json:"side"` // "buy" or "sell"
}

// Depth is an order book snapshot for a symbol. Levels are
// [price, volume] pairs, best first.
type Depth struct {
	Type   string       `json:"type"`
	Symbol string       `json:"symbol"`
	Time   int64        `json:"time"` // ms since epoch
	Bids   [][2]float64 `json:"bids"`
	Asks   [][2]float64 `json:"asks"`
}

// KlineUpdate streams the forming bar for a symbol.
type KlineUpdate struct {
	Type      string  `json:"type"`
	Symbol    string  `json:"symbol"`
	Timeframe string  `json:"timeframe,omitempty"`
	Time      int64   `json:"time"` // bar open, ms since epoch
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// SymbolInfo describes one tradeable instrument.
type SymbolInfo struct {
	Symbol       string  `json:"symbol"`
	TickSize     float64 `json:"tick_size"`
	MinLot       float64 `json:"min_lot"`
	ContractSize float64 `json:"contract_size"`
	Digits       int     `json:"digits"`
}

// SymbolList answers a get_symbols request.
type SymbolList struct {
	Type string       `json:"type"`
	Data []SymbolInfo `json:"data"`
}

// -----------------------------------------------------------------------------
// History
// -----------------------------------------------------------------------------

// KlinesQuery asks a producer for historical bars.
type KlinesQuery struct {
	Type      string `json:"type"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Limit     int    `json:"limit,omitempty"`
	Start     int64  `json:"start,omitempty"` // ms since epoch
	End       int64  `json:"end,omitempty"`   // ms since epoch
	RequestID string `json:"request_id,omitempty"`
}

// Kline is one OHLCV bar.
type Kline struct {
	Time   int64   `json:"time"` // bar open, ms since epoch
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// KlinesResponse carries historical bars back to the requester.
type KlinesResponse struct {
	Type      string  `json:"type"`
	Symbol    string  `json:"symbol,omitempty"`
	Data      []Kline `json:"data"`
	RequestID string  `json:"request_id,omitempty"`
}

// timeframes the history endpoint accepts.
var timeframes = map[string]struct{}{
	"M1": {}, "M3": {}, "M5": {}, "M15": {}, "M30": {},
	"H1": {}, "H2": {}, "H4": {}, "H12": {},
	"D1": {},
}

// ValidTimeframe reports whether tf names a supported bar interval.
func ValidTimeframe(tf string) bool {
	_, ok := timeframes[tf]
	return ok
}

// -----------------------------------------------------------------------------
// Raw Message Helpers
// -----------------------------------------------------------------------------

// Kind extracts the type discriminator from a raw message.
func Kind(raw []byte) (string, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", err
	}
	if env.Type == "" {
		return "", ErrMissingType
	}
	return env.Type, nil
}

// PeekSymbol extracts the symbol field from a raw message, or returns
// the empty string when there is none.
func PeekSymbol(raw []byte) string {
	var probe struct {
		Symbol string `json:"symbol"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.Symbol
}

// CorrelationID extracts the request_id field from a raw message, or
// returns the empty string when there is none.
func CorrelationID(raw []byte) string {
	var probe struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.RequestID
}

// TagRequest returns a copy of raw with request_id set to id. All other
// fields pass through untouched.
func TagRequest(raw []byte, id string) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	m["request_id"] = id
	return json.Marshal(m)
}

// StripRequestTag returns a copy of raw without its request_id field.
func StripRequestTag(raw []byte) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	delete(m, "request_id")
	return json.Marshal(m)
}
