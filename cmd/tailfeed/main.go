// tailfeed subscribes to the relay as a consumer and streams messages
// to the console. It speaks through gorilla/websocket rather than the
// relay's own client so it doubles as a third-party interop check.
// Usage:
//
//	tailfeed --url ws://localhost:8765/consumer --symbols EURUSD,GBPUSD
//
// Credentials come from RELAY_API_KEY and RELAY_API_SECRET (a .env
// file in the working directory is loaded first).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"github.com/tickbridge/relay/internal/auth"
	"github.com/tickbridge/relay/internal/model"
)

func main() {
	url := flag.String("url", "ws://localhost:8765/consumer", "relay consumer URL")
	symbolList := flag.String("symbols", "EURUSD", "comma-separated symbols to subscribe")
	history := flag.String("history", "", "request history for one symbol (timeframe M1)")
	verbose := flag.Bool("verbose", false, "print full message JSON")
	flag.Parse()

	godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	creds := auth.Credentials{
		APIKey: os.Getenv("RELAY_API_KEY"),
		Secret: os.Getenv("RELAY_API_SECRET"),
	}
	if creds.APIKey == "" || creds.Secret == "" {
		logger.Error("RELAY_API_KEY and RELAY_API_SECRET must be set")
		os.Exit(1)
	}

	symbols := []string{}
	for _, sym := range strings.Split(*symbolList, ",") {
		if sym = strings.TrimSpace(sym); sym != "" {
			symbols = append(symbols, sym)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, *url, nil)
	if err != nil {
		logger.Error("failed to connect", "url", *url, "error", err)
		os.Exit(1)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	// Signed auth exchange.
	ts := time.Now().UnixMilli()
	send(conn, model.Auth{
		Type:      model.KindAuth,
		APIKey:    creds.APIKey,
		Timestamp: ts,
		Signature: creds.Sign(ts),
	})
	var authResp model.AuthResponse
	if err := readInto(conn, &authResp); err != nil {
		logger.Error("auth exchange failed", "error", err)
		os.Exit(1)
	}
	if !authResp.Success {
		logger.Error("authentication rejected", "error", authResp.Error)
		os.Exit(1)
	}
	logger.Info("authenticated", "server_time", authResp.ServerTime)

	send(conn, model.Subscribe{Type: model.KindSubscribe, Symbols: symbols})
	send(conn, map[string]string{"type": model.KindGetSymbols})
	if *history != "" {
		send(conn, model.KlinesQuery{
			Type:      model.KindGetKlines,
			Symbol:    *history,
			Timeframe: "M1",
			Limit:     10,
		})
	}

	var statsMu sync.Mutex
	counts := map[string]int{}
	total := 0
	statsTicker := time.NewTicker(10 * time.Second)
	defer statsTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-statsTicker.C:
				statsMu.Lock()
				line := fmt.Sprintf("%v", counts)
				n := total
				statsMu.Unlock()
				logger.Info("stats", "total", n, "by_kind", line)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop", "symbols", symbols)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("connection dropped", "error", err)
			}
			return
		}
		kind, err := model.Kind(raw)
		if err != nil {
			logger.Warn("unparseable message", "error", err)
			continue
		}
		statsMu.Lock()
		counts[kind]++
		total++
		statsMu.Unlock()

		if kind == model.KindHeartbeat {
			send(conn, model.Ping{Type: model.KindPing, Time: time.Now().UnixMilli()})
			continue
		}

		if *verbose {
			var pretty map[string]any
			if json.Unmarshal(raw, &pretty) == nil {
				data, _ := json.MarshalIndent(pretty, "", "  ")
				fmt.Printf("[%s] %s\n", strings.ToUpper(kind), data)
				continue
			}
		}
		printSummary(kind, raw)
	}
}

func send(conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	conn.WriteMessage(websocket.TextMessage, data)
}

func readInto(conn *websocket.Conn, v any) error {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func printSummary(kind string, raw []byte) {
	switch kind {
	case model.KindTrade:
		var t model.Trade
		if json.Unmarshal(raw, &t) == nil {
			fmt.Printf("[TRADE] symbol=%s price=%v volume=%v side=%s\n", t.Symbol, t.Price, t.Volume, t.Side)
		}
	case model.KindDepth:
		var d model.Depth
		if json.Unmarshal(raw, &d) == nil {
			fmt.Printf("[DEPTH] symbol=%s bids=%d asks=%d\n", d.Symbol, len(d.Bids), len(d.Asks))
		}
	case model.KindSymbols:
		var list model.SymbolList
		if json.Unmarshal(raw, &list) == nil {
			fmt.Printf("[SYMBOLS] count=%d\n", len(list.Data))
		}
	case model.KindKlines:
		var resp model.KlinesResponse
		if json.Unmarshal(raw, &resp) == nil {
			fmt.Printf("[KLINES] symbol=%s bars=%d\n", resp.Symbol, len(resp.Data))
		}
	case model.KindSubscribed, model.KindUnsubscribed:
		var ack model.SubscriptionAck
		if json.Unmarshal(raw, &ack) == nil {
			fmt.Printf("[%s] symbols=%v\n", strings.ToUpper(kind), ack.Symbols)
		}
	case model.KindError:
		var em model.ErrorMessage
		if json.Unmarshal(raw, &em) == nil {
			fmt.Printf("[ERROR] %s\n", em.Message)
		}
	default:
		fmt.Printf("[%s] %s\n", strings.ToUpper(kind), raw)
	}
}
