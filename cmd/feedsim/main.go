// feedsim is a producer simulator: it connects to the relay's producer
// path, announces an instrument catalog, streams a random-walk feed of
// trades and depth, and answers history requests with synthesized
// candles. Usage:
//
//	feedsim --url ws://localhost:8765/producer --symbols EURUSD,GBPUSD
//
// Credentials come from RELAY_API_KEY and RELAY_API_SECRET (a .env
// file in the working directory is loaded first).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/tickbridge/relay/internal/auth"
	"github.com/tickbridge/relay/internal/client"
	"github.com/tickbridge/relay/internal/model"
)

// timeframeDurations maps history timeframe tokens to bar widths.
var timeframeDurations = map[string]time.Duration{
	"M1": time.Minute, "M3": 3 * time.Minute, "M5": 5 * time.Minute,
	"M15": 15 * time.Minute, "M30": 30 * time.Minute,
	"H1": time.Hour, "H2": 2 * time.Hour, "H4": 4 * time.Hour,
	"H12": 12 * time.Hour, "D1": 24 * time.Hour,
}

// instrument is one simulated symbol: its static metadata plus the
// current point of the price walk, kept tick-aligned with decimals.
type instrument struct {
	info  model.SymbolInfo
	tick  decimal.Decimal
	price decimal.Decimal
}

// newInstrument seeds an instrument. JPY-quoted pairs trade with three
// fractional digits, everything else with five.
func newInstrument(symbol string) *instrument {
	info := model.SymbolInfo{
		Symbol:       symbol,
		TickSize:     0.00001,
		MinLot:       0.01,
		ContractSize: 100000,
		Digits:       5,
	}
	base := decimal.NewFromFloat(1.10000)
	if strings.HasSuffix(symbol, "JPY") {
		info.TickSize = 0.001
		info.Digits = 3
		base = decimal.NewFromFloat(150.000)
	}
	return &instrument{
		info:  info,
		tick:  decimal.NewFromFloat(info.TickSize),
		price: base,
	}
}

// step moves the price a random number of ticks and returns it rounded
// to the instrument's digits.
func (i *instrument) step() decimal.Decimal {
	n := int64(rand.Intn(11) - 5) // -5..+5 ticks
	i.price = i.price.Add(i.tick.Mul(decimal.NewFromInt(n)))
	if i.price.IsNegative() || i.price.IsZero() {
		i.price = i.tick
	}
	return i.price.Round(int32(i.info.Digits))
}

func main() {
	url := flag.String("url", "ws://localhost:8765/producer", "relay producer URL")
	symbolList := flag.String("symbols", "EURUSD,GBPUSD,USDJPY", "comma-separated symbols to simulate")
	interval := flag.Duration("interval", 250*time.Millisecond, "tick interval per symbol")
	flag.Parse()

	godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	creds := auth.Credentials{
		APIKey: os.Getenv("RELAY_API_KEY"),
		Secret: os.Getenv("RELAY_API_SECRET"),
	}
	if creds.APIKey == "" || creds.Secret == "" {
		logger.Error("RELAY_API_KEY and RELAY_API_SECRET must be set")
		os.Exit(1)
	}

	instruments := make(map[string]*instrument)
	catalog := []model.SymbolInfo{}
	for _, sym := range strings.Split(*symbolList, ",") {
		sym = strings.TrimSpace(sym)
		if sym == "" {
			continue
		}
		inst := newInstrument(sym)
		instruments[sym] = inst
		catalog = append(catalog, inst.info)
	}
	if len(instruments) == 0 {
		logger.Error("no symbols to simulate")
		os.Exit(1)
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

	var published, answered atomic.Int64

	cfg := client.DefaultConfig()
	cfg.URL = *url
	cfg.Credentials = creds
	cfg.OnConnect = func(c client.Client) {
		// The relay caches the catalog, so re-announce it on every
		// (re)connect in case the relay restarted.
		if err := c.Send(model.SymbolList{Type: model.KindSymbols, Data: catalog}); err != nil {
			logger.Warn("failed to announce catalog", "error", err)
			return
		}
		logger.Info("catalog announced", "symbols", len(catalog))
	}

	feed := client.New(cfg, logger)
	defer feed.Close()

	if err := feed.Connect(ctx); err != nil {
		logger.Error("failed to connect", "url", *url, "error", err)
		os.Exit(1)
	}
	logger.Info("feed connected", "url", *url)

	// Answer relayed history requests.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-feed.Messages():
				if !ok {
					return
				}
				kind, err := model.Kind(raw)
				if err != nil || kind != model.KindGetKlines {
					continue
				}
				var query model.KlinesQuery
				if err := json.Unmarshal(raw, &query); err != nil {
					logger.Warn("malformed history request", "error", err)
					continue
				}
				inst, ok := instruments[query.Symbol]
				if !ok {
					continue
				}
				resp := synthesizeKlines(inst, query)
				if err := feed.Send(resp); err != nil {
					logger.Warn("failed to answer history request", "error", err)
					continue
				}
				answered.Add(1)
			case err := <-feed.Errors():
				logger.Warn("feed error", "error", err)
			}
		}
	}()

	// Periodic stats line.
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logger.Info("stats",
					"connected", feed.IsConnected(),
					"published", published.Load(),
					"history_answered", answered.Load(),
				)
			}
		}
	}()

	logger.Info("simulating", "symbols", len(instruments), "interval", *interval)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	depthEvery := 0

	for {
		select {
		case <-ctx.Done():
			logger.Info("feedsim stopped")
			return
		case <-ticker.C:
			if !feed.IsConnected() {
				continue
			}
			now := time.Now().UnixMilli()
			depthEvery++
			for _, inst := range instruments {
				price := inst.step()
				p, _ := price.Float64()

				side := "buy"
				if rand.Intn(2) == 0 {
					side = "sell"
				}
				trade := model.Trade{
					Type:   model.KindTrade,
					Symbol: inst.info.Symbol,
					Time:   now,
					Price:  p,
					Volume: float64(rand.Intn(10)+1) * inst.info.MinLot,
					Side:   side,
				}
				if err := feed.Send(trade); err != nil {
					logger.Warn("failed to publish trade", "error", err)
					continue
				}
				published.Add(1)

				// A book snapshot every fourth tick.
				if depthEvery%4 == 0 {
					if err := feed.Send(buildDepth(inst, price, now)); err != nil {
						logger.Warn("failed to publish depth", "error", err)
						continue
					}
					published.Add(1)
				}
			}
		}
	}
}

// buildDepth synthesizes a five-level book around the current price.
func buildDepth(inst *instrument, price decimal.Decimal, now int64) model.Depth {
	depth := model.Depth{
		Type:   model.KindDepth,
		Symbol: inst.info.Symbol,
		Time:   now,
		Bids:   make([][2]float64, 0, 5),
		Asks:   make([][2]float64, 0, 5),
	}
	for lvl := 1; lvl <= 5; lvl++ {
		offset := inst.tick.Mul(decimal.NewFromInt(int64(lvl)))
		qty := float64(rand.Intn(50)+1) * inst.info.MinLot

		bid, _ := price.Sub(offset).Round(int32(inst.info.Digits)).Float64()
		ask, _ := price.Add(offset).Round(int32(inst.info.Digits)).Float64()
		depth.Bids = append(depth.Bids, [2]float64{bid, qty})
		depth.Asks = append(depth.Asks, [2]float64{ask, qty})
	}
	return depth
}

// synthesizeKlines walks backwards from now to fabricate the requested
// bars. The correlation tag is echoed so the relay can route the
// response to the requester.
func synthesizeKlines(inst *instrument, query model.KlinesQuery) model.KlinesResponse {
	width, ok := timeframeDurations[query.Timeframe]
	if !ok {
		width = time.Minute
	}
	limit := query.Limit
	if limit <= 0 || limit > 500 {
		limit = 500
	}

	end := time.Now()
	if query.End > 0 {
		end = time.UnixMilli(query.End)
	}
	open := end.Truncate(width).Add(-time.Duration(limit) * width)

	bars := make([]model.Kline, 0, limit)
	price := inst.price
	for i := 0; i < limit; i++ {
		o := price
		h := o
		l := o
		for j := 0; j < 4; j++ {
			n := int64(rand.Intn(21) - 10)
			price = price.Add(inst.tick.Mul(decimal.NewFromInt(n)))
			if price.GreaterThan(h) {
				h = price
			}
			if price.LessThan(l) {
				l = price
			}
		}
		digits := int32(inst.info.Digits)
		ov, _ := o.Round(digits).Float64()
		hv, _ := h.Round(digits).Float64()
		lv, _ := l.Round(digits).Float64()
		cv, _ := price.Round(digits).Float64()

		bars = append(bars, model.Kline{
			Time:   open.Add(time.Duration(i) * width).UnixMilli(),
			Open:   ov,
			High:   hv,
			Low:    lv,
			Close:  cv,
			Volume: float64(rand.Intn(100) + 1),
		})
	}

	return model.KlinesResponse{
		Type:      model.KindKlines,
		Symbol:    query.Symbol,
		Data:      bars,
		RequestID: query.RequestID,
	}
}
