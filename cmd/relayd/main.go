// relayd bridges one market-data producer to many consumer
// applications over websocket. Usage:
//
//	relayd --config configs/relay.yaml
//
// A .env file in the working directory is loaded first so the config
// file can reference secrets as ${RELAY_API_SECRET}-style expansions.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/tickbridge/relay/internal/auth"
	"github.com/tickbridge/relay/internal/config"
	"github.com/tickbridge/relay/internal/relay"
	"github.com/tickbridge/relay/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/relay.yaml", "path to config file")
	flag.Parse()

	// Optional; the config file may not need any env expansion.
	godotenv.Load()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "config", *configPath)
		os.Exit(1)
	}

	logger := buildLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting relayd",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	validator := auth.NewValidator(auth.Config{
		APIKey:         cfg.Auth.APIKey,
		APISecret:      cfg.Auth.APISecret,
		Tolerance:      cfg.Auth.Tolerance,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}, logger)

	hub := relay.NewHub(relay.HubConfig{
		MaxConnections: cfg.Limits.MaxConnections,
		HistoryTimeout: cfg.Timeouts.HistoryRequest,
	}, logger)

	server := relay.NewServer(relay.ServerConfig{
		Addr:             cfg.Listen.Addr,
		ProducerPath:     cfg.Listen.ProducerPath,
		ConsumerPath:     cfg.Listen.ConsumerPath,
		MaxConnections:   cfg.Limits.MaxConnections,
		MaxFrameBytes:    cfg.Limits.MaxFrameBytes,
		SendQueueSize:    cfg.Limits.SendQueueSize,
		WriteTimeout:     cfg.Timeouts.Write,
		HandshakeTimeout: cfg.Timeouts.Handshake,
	}, hub, validator, logger)

	supervisor := relay.NewSupervisor(relay.SupervisorConfig{
		Heartbeat:     cfg.Timeouts.Heartbeat,
		TransportIdle: cfg.Timeouts.TransportIdle,
		SessionIdle:   cfg.Timeouts.SessionIdle,
	}, hub, logger)

	healthServer := &http.Server{
		Addr:    cfg.Listen.HealthAddr,
		Handler: healthHandler(hub, time.Now()),
	}

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := server.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Stop(shutdownCtx)
	})

	group.Go(func() error {
		if err := supervisor.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return supervisor.Stop(shutdownCtx)
	})

	group.Go(func() error {
		logger.Info("starting health server", "addr", cfg.Listen.HealthAddr)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return healthServer.Shutdown(shutdownCtx)
	})

	logger.Info("relayd running",
		"addr", cfg.Listen.Addr,
		"producer_path", cfg.Listen.ProducerPath,
		"consumer_path", cfg.Listen.ConsumerPath,
	)

	if err := group.Wait(); err != nil && err != context.Canceled {
		logger.Error("relayd exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("relayd stopped")
}

// buildLogger creates the root logger from the log config.
func buildLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// healthHandler serves liveness and relay counters.
func healthHandler(hub *relay.Hub, startedAt time.Time) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		health := struct {
			Status      string `json:"status"`
			Version     string `json:"version"`
			UptimeSecs  int64  `json:"uptime_secs"`
			HasProducer bool   `json:"has_producer"`
		}{
			Status:      "healthy",
			Version:     version.String(),
			UptimeSecs:  int64(time.Since(startedAt).Seconds()),
			HasProducer: hub.HasProducer(),
		}
		if !health.HasProducer {
			health.Status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(hub.Stats())
	})

	return mux
}
