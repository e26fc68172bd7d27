package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cwrk-planet/signaling-service/config"
	"github.com/cwrk-planet/signaling-service/internal/lifecycle"
	"github.com/cwrk-planet/signaling-service/internal/registry"
	"github.com/cwrk-planet/signaling-service/internal/relay"
	"github.com/cwrk-planet/signaling-service/internal/security"
	"github.com/cwrk-planet/signaling-service/internal/transport/httpapi"
	wsx "github.com/cwrk-planet/signaling-service/internal/transport/ws"
	"github.com/cwrk-planet/signaling-service/pkg/logger"
)

func main() {
	// --- config ---
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger.Init(logger.Config{
		Env:       logger.Env(cfg.Logging.Env),
		Service:   cfg.Logging.Service,
		Version:   cfg.Logging.Version,
		Backend:   logger.Backend(cfg.Logging.Backend),
		AddSource: cfg.Logging.AddSource,
		Debug:     cfg.Logging.Debug,
	})
	slog.Info("starting signaling-service",
		"env", cfg.Logging.Env, "version", cfg.Logging.Version)

	// --- core state ---
	reg := registry.New(registry.Options{
		Capacity:    cfg.Rooms.Capacity,
		IDLength:    cfg.Rooms.IDLength,
		EmptyGrace:  cfg.Rooms.EmptyGraceDuration(),
		ClaimWindow: cfg.Rooms.ClaimWindowDuration(),
		ChatHistory: cfg.Rooms.ChatHistory,
	})
	rel := relay.New(relay.Options{
		MessagesPerMinute: cfg.Signaling.MessagesPerMinute,
		OfferFallback:     cfg.Signaling.OfferFallbackDuration(),
	})

	signer := security.NewJoinSigner(
		[]byte(cfg.Auth.JoinTokenSecret),
		cfg.Auth.Issuer,
		cfg.Auth.Audience,
		cfg.Auth.JoinTokenTTLDuration(),
		30*time.Second,
	)

	// --- gateway & supervisor ---
	gateway := wsx.NewServer(reg, rel, signer, wsx.Options{
		PingEvery:        cfg.Heartbeat.PingEveryDuration(),
		HeartbeatTimeout: cfg.Heartbeat.TimeoutDuration(),
	})

	supervisor := lifecycle.New(reg, gateway, lifecycle.Options{
		HeartbeatTimeout: cfg.Heartbeat.TimeoutDuration(),
		HeartbeatSweep:   cfg.Heartbeat.SweepEveryDuration(),
		IdleTTL:          cfg.Rooms.IdleTTLDuration(),
		IdleSweep:        cfg.Rooms.IdleSweepEveryDuration(),
	})

	superCtx, stopSupervisor := context.WithCancel(context.Background())
	go supervisor.Run(superCtx)

	// --- HTTP ---
	handler := httpapi.NewHandler(reg, signer)
	router := httpapi.NewRouter(handler, gateway)
	httpSrv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http listen", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// --- graceful shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal", "sig", sig)
	case err := <-errCh:
		slog.Error("server error", "err", err)
	}

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stopSupervisor()
	gateway.Shutdown()
	_ = httpSrv.Shutdown(ctxShutdown)
	slog.Info("stopped")
}
