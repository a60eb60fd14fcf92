package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/your-org/presence/internal/api"
	"github.com/your-org/presence/internal/api/ws"
	"github.com/your-org/presence/internal/app"
	"github.com/your-org/presence/internal/config"
	"github.com/your-org/presence/internal/observability"
	"github.com/your-org/presence/internal/queue"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting presence API service", "port", cfg.Server.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// WebSocket hub
	hub := ws.NewHub()
	go hub.Run(ctx)

	svc, err := app.New(ctx, cfg, app.Options{Hub: hub})
	if err != nil {
		slog.Error("init services", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	routerCfg := api.RouterConfig{
		Gallery:      svc.Gallery,
		Recognizer:   svc.Recognition,
		Presence:     svc.Recorder,
		Hub:          hub,
		Checks:       svc.Checks,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	}

	// With NATS, presence events from every instance reach this instance's
	// WebSocket clients through the PRESENCE stream.
	if svc.Producer != nil {
		routerCfg.Captures = svc.Producer

		consumer, err := queue.NewConsumer(cfg.NATS.URL)
		if err != nil {
			slog.Error("create presence consumer", "error", err)
			os.Exit(1)
		}
		defer consumer.Close()

		notifier := &api.HubNotifier{Hub: hub, PhotoURL: svc.Gallery.PhotoURL}
		if err := consumer.ConsumePresence(ctx, presenceConsumerName(), notifier.NotifyPresence); err != nil {
			slog.Warn("start presence consumer", "error", err)
		}
	}

	router := api.NewRouter(routerCfg)

	// Start HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("API server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	cancel()

	slog.Info("API server stopped")
}

// presenceConsumerName is unique per host so every API instance sees every
// presence event. Consumer names may not contain dots.
func presenceConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return "api-ws-" + strings.ReplaceAll(host, ".", "-")
}
