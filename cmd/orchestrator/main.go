// AgentDeck orchestrator - cloud relay between daemons and viewers.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentdeck/agentdeck/internal/auth"
	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/orchestrator"
	"github.com/agentdeck/agentdeck/internal/push"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.LoadOrchestrator()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting orchestrator", "port", cfg.Port, "dev", cfg.DevMode)

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close store", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	verifier, err := buildVerifier(cfg)
	if err != nil {
		slog.Error("Failed to configure token verification", "error", err)
		os.Exit(1)
	}
	if verifier.DevMode() {
		slog.Warn("Development identity enabled, do not use in production")
	}

	engine := push.NewEngine(
		push.NewDeduper(cfg.WorkingInterval, cfg.OfflineGrace),
		push.NewSender(repo, cfg.PushAPIURL),
	)

	hub := orchestrator.NewHub(repo, engine, cfg.HeartbeatInterval)
	server := orchestrator.NewServer(hub, repo, verifier)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Router(),
		// Websocket and event traffic stays open indefinitely.
		ReadTimeout:  0,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Orchestrator listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	// Hijacked websockets are not covered by srv.Shutdown.
	hub.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Orchestrator stopped")
}

// buildVerifier assembles token verification from the configured material:
// a shared secret, a JWKS endpoint, or the explicit dev identity.
func buildVerifier(cfg *config.Orchestrator) (*auth.Verifier, error) {
	opts := auth.Options{
		Secret:  cfg.AuthSecret,
		DevMode: cfg.DevMode && !cfg.HasVerificationMaterial(),
	}

	if cfg.JWKSURL != "" {
		fetchCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		key, err := auth.FetchPublicKey(fetchCtx, cfg.JWKSURL)
		if err != nil {
			return nil, err
		}
		opts.PublicKey = key
		slog.Info("Fetched signing key", "jwks_url", cfg.JWKSURL)
	}

	return auth.NewVerifier(opts), nil
}
