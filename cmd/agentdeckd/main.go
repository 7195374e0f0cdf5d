// AgentDeck daemon - supervises local coding agents and relays them to the
// orchestrator.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/agentdeck/agentdeck/internal/auth"
	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/devicekey"
	"github.com/agentdeck/agentdeck/internal/domain"
	"github.com/agentdeck/agentdeck/internal/orchestrator"
	"github.com/agentdeck/agentdeck/internal/project"
	"github.com/agentdeck/agentdeck/internal/push"
	"github.com/agentdeck/agentdeck/internal/relay"
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

	cfg, err := config.LoadDaemon()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Without a remote orchestrator the daemon runs one in-process and
	// connects to it over loopback.
	orchestratorURL := cfg.OrchestratorURL
	var embedded *http.Server
	if orchestratorURL == "" {
		embedded, err = startEmbedded(cfg)
		if err != nil {
			slog.Error("Failed to start embedded orchestrator", "error", err)
			os.Exit(1)
		}
		orchestratorURL = "ws://127.0.0.1:" + cfg.EmbeddedPort
		slog.Info("Embedded orchestrator started", "port", cfg.EmbeddedPort)
	}

	// The state observer needs the relay connection, which does not exist
	// yet; it is installed with SetStateFunc once the connection is built.
	mgr, err := project.NewManager(cfg.RegistryPath(), cfg.BasePort, cfg.AgentCommand, nil)
	if err != nil {
		slog.Error("Failed to restore project registry", "error", err)
		os.Exit(1)
	}

	// First run registers the working directory as the default project.
	if len(mgr.Names()) == 0 {
		dir, err := os.Getwd()
		if err != nil {
			slog.Error("Failed to resolve working directory", "error", err)
			os.Exit(1)
		}
		name, err := mgr.Register(filepath.Base(dir), dir)
		if err != nil {
			slog.Error("Failed to register project", "error", err)
			os.Exit(1)
		}
		slog.Info("Registered project", "project", name, "dir", dir)
	}

	mgr.StartAll(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mgr.StopAll(stopCtx)
	}()

	key, err := ensureDeviceKey(ctx, cfg, orchestratorURL, mgr.Names())
	if err != nil {
		slog.Error("Pairing failed", "error", err)
		os.Exit(1)
	}

	conn := relay.New(orchestratorURL, key, mgr, func(state relay.State) {
		slog.Info("Relay state changed", "state", state)
	})
	conn.SetHostname(cfg.Hostname)

	mgr.SetStateFunc(func(name string, state domain.ProjectState) {
		slog.Info("Project state changed", "project", name, "state", state)
		if conn.State() == relay.StateConnected {
			if err := conn.SendStatus(ctx, state == domain.ProjectReady, ""); err != nil {
				slog.Debug("Failed to announce status", "error", err)
			}
		}
	})

	mgr.SubscribeAll(ctx, func(projectName, eventType string, data json.RawMessage) {
		if err := conn.SendEvent(ctx, eventType, data); err != nil {
			slog.Debug("Failed to forward event", "project", projectName, "error", err)
		}
	})

	go conn.Run(ctx)
	slog.Info("Daemon running", "orchestrator", orchestratorURL, "hostname", cfg.Hostname)

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")
	conn.Stop()

	if embedded != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := embedded.Shutdown(shutdownCtx); err != nil {
			slog.Error("Embedded orchestrator forced to shutdown", "error", err)
		}
	}

	slog.Info("Daemon stopped")
}

// ensureDeviceKey loads the stored pairing credential, running the
// interactive pairing flow when none exists yet.
func ensureDeviceKey(ctx context.Context, cfg *config.Daemon, orchestratorURL string, projects []string) (string, error) {
	key, err := devicekey.Load(cfg.DeviceKeyPath())
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, devicekey.ErrNotFound) {
		return "", err
	}

	code, err := relay.NewPairingCode()
	if err != nil {
		return "", err
	}

	key, err = relay.Pair(ctx, orchestratorURL, code, cfg.Hostname, projects, func(url string) {
		fmt.Printf("\nPairing code: %s\nConfirm at:   %s\n\n", code, url)
	})
	if err != nil {
		return "", err
	}

	if err := devicekey.Save(cfg.DeviceKeyPath(), key); err != nil {
		return "", err
	}
	slog.Info("Paired with orchestrator")
	return key, nil
}

// startEmbedded brings up a loopback orchestrator backed by the daemon's
// own state directory. It uses the development identity; the embedded
// surface never leaves the machine.
func startEmbedded(cfg *config.Daemon) (*http.Server, error) {
	repo, err := store.NewSQLite(filepath.Join(cfg.StateDir, "relay.db"))
	if err != nil {
		return nil, err
	}
	if err := repo.Ping(context.Background()); err != nil {
		return nil, err
	}

	engine := push.NewEngine(
		push.NewDeduper(push.DefaultWorkingInterval, push.DefaultOfflineGrace),
		push.NewSender(repo, cfg.PushAPIURL),
	)
	hub := orchestrator.NewHub(repo, engine, 30*time.Second)
	verifier := auth.NewVerifier(auth.Options{DevMode: true})
	server := orchestrator.NewServer(hub, repo, verifier)

	srv := &http.Server{
		Addr:        "127.0.0.1:" + cfg.EmbeddedPort,
		Handler:     server.Router(),
		IdleTimeout: 120 * time.Second,
	}
	// Hijacked websockets are not covered by Shutdown; the hub closes them.
	srv.RegisterOnShutdown(hub.Shutdown)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Embedded orchestrator failed", "error", err)
		}
	}()

	// The first pairing dial happens right after startup; wait for the
	// listener before returning.
	healthURL := "http://" + srv.Addr + "/health"
	for i := 0; i < 20; i++ {
		resp, err := http.Get(healthURL)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return srv, nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil, errors.New("embedded orchestrator never became ready")
}
