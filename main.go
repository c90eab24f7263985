// seren-agentd - agent session coordinator daemon for the Seren desktop app.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/serenhq/seren-agentd/internal/config"
	"github.com/serenhq/seren-agentd/internal/hostrpc"
	"github.com/serenhq/seren-agentd/internal/logging"
	"github.com/serenhq/seren-agentd/internal/persistence"
	"github.com/serenhq/seren-agentd/internal/server"
	"github.com/serenhq/seren-agentd/internal/sessions"
	"github.com/serenhq/seren-agentd/internal/telemetry"
)

func main() {
	logging.Setup()
	slog.Info("Starting seren-agentd")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		slog.Error("Failed to create data directory", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to open conversation store", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}

	// Telemetry is optional; a nil reporter no-ops.
	var reporter *telemetry.Reporter
	if cfg.TelemetryURL != "" {
		reporter = telemetry.New(cfg.TelemetryURL, cfg.TelemetryToken, telemetry.Config{})
		reporter.Start()
	}

	// The desktop app supervises this process: when the agent host
	// connection drops the daemon shuts down and gets restarted.
	hostDown := make(chan error, 1)

	dialCtx, dialCancel := context.WithTimeout(context.Background(), cfg.HostDialTimeout)
	host, err := hostrpc.Dial(dialCtx, cfg.HostRPCURL, hostrpc.Options{
		DialTimeout: cfg.HostDialTimeout,
		CallTimeout: cfg.HostCallTimeout,
		OnDisconnect: func(err error) {
			reporter.ReportError(err, "hostrpc", "", nil)
			select {
			case hostDown <- err:
			default:
			}
		},
	})
	dialCancel()
	if err != nil {
		slog.Error("Failed to connect to agent host", "url", cfg.HostRPCURL, "error", err)
		os.Exit(1)
	}

	srv := server.New(cfg)

	coord := sessions.New(sessions.Config{
		Host:      host,
		Store:     store,
		Telemetry: reporter,
		Fallback:  srv,

		DefaultSandboxMode: cfg.DefaultSandboxMode,
		SearchEnabled:      cfg.SearchEnabled,
		NetworkEnabled:     cfg.NetworkEnabled,
		AgentTimeoutSecs:   cfg.AgentTimeoutSecs,

		SpawnReadyTimeout:  cfg.SpawnReadyTimeout,
		MaxInitRetries:     cfg.MaxInitRetries,
		EventBufferCap:     cfg.EventBufferCap,
		ChunkFlushInterval: cfg.ChunkFlushInterval,
		RetryBackoffBase:   cfg.RetryBackoffBase,

		OnSessionChanged:  srv.BroadcastSessionUpdate,
		OnSessionRemoved:  srv.BroadcastSessionRemoved,
		OnInstallProgress: srv.BroadcastInstallProgress,
	})

	// Wire the coordinator now that both sides exist.
	srv.SetCoordinator(coord)

	slog.Info("Configuration loaded", "addr", cfg.ListenAddr(), "host", cfg.HostRPCURL, "db", cfg.DBPath)
	reporter.ReportInfo("coordinator started", "main", map[string]any{"addr": cfg.ListenAddr()})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	hostLost := false
	select {
	case err := <-errCh:
		slog.Error("Server error", "error", err)
		os.Exit(1)
	case err := <-hostDown:
		slog.Error("Agent host connection lost, shutting down", "error", err)
		hostLost = true
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Terminate sessions first so clients see the final removals before the
	// server closes their connections.
	coord.Shutdown(ctx)
	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("Error during server shutdown", "error", err)
	}
	if err := host.Close(); err != nil {
		slog.Warn("Error closing agent host connection", "error", err)
	}
	if err := store.Close(); err != nil {
		slog.Warn("Error closing conversation store", "error", err)
	}
	reporter.Shutdown()

	slog.Info("seren-agentd stopped")
	if hostLost {
		os.Exit(1)
	}
}
