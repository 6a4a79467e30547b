package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cliorch/cliorchd/internal/config"
	"github.com/cliorch/cliorchd/internal/server"
)

// serveOptions carries the serve command's flags through to runServe.
type serveOptions struct {
	configPath   string
	projectsPath string
	promptsDir   string
	debug        bool
}

// runServe implements the serve command: load configuration, build the
// server, run it until a shutdown signal arrives, then drain gracefully.
// Grounded on the teacher's runServe (cmd/nexus/handlers_serve.go):
// signal.NotifyContext for SIGINT/SIGTERM and a 30s-bounded server.Stop on
// the way out. Unlike the teacher's server.Start, which blocks on
// grpc.Serve and so needs a goroutine reporting into an error channel,
// server.Start here only binds listeners before returning, so it's called
// synchronously and the shutdown signal is awaited directly.
func runServe(ctx context.Context, opts serveOptions) error {
	if opts.debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	slog.Info("starting cliorchd",
		"version", version,
		"commit", commit,
		"config", opts.configPath,
		"debug", opts.debug,
	)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("configuration loaded",
		"store_backend", cfg.Store.Backend,
		"ws_path", cfg.Server.WSPath,
		"fallback_agent", cfg.Orchestrator.FallbackAgent,
	)

	srv, err := server.New(ctx, server.Config{
		Core:         cfg,
		ProjectsPath: opts.projectsPath,
		PromptsDir:   opts.promptsDir,
		Logger:       slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	<-ctx.Done()
	slog.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	slog.Info("cliorchd stopped gracefully")
	return nil
}
