// Package main provides the CLI entry point for cliorchd, the CLI
// orchestration core.
//
// cliorchd drives external AI coding CLIs (claude, cursor, codex, gemini,
// qwen) as subprocesses, parses each one's native output into a uniform
// canonical event, and fans those events out over a WebSocket
// subscription surface.
//
// # Basic Usage
//
// Start the server:
//
//	cliorchd serve --config cliorchd.yaml
//
// Check adapter availability and store connectivity:
//
//	cliorchd doctor --config cliorchd.yaml
//
// # Environment Variables
//
//   - CLIORCHD_CONFIG: path to configuration file (default: cliorchd.yaml)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cliorch/cliorchd/internal/config"
)

// Build information, populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main so tests can exercise it without os.Exit.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cliorchd",
		Short: "cliorchd - CLI agent orchestration core",
		Long: `cliorchd drives external AI coding CLIs as subprocesses, normalizes their
output into a canonical event stream, and serves it over a WebSocket
subscription surface.

Supported agents: claude, cursor, codex, gemini, qwen`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildDoctorCmd(),
	)

	return rootCmd
}

// resolveConfigPath applies the CLIORCHD_CONFIG environment override when
// --config was left at its default, falling back to config.DefaultConfigPath
// when neither is set.
func resolveConfigPath(path string) string {
	if path == "" || path == config.DefaultConfigPath {
		if envPath := os.Getenv("CLIORCHD_CONFIG"); envPath != "" {
			return envPath
		}
	}
	if path == "" {
		return config.DefaultConfigPath
	}
	return path
}
