package main

import (
	"github.com/spf13/cobra"

	"github.com/cliorch/cliorchd/internal/config"
)

// buildServeCmd creates the "serve" command that starts the orchestration
// core: the Subscription Hub's WebSocket endpoint and, if enabled, the
// Prometheus metrics/healthz listener.
func buildServeCmd() *cobra.Command {
	var (
		configPath   string
		projectsPath string
		promptsDir   string
		debug        bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration core",
		Long: `Start the orchestration core.

The server will:
1. Load configuration from the specified file (or cliorchd.yaml)
2. Open the durable store and apply pending migrations
3. Build the Adapter Registry and Orchestrator Manager
4. Start the Subscription Hub's WebSocket endpoint
5. Start the Prometheus metrics and health-check listener, if enabled

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  cliorchd serve

  # Start with custom config and project registry
  cliorchd serve --config /etc/cliorchd/production.yaml --projects /etc/cliorchd/projects.yaml

  # Start with debug logging
  cliorchd serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runServe(cmd.Context(), serveOptions{
				configPath:   configPath,
				projectsPath: projectsPath,
				promptsDir:   promptsDir,
				debug:        debug,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath,
		"Path to YAML configuration file")
	cmd.Flags().StringVar(&projectsPath, "projects", "projects.yaml",
		"Path to the static project registry (id -> workspace/preferred agent/model)")
	cmd.Flags().StringVar(&promptsDir, "prompts-dir", "prompts",
		"Directory of per-project role markdown files (\"<project-id>.md\")")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}
