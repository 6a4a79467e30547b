package main

import (
	"github.com/spf13/cobra"

	"github.com/cliorch/cliorchd/internal/config"
)

// buildDoctorCmd creates the "doctor" command: validates configuration,
// opens the store to confirm connectivity, and probes every adapter's
// availability, printing a table. Grounded on the teacher's
// cmd/nexus/commands_doctor.go (config validation + probe flag), narrowed
// to this domain's adapter-availability concern in place of channel health
// checks.
func buildDoctorCmd() *cobra.Command {
	var (
		configPath string
		probe      bool
		timeline   string
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Validate configuration and probe adapter availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runDoctor(cmd, configPath, probe, timeline)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath,
		"Path to YAML configuration file")
	cmd.Flags().BoolVar(&probe, "probe", true, "Run each adapter's availability probe")
	cmd.Flags().StringVar(&timeline, "timeline", "",
		"Fetch and print the recorded event timeline for this request id from a running server's debug endpoint")

	return cmd
}
