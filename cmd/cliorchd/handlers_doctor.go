package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/cliorch/cliorchd/internal/adapter"
	"github.com/cliorch/cliorchd/internal/config"
	"github.com/cliorch/cliorchd/internal/registry"
	"github.com/cliorch/cliorchd/internal/store"
	"github.com/cliorch/cliorchd/pkg/models"
)

// runDoctor validates configuration, confirms the store is reachable, and
// (unless --probe=false) reports each adapter's availability. If
// timelineRequestID is set, it instead fetches that run's event timeline
// from a running server's /debug/timeline endpoint and prints it.
func runDoctor(cmd *cobra.Command, configPath string, probe bool, timelineRequestID string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(out, "config: FAIL (%v)\n", err)
		return err
	}
	fmt.Fprintf(out, "config: OK (%s, version %d)\n", configPath, cfg.Version)

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	if timelineRequestID != "" {
		return fetchTimeline(ctx, out, cfg.Observability.Metrics.Addr, timelineRequestID)
	}

	db, err := store.OpenDB(ctx, cfg.Store)
	if err != nil {
		fmt.Fprintf(out, "store (%s): FAIL (%v)\n", cfg.Store.Backend, err)
	} else {
		fmt.Fprintf(out, "store (%s): OK\n", cfg.Store.Backend)
		db.Close()
	}

	if !probe {
		return nil
	}

	reg := registry.New(cfg.Adapters, cfg.Models)
	snapshot := reg.AvailabilitySnapshot(ctx)

	fmt.Fprintln(out, "adapters:")
	for _, kind := range models.AllAgentKinds() {
		av, ok := snapshot[kind]
		if !ok {
			continue
		}
		printAdapterStatus(out, kind, av)
	}

	return nil
}

// fetchTimeline fetches requestID's event timeline from addr's
// /debug/timeline endpoint (the same process's metrics listener, per
// server.Server.Start) and copies the response straight to out.
func fetchTimeline(ctx context.Context, out io.Writer, addr, requestID string) error {
	if len(addr) > 0 && addr[0] == ':' {
		addr = "localhost" + addr
	}
	url := fmt.Sprintf("http://%s/debug/timeline?request_id=%s", addr, requestID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build timeline request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch timeline from %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("read timeline response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("timeline request failed: %s", resp.Status)
	}
	return nil
}

func printAdapterStatus(out io.Writer, kind models.AgentKind, av adapter.Availability) {
	status := "unavailable"
	if av.Installed {
		status = "available"
	}
	if av.Version != "" {
		fmt.Fprintf(out, "  - %s: %s (%s)\n", kind, status, av.Version)
	} else {
		fmt.Fprintf(out, "  - %s: %s\n", kind, status)
	}
	if av.Error != "" {
		fmt.Fprintf(out, "      %s\n", av.Error)
	}
}
