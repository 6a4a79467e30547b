package adapter

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"time"

	cliexec "github.com/cliorch/cliorchd/internal/exec"
	"github.com/cliorch/cliorchd/pkg/models"
)

// availabilityCache memoizes available() probes for a short interval so a
// status grid polling several agents doesn't fork a version-check process
// per request, per the ~60s cache window in the adapter contract.
type availabilityCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	cachedAt time.Time
	result   Availability
}

func newAvailabilityCache(ttl time.Duration) *availabilityCache {
	return &availabilityCache{ttl: ttl}
}

func (c *availabilityCache) get(ctx context.Context, binary string, probeArgs []string) Availability {
	c.mu.Lock()
	if time.Since(c.cachedAt) < c.ttl && !c.cachedAt.IsZero() {
		result := c.result
		c.mu.Unlock()
		return result
	}
	c.mu.Unlock()

	result := probe(ctx, binary, probeArgs)

	c.mu.Lock()
	c.result = result
	c.cachedAt = time.Now()
	c.mu.Unlock()

	return result
}

// probe executes the CLI with a version-style flag and treats a non-zero
// exit or missing binary as not installed, per available()'s contract.
func probe(ctx context.Context, binary string, probeArgs []string) Availability {
	bin, err := cliexec.SanitizeExecutableValue(binary)
	if err != nil {
		return Availability{Installed: false, Error: err.Error()}
	}
	if _, err := exec.LookPath(bin); err != nil {
		return Availability{Installed: false, Error: "binary not found in PATH"}
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, bin, probeArgs...)
	out, err := cmd.Output()
	if err != nil {
		return Availability{Installed: false, Error: err.Error()}
	}
	return Availability{Installed: true, Version: strings.TrimSpace(string(out))}
}

// classifySpawnError wraps an os/exec spawn failure as the canonical
// spawn_failed error kind so callers can switch on it with errors.As
// instead of string matching.
func classifySpawnError(err error) error {
	if err == nil {
		return nil
	}
	var kind models.ErrorKind = models.ErrKindSpawnFailed
	if errors.Is(err, exec.ErrNotFound) {
		kind = models.ErrKindCLINotInstalled
	}
	return models.NewCanonicalError(kind, false, "failed to start adapter subprocess", err)
}

// prependEvent returns a new channel that yields extra first, then relays
// everything from in. Used to surface an informational event (e.g.
// model_fallback) ahead of the run's own event stream.
func prependEvent(in <-chan models.CanonicalEvent, extra models.CanonicalEvent) <-chan models.CanonicalEvent {
	out := make(chan models.CanonicalEvent, 64)
	go func() {
		defer close(out)
		out <- extra
		for e := range in {
			out <- e
		}
	}()
	return out
}
