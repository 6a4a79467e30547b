// Package adapter defines the contract every concrete CLI driver satisfies
// and the subprocess/parsing machinery shared across them. One Adapter
// implementation exists per models.AgentKind; the Adapter Registry
// (internal/registry) holds one instance of each.
package adapter

import (
	"context"
	"time"

	"github.com/cliorch/cliorchd/pkg/models"
)

// Availability is the result of an available() probe.
type Availability struct {
	Installed bool
	Version   string
	Error     string
}

// RunRequest carries everything an Adapter needs to launch and drive one
// subprocess invocation.
type RunRequest struct {
	Workspace       string // absolute, writable directory the subprocess runs in
	Instruction     string
	Model           models.ModelId // canonical; the adapter resolves it to a native flag
	PriorSessionID  string         // empty means start a fresh session
	SystemPrompt    string
	ImagePaths      []string // absolute paths already written inside Workspace
	RequestID       string
	ExtraPassEnv    []string          // additional env var names to pass through beyond PATH/HOME
	ExtraEnv        map[string]string // literal env vars to set, e.g. a refreshed OAuth access token
	BinaryOverride  string            // non-empty overrides the default binary name/path
}

// Adapter is the closed capability set every concrete CLI driver implements.
// Selected by AgentKind rather than open-class inheritance: the registry is a
// simple lookup table and no adapter ever needs to extend another's behavior.
type Adapter interface {
	// Kind reports which AgentKind this adapter drives.
	Kind() models.AgentKind

	// Available probes whether the CLI binary is installed and runnable.
	// Non-blocking and cheap enough to call repeatedly; callers are expected
	// to cache the result (see internal/registry's availability cache).
	Available(ctx context.Context) Availability

	// Initialize performs one-time per-workspace setup: writing an
	// agent-specific config/rules file and seeding the system prompt.
	// Idempotent — calling twice with the same systemPrompt leaves the
	// workspace byte-identical after the second call.
	Initialize(ctx context.Context, workspace, systemPrompt string) error

	// Run launches the subprocess and returns a channel of canonical events.
	// The channel is closed after a terminal Status event has been sent.
	// Cancelling ctx sends the subprocess a soft interrupt, waits
	// cancelGrace, then force-kills it; the final event is always
	// Status{cancelled} in that case.
	Run(ctx context.Context, req RunRequest, cancelGrace time.Duration) (<-chan models.CanonicalEvent, error)
}

// ResolveModel maps a canonical model name to a CLI's native flag value using
// table, falling back to defaultModel (and reporting the fallback so the
// caller can emit the informational model_fallback event) when canonical is
// unknown or empty.
func ResolveModel(table map[string]string, canonical models.ModelId, defaultModel string) (native string, usedFallback bool) {
	if canonical == "" {
		return defaultModel, false
	}
	if native, ok := table[string(canonical)]; ok {
		return native, false
	}
	return defaultModel, true
}
