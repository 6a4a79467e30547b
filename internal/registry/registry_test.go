package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/cliorch/cliorchd/internal/config"
	"github.com/cliorch/cliorchd/pkg/models"
)

func testConfig() (config.AdaptersConfig, config.ModelsConfig) {
	return config.AdaptersConfig{}, config.ModelsConfig{
		Table: map[string]string{
			"claude/claude-sonnet-4.5": "claude-sonnet-4-5-20250929",
		},
	}
}

func TestNewRegistryListsAllKinds(t *testing.T) {
	a, m := testConfig()
	r := New(a, m)

	kinds := r.List()
	if len(kinds) != len(models.AllAgentKinds()) {
		t.Fatalf("expected %d adapters registered, got %d", len(models.AllAgentKinds()), len(kinds))
	}
	for _, k := range models.AllAgentKinds() {
		if _, err := r.Get(k); err != nil {
			t.Errorf("Get(%q) failed: %v", k, err)
		}
	}
}

func TestGetUnknownKind(t *testing.T) {
	a, m := testConfig()
	r := New(a, m)
	if _, err := r.Get(models.AgentKind("nonexistent")); err == nil {
		t.Fatalf("expected error for unregistered agent kind")
	}
}

func TestResolveModel(t *testing.T) {
	a, m := testConfig()
	r := New(a, m)

	native, fellBack := r.ResolveModel(models.AgentClaude, "claude-sonnet-4.5")
	if native != "claude-sonnet-4-5-20250929" || fellBack {
		t.Fatalf("expected known mapping, got native=%q fellBack=%v", native, fellBack)
	}

	native, fellBack = r.ResolveModel(models.AgentClaude, "unknown")
	if native != "" || !fellBack {
		t.Fatalf("expected fallback for unmapped model, got native=%q fellBack=%v", native, fellBack)
	}

	native, fellBack = r.ResolveModel(models.AgentClaude, "")
	if native != "" || fellBack {
		t.Fatalf("empty canonical should pass through without a fallback warning, got native=%q fellBack=%v", native, fellBack)
	}
}

func TestAvailabilitySnapshotCoversAllKinds(t *testing.T) {
	a, m := testConfig()
	r := New(a, m)

	snap := r.AvailabilitySnapshot(context.Background())
	if len(snap) != len(models.AllAgentKinds()) {
		t.Fatalf("expected snapshot entries for every agent kind, got %d", len(snap))
	}
}

func TestAccessToken_NoProviderConfigured(t *testing.T) {
	a, m := testConfig()
	r := New(a, m)
	r.SetOAuth(config.AuthConfig{})

	token, err := r.AccessToken(context.Background(), models.AgentCodex)
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if token != "" {
		t.Errorf("expected empty token with no OAuth provider configured, got %q", token)
	}
}

func TestAccessToken_WithoutSetOAuth(t *testing.T) {
	a, m := testConfig()
	r := New(a, m)

	token, err := r.AccessToken(context.Background(), models.AgentCodex)
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if token != "" {
		t.Errorf("expected empty token when SetOAuth was never called, got %q", token)
	}
}

func TestCircuitOpensAfterRepeatedFailuresAndDownstreamReflectsIt(t *testing.T) {
	a, m := testConfig()
	r := New(a, m)

	spawnErr := errors.New("spawn failed")
	for i := 0; i < 3; i++ {
		r.RecordSpawnResult(models.AgentCodex, spawnErr)
	}
	if !r.circuitOpen(models.AgentCodex) {
		t.Fatalf("expected circuit to be open after repeated failures")
	}

	r.RecordSpawnResult(models.AgentCodex, nil)
	if r.circuitOpen(models.AgentCodex) {
		t.Fatalf("a success should reset the circuit")
	}
}
