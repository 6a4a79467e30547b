// Package registry implements the Adapter Registry (C2): a process-wide
// immutable table of one Adapter per AgentKind, availability-probe caching,
// and the canonical (AgentKind, model name) -> native flag lookup.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cliorch/cliorchd/internal/adapter"
	"github.com/cliorch/cliorchd/internal/config"
	"github.com/cliorch/cliorchd/internal/observability"
	"github.com/cliorch/cliorchd/pkg/models"
)

// Registry is immutable after New returns — no lock is needed for lookups,
// matching the teacher's "Registry is immutable after startup (no hazard)"
// design note.
type Registry struct {
	adapters map[models.AgentKind]adapter.Adapter
	table    map[string]string // "agentkind/canonical-name" -> native flag

	circuits sync.Map // models.AgentKind -> *circuitState
	metrics  *observability.Metrics
	oauth    map[models.AgentKind]*adapter.TokenRefresher
}

// SetMetrics wires a Prometheus metrics sink into the registry, grounded on
// the teacher's canvasManager.SetMetrics post-construction injection. Safe
// to skip; a nil sink leaves every circuit-breaker update a no-op.
func (r *Registry) SetMetrics(m *observability.Metrics) {
	r.metrics = m
}

// SetOAuth wires one adapter.TokenRefresher per agent kind that has an OAuth
// provider configured in cfg.OAuth, following the same post-construction
// setter-injection convention as SetMetrics. Safe to skip; an agent kind
// with no configured refresh token just never gets a refresher, and
// AccessToken returns an empty token for it.
func (r *Registry) SetOAuth(cfg config.AuthConfig) {
	r.oauth = make(map[models.AgentKind]*adapter.TokenRefresher, len(cfg.OAuth))
	for _, kind := range models.AllAgentKinds() {
		providerCfg, ok := cfg.OAuth[string(kind)]
		if !ok {
			continue
		}
		if refresher := adapter.NewTokenRefresher(providerCfg); refresher != nil {
			r.oauth[kind] = refresher
		}
	}
}

// AccessToken returns a live OAuth access token for kind, refreshing it
// against the provider's token endpoint as needed. Returns an empty token
// with no error when kind has no OAuth provider configured.
func (r *Registry) AccessToken(ctx context.Context, kind models.AgentKind) (string, error) {
	refresher, ok := r.oauth[kind]
	if !ok {
		return "", nil
	}
	return refresher.AccessToken(ctx)
}

// New builds a Registry from cfg, instantiating the five built-in adapters
// with any per-kind binary/probe overrides from cfg.Adapters.
func New(cfg config.AdaptersConfig, models_ config.ModelsConfig) *Registry {
	r := &Registry{
		adapters: make(map[models.AgentKind]adapter.Adapter, 5),
		table:    models_.Table,
	}

	binaryFor := func(kind models.AgentKind) string {
		if o, ok := cfg.Overrides[string(kind)]; ok {
			return o.BinaryPath
		}
		return ""
	}
	modelTableFor := func(kind models.AgentKind) map[string]string {
		sub := make(map[string]string)
		prefix := string(kind) + "/"
		for k, v := range models_.Table {
			if len(k) > len(prefix) && k[:len(prefix)] == prefix {
				sub[k[len(prefix):]] = v
			}
		}
		return sub
	}

	r.adapters[models.AgentClaude] = adapter.NewClaudeAdapter(binaryFor(models.AgentClaude), modelTableFor(models.AgentClaude))
	r.adapters[models.AgentCursor] = adapter.NewCursorAdapter(binaryFor(models.AgentCursor), modelTableFor(models.AgentCursor))
	r.adapters[models.AgentCodex] = adapter.NewCodexAdapter(binaryFor(models.AgentCodex), modelTableFor(models.AgentCodex))
	r.adapters[models.AgentGemini] = adapter.NewGeminiAdapter(binaryFor(models.AgentGemini), modelTableFor(models.AgentGemini))
	r.adapters[models.AgentQwen] = adapter.NewQwenAdapter(binaryFor(models.AgentQwen), modelTableFor(models.AgentQwen))

	for _, kind := range models.AllAgentKinds() {
		r.circuits.Store(kind, newCircuitState())
	}

	return r
}

// Get returns the adapter for kind, or an error if kind is unknown — which
// should never happen for a value that passed models.AgentKind.Valid().
func (r *Registry) Get(kind models.AgentKind) (adapter.Adapter, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("registry: no adapter registered for agent kind %q", kind)
	}
	return a, nil
}

// List returns every AgentKind the registry has an adapter for.
func (r *Registry) List() []models.AgentKind {
	kinds := make([]models.AgentKind, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	return kinds
}

// ResolveModel maps (kind, canonical) to the native flag value the adapter
// should be invoked with, via the registry's shared table.
func (r *Registry) ResolveModel(kind models.AgentKind, canonical models.ModelId) (native string, usedFallback bool) {
	if canonical == "" {
		return "", false
	}
	key := string(kind) + "/" + string(canonical)
	if native, ok := r.table[key]; ok {
		return native, false
	}
	return "", true
}

// AvailabilitySnapshot fans out available() probes across every adapter
// concurrently and returns a snapshot keyed by AgentKind. Each adapter's own
// probe cache absorbs repeated calls within the ~60s window; a circuit
// that's open for an agent (repeated recent spawn failures) downgrades a
// probe that otherwise reports installed=true to a "likely unavailable"
// snapshot entry without touching the probe's own cache semantics.
func (r *Registry) AvailabilitySnapshot(ctx context.Context) map[models.AgentKind]adapter.Availability {
	type result struct {
		kind models.AgentKind
		av   adapter.Availability
	}
	resultsCh := make(chan result, len(r.adapters))

	var wg sync.WaitGroup
	for kind, a := range r.adapters {
		wg.Add(1)
		go func(kind models.AgentKind, a adapter.Adapter) {
			defer wg.Done()
			av := a.Available(ctx)
			resultsCh <- result{kind: kind, av: av}
		}(kind, a)
	}
	wg.Wait()
	close(resultsCh)

	snapshot := make(map[models.AgentKind]adapter.Availability, len(r.adapters))
	for res := range resultsCh {
		av := res.av
		if av.Installed && r.circuitOpen(res.kind) {
			av.Error = "likely unavailable: recent spawn failures (circuit open)"
		}
		snapshot[res.kind] = av
	}
	return snapshot
}

// RecordSpawnResult feeds one run's spawn outcome into the per-agent
// availability circuit, generalized from the teacher's FailoverOrchestrator
// circuit-breaker bookkeeping.
func (r *Registry) RecordSpawnResult(kind models.AgentKind, err error) {
	cs := r.circuitFor(kind)
	cs.record(err)
	if r.metrics != nil {
		value := 1.0
		if cs.isOpen() {
			value = 0
		}
		r.metrics.SetAdapterAvailability(string(kind), value)
	}
}

func (r *Registry) circuitOpen(kind models.AgentKind) bool {
	return r.circuitFor(kind).isOpen()
}

func (r *Registry) circuitFor(kind models.AgentKind) *circuitState {
	v, _ := r.circuits.LoadOrStore(kind, newCircuitState())
	return v.(*circuitState)
}

// circuitState tracks consecutive spawn failures for one agent kind. It
// never blocks a run — the orchestrator's own fallback policy decides
// that — it only informs the availability snapshot shown to callers
// deciding which agent to submit to next.
type circuitState struct {
	mu            sync.Mutex
	failures      int
	openedAt      time.Time
	failThreshold int
	resetAfter    time.Duration
}

func newCircuitState() *circuitState {
	return &circuitState{failThreshold: 3, resetAfter: 60 * time.Second}
}

func (c *circuitState) record(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		c.failures = 0
		c.openedAt = time.Time{}
		return
	}
	c.failures++
	if c.failures >= c.failThreshold && c.openedAt.IsZero() {
		c.openedAt = time.Now()
	}
}

func (c *circuitState) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openedAt.IsZero() {
		return false
	}
	if time.Since(c.openedAt) > c.resetAfter {
		c.failures = 0
		c.openedAt = time.Time{}
		return false
	}
	return true
}
