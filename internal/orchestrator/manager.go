package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/cliorch/cliorchd/internal/config"
	"github.com/cliorch/cliorchd/internal/observability"
	"github.com/cliorch/cliorchd/internal/session"
	"github.com/cliorch/cliorchd/internal/store"
	"github.com/cliorch/cliorchd/pkg/models"
)

// Manager locates-or-creates the one Orchestrator instance per active
// project, per spec.md §4.4 ("One Orchestrator instance per project that
// has at least one subscriber or an in-flight request"). The Subscription
// Hub is the Manager's only caller.
type Manager struct {
	projects store.ProjectStore
	reg      adapterSource
	sess     *session.Store
	msgs     store.MessageStore
	prompts  PromptLoaderFactory
	cfg      config.OrchestratorConfig

	mu    sync.Mutex
	byID  map[string]*Orchestrator
	group context.Context
	stop  context.CancelFunc
	wg    sync.WaitGroup

	metrics *observability.Metrics
	events  *observability.EventRecorder
}

// SetMetrics wires a Prometheus metrics sink into the Manager and every
// Orchestrator it creates from this point on, grounded on the teacher's
// canvasManager.SetMetrics post-construction injection.
func (m *Manager) SetMetrics(metrics *observability.Metrics) {
	m.mu.Lock()
	m.metrics = metrics
	m.mu.Unlock()
}

// SetEvents wires the run-timeline recorder into the Manager and every
// Orchestrator it creates from this point on.
func (m *Manager) SetEvents(events *observability.EventRecorder) {
	m.mu.Lock()
	m.events = events
	m.mu.Unlock()
}

// PromptLoaderFactory builds or looks up the System-Prompt Loader for a
// project, so the Manager does not need to know how prompts are sourced
// per project (one shared role file vs. per-project files are both valid
// deployments).
type PromptLoaderFactory func(project models.Project) (promptSource, error)

// NewManager builds a Manager. Call Close to shut down every live
// orchestrator.
func NewManager(projects store.ProjectStore, reg adapterSource, sess *session.Store, msgs store.MessageStore, prompts PromptLoaderFactory, cfg config.OrchestratorConfig) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		projects: projects,
		reg:      reg,
		sess:     sess,
		msgs:     msgs,
		prompts:  prompts,
		cfg:      cfg,
		byID:     make(map[string]*Orchestrator),
		group:    ctx,
		stop:     cancel,
	}
}

// Get returns the running Orchestrator for projectID, creating and starting
// one if none exists yet.
func (m *Manager) Get(ctx context.Context, projectID string) (*Orchestrator, error) {
	m.mu.Lock()
	if o, ok := m.byID[projectID]; ok {
		m.mu.Unlock()
		return o, nil
	}
	m.mu.Unlock()

	project, err := m.projects.Get(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator manager: resolve project %s: %w", projectID, err)
	}
	prompt, err := m.prompts(project)
	if err != nil {
		return nil, fmt.Errorf("orchestrator manager: system prompt for %s: %w", projectID, err)
	}

	if err := m.sess.Hydrate(ctx, projectID); err != nil {
		return nil, fmt.Errorf("orchestrator manager: hydrate sessions for %s: %w", projectID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.byID[projectID]; ok {
		return o, nil
	}

	o := New(project, m.reg, m.sess, m.msgs, prompt, m.cfg, m.onOrchestratorIdle)
	if m.metrics != nil {
		o.SetMetrics(m.metrics)
	}
	if m.events != nil {
		o.SetEvents(m.events)
	}
	m.byID[projectID] = o
	m.setActiveProjectsLocked()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		o.Run(m.group)
	}()

	return o, nil
}

// setActiveProjectsLocked updates the active-orchestrator-loop gauge. Callers
// must hold m.mu.
func (m *Manager) setActiveProjectsLocked() {
	if m.metrics != nil {
		m.metrics.SetActiveProjects(len(m.byID))
	}
}

// Lookup returns the Orchestrator for projectID without creating one.
func (m *Manager) Lookup(projectID string) (*Orchestrator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byID[projectID]
	return o, ok
}

func (m *Manager) onOrchestratorIdle(projectID string) {
	m.mu.Lock()
	delete(m.byID, projectID)
	m.setActiveProjectsLocked()
	m.mu.Unlock()
}

// Close shuts every live orchestrator down and waits for their run loops to
// exit.
func (m *Manager) Close() {
	m.mu.Lock()
	orchestrators := make([]*Orchestrator, 0, len(m.byID))
	for _, o := range m.byID {
		orchestrators = append(orchestrators, o)
	}
	m.mu.Unlock()

	for _, o := range orchestrators {
		o.Shutdown()
	}
	m.stop()
	m.wg.Wait()
}
