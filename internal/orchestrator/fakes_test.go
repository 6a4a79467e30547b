package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/cliorch/cliorchd/internal/adapter"
	"github.com/cliorch/cliorchd/internal/session"
	"github.com/cliorch/cliorchd/pkg/models"
)

// fakeAdapter is a scriptable adapter.Adapter: each Run call consumes the
// next scripted response so a test can drive a sequence of runs (e.g. a
// failing run followed by a successful fallback run) without a real CLI
// subprocess.
type fakeAdapter struct {
	kind models.AgentKind

	mu        sync.Mutex
	runs      [][]models.CanonicalEvent
	runErrs   []error
	blocking  []bool
	initErr   error
	callCount int
}

func newFakeAdapter(kind models.AgentKind) *fakeAdapter {
	return &fakeAdapter{kind: kind}
}

func (a *fakeAdapter) Kind() models.AgentKind { return a.kind }

func (a *fakeAdapter) Available(ctx context.Context) adapter.Availability {
	return adapter.Availability{Installed: true, Version: "test"}
}

func (a *fakeAdapter) Initialize(ctx context.Context, workspace, systemPrompt string) error {
	return a.initErr
}

// queueRun appends one scripted Run outcome (events with no error, or no
// events with an error).
func (a *fakeAdapter) queueRun(events []models.CanonicalEvent, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runs = append(a.runs, events)
	a.runErrs = append(a.runErrs, err)
	a.blocking = append(a.blocking, false)
}

// queueBlockingRun schedules a run that emits nothing and only resolves once
// ctx is cancelled, emulating a subprocess that is still running when
// Cancel is called.
func (a *fakeAdapter) queueBlockingRun() {
	a.queuePartialThenBlock(nil)
}

// queuePartialThenBlock emits events, then blocks until ctx is cancelled
// (emulating a subprocess stuck mid-stream, e.g. with an outstanding tool
// call that never receives a result).
func (a *fakeAdapter) queuePartialThenBlock(events []models.CanonicalEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runs = append(a.runs, events)
	a.runErrs = append(a.runErrs, nil)
	a.blocking = append(a.blocking, true)
}

func (a *fakeAdapter) Run(ctx context.Context, req adapter.RunRequest, cancelGrace time.Duration) (<-chan models.CanonicalEvent, error) {
	a.mu.Lock()
	idx := a.callCount
	a.callCount++
	var events []models.CanonicalEvent
	var err error
	var blocking bool
	if idx < len(a.runs) {
		events = a.runs[idx]
		err = a.runErrs[idx]
		blocking = a.blocking[idx]
	}
	a.mu.Unlock()

	if err != nil {
		return nil, err
	}

	out := make(chan models.CanonicalEvent, len(events)+1)
	go func() {
		defer close(out)
		if blocking {
			for _, evt := range events {
				select {
				case <-ctx.Done():
					out <- models.CanonicalEvent{Type: models.EventStatus, Status: &models.StatusPayload{Phase: models.PhaseCancelled}}
					return
				case out <- evt:
				}
			}
			<-ctx.Done()
			out <- models.CanonicalEvent{Type: models.EventStatus, Status: &models.StatusPayload{Phase: models.PhaseCancelled}}
			return
		}
		for _, evt := range events {
			select {
			case <-ctx.Done():
				out <- models.CanonicalEvent{Type: models.EventStatus, Status: &models.StatusPayload{Phase: models.PhaseCancelled}}
				return
			case out <- evt:
			}
		}
	}()
	return out, nil
}

// fakeRegistry implements adapterSource over a fixed set of adapters.
type fakeRegistry struct {
	mu             sync.Mutex
	adapters       map[models.AgentKind]adapter.Adapter
	spawnErr       map[models.AgentKind][]error
	accessToken    string
	accessTokenErr error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{adapters: make(map[models.AgentKind]adapter.Adapter)}
}

func (r *fakeRegistry) add(a *fakeAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.kind] = a
}

func (r *fakeRegistry) Get(kind models.AgentKind) (adapter.Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.adapters[kind]
	if !ok {
		return nil, errNotFound(kind)
	}
	return a, nil
}

func (r *fakeRegistry) RecordSpawnResult(kind models.AgentKind, err error) {}

// AccessToken always reports no configured OAuth provider; tests that need
// to exercise the auth-missing path set accessTokenErr directly.
func (r *fakeRegistry) AccessToken(ctx context.Context, kind models.AgentKind) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.accessTokenErr != nil {
		return "", r.accessTokenErr
	}
	return r.accessToken, nil
}

type errNotFound models.AgentKind

func (e errNotFound) Error() string { return "no adapter for " + string(e) }

// fakeMessageStore is an in-memory store.MessageStore sufficient for
// session.Store.Hydrate and the orchestrator's persist calls.
type fakeMessageStore struct {
	mu   sync.Mutex
	rows map[string][]models.CanonicalEvent
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{rows: make(map[string][]models.CanonicalEvent)}
}

func (m *fakeMessageStore) Append(ctx context.Context, evt models.CanonicalEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[evt.ProjectID] = append(m.rows[evt.ProjectID], evt)
	return nil
}

func (m *fakeMessageStore) ListSince(ctx context.Context, projectID string, afterSeq uint64, limit int) ([]models.StoredMessage, error) {
	return nil, nil
}

func (m *fakeMessageStore) ListTail(ctx context.Context, projectID string, limit int) ([]models.StoredMessage, error) {
	return nil, nil
}

func (m *fakeMessageStore) LatestSessionInfo(ctx context.Context, projectID string) (map[models.AgentKind]models.StoredMessage, error) {
	return nil, nil
}

func (m *fakeMessageStore) DeleteProject(ctx context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, projectID)
	return nil
}

// fakePrompt is a fixed promptSource.
type fakePrompt string

func (p fakePrompt) Current() string { return string(p) }

func sessionStoreForTest(msgs *fakeMessageStore) *session.Store {
	return session.New(msgs)
}
