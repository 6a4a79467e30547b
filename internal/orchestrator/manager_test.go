package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cliorch/cliorchd/internal/config"
	"github.com/cliorch/cliorchd/pkg/models"
)

type fakeProjectStore struct {
	projects map[string]models.Project
}

func (s *fakeProjectStore) Get(ctx context.Context, projectID string) (models.Project, error) {
	p, ok := s.projects[projectID]
	if !ok {
		return models.Project{}, errors.New("unknown project")
	}
	return p, nil
}

func testManager(t *testing.T, lingerSeconds int) (*Manager, *fakeAdapter) {
	t.Helper()
	claude := newFakeAdapter(models.AgentClaude)
	reg := newFakeRegistry()
	reg.add(claude)

	projects := &fakeProjectStore{projects: map[string]models.Project{
		"proj-a": {ID: "proj-a", WorkspacePath: "/tmp/proj-a", PreferredAgent: models.AgentClaude},
	}}

	sess := sessionStoreForTest(newFakeMessageStore())
	cfg := config.OrchestratorConfig{
		DefaultRunDeadlineSeconds:     5,
		DefaultStallSeconds:           5,
		IdleOrchestratorLingerSeconds: lingerSeconds,
		CancelGraceSeconds:            1,
		FallbackAgent:                 models.AgentClaude,
	}

	m := NewManager(projects, reg, sess, newFakeMessageStore(), func(models.Project) (promptSource, error) {
		return fakePrompt("be helpful"), nil
	}, cfg)

	return m, claude
}

func TestManagerGetCreatesOrchestratorOnce(t *testing.T) {
	m, _ := testManager(t, 30)
	defer m.Close()

	o1, err := m.Get(context.Background(), "proj-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	o2, err := m.Get(context.Background(), "proj-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o1 != o2 {
		t.Fatal("expected the same Orchestrator instance to be reused")
	}

	if _, ok := m.Lookup("proj-a"); !ok {
		t.Fatal("expected Lookup to find the running orchestrator")
	}
}

func TestManagerGetUnknownProjectFails(t *testing.T) {
	m, _ := testManager(t, 30)
	defer m.Close()

	if _, err := m.Get(context.Background(), "does-not-exist"); err == nil {
		t.Fatal("expected an error for an unknown project id")
	}
}

func TestManagerRemovesIdleOrchestratorAfterLinger(t *testing.T) {
	m, _ := testManager(t, 1)
	defer m.Close()

	_, err := m.Get(context.Background(), "proj-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.Lookup("proj-a"); !ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected the idle orchestrator to be torn down after its linger window")
}
