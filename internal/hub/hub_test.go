package hub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cliorch/cliorchd/internal/adapter"
	"github.com/cliorch/cliorchd/internal/config"
	"github.com/cliorch/cliorchd/internal/orchestrator"
	"github.com/cliorch/cliorchd/internal/session"
	"github.com/cliorch/cliorchd/pkg/models"
)

// fakeAdapter is a scriptable adapter.Adapter, mirroring
// internal/orchestrator's test fake, kept separate since that one is
// unexported to its own package.
type fakeAdapter struct{ kind models.AgentKind }

func (a *fakeAdapter) Kind() models.AgentKind { return a.kind }
func (a *fakeAdapter) Available(ctx context.Context) adapter.Availability {
	return adapter.Availability{Installed: true, Version: "test"}
}
func (a *fakeAdapter) Initialize(ctx context.Context, workspace, systemPrompt string) error {
	return nil
}
func (a *fakeAdapter) Run(ctx context.Context, req adapter.RunRequest, cancelGrace time.Duration) (<-chan models.CanonicalEvent, error) {
	out := make(chan models.CanonicalEvent, 2)
	out <- models.CanonicalEvent{Type: models.EventAssistantText, AssistantText: &models.AssistantTextPayload{Text: "done", Final: true}}
	out <- models.CanonicalEvent{Type: models.EventStatus, Status: &models.StatusPayload{Phase: models.PhaseComplete}}
	close(out)
	return out, nil
}

type fakeRegistry struct{ a *fakeAdapter }

func (r *fakeRegistry) Get(kind models.AgentKind) (adapter.Adapter, error) { return r.a, nil }
func (r *fakeRegistry) RecordSpawnResult(kind models.AgentKind, err error) {}
func (r *fakeRegistry) AccessToken(ctx context.Context, kind models.AgentKind) (string, error) {
	return "", nil
}

type fakeProjectStore struct{ projects map[string]models.Project }

func (p *fakeProjectStore) Get(ctx context.Context, projectID string) (models.Project, error) {
	proj, ok := p.projects[projectID]
	if !ok {
		return models.Project{}, errProjectNotFound(projectID)
	}
	return proj, nil
}

type errProjectNotFound string

func (e errProjectNotFound) Error() string { return "unknown project " + string(e) }

type fakeMessageStore struct{ rows map[string][]models.CanonicalEvent }

func newFakeMessageStore() *fakeMessageStore { return &fakeMessageStore{rows: make(map[string][]models.CanonicalEvent)} }

func (m *fakeMessageStore) Append(ctx context.Context, evt models.CanonicalEvent) error {
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
	delete(m.rows, projectID)
	return nil
}

type fakePrompt string

func (p fakePrompt) Current() string { return string(p) }

func testHub(t *testing.T, authn *Authenticator) (*Hub, *fakeMessageStore) {
	t.Helper()
	msgs := newFakeMessageStore()
	projects := &fakeProjectStore{projects: map[string]models.Project{
		"proj-1": {ID: "proj-1", WorkspacePath: "/workspace/proj-1", PreferredAgent: models.AgentClaude},
	}}
	reg := &fakeRegistry{a: &fakeAdapter{kind: models.AgentClaude}}
	sess := session.New(msgs)
	var cfg config.OrchestratorConfig
	mgr := orchestrator.NewManager(projects, reg, sess, msgs, func(models.Project) (interface {
		Current() string
	}, error) {
		return fakePrompt(""), nil
	}, cfg)

	h := NewHub(mgr, msgs, authn, config.HubConfig{SubscriberQueueCapacity: 64, HistoryReplayDefault: 50, KeepaliveSeconds: 60, KeepaliveTimeoutSeconds: 120}, config.ServerConfig{MaxFrameBytes: 1 << 20})
	t.Cleanup(mgr.Close)
	return h, msgs
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/subscribe" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestHubRejectsUnknownProject(t *testing.T) {
	h, _ := testHub(t, NewAuthenticator(config.AuthConfig{}))
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv, "?project_id=does-not-exist")
	defer conn.Close()

	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("expected the connection to be closed for an unknown project")
	}
	if !websocket.IsCloseError(err, closeCodeProjectUnknown) {
		t.Fatalf("expected close code %d, got %v", closeCodeProjectUnknown, err)
	}
}

func TestHubRejectsMissingBearerTokenWhenRequired(t *testing.T) {
	h, _ := testHub(t, NewAuthenticator(config.AuthConfig{JWTSecret: "s3cret", Required: true}))
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv, "?project_id=proj-1")
	defer conn.Close()

	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, closeCodeUnauthorized) {
		t.Fatalf("expected close code %d, got %v", closeCodeUnauthorized, err)
	}
}

func TestHubSubmitRunsToCompletion(t *testing.T) {
	h, _ := testHub(t, NewAuthenticator(config.AuthConfig{}))
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv, "?project_id=proj-1")
	defer conn.Close()

	submit := envelope{Type: inboundSubmit}
	data, _ := json.Marshal(struct {
		Instruction string `json:"instruction"`
		Agent       string `json:"agent"`
	}{Instruction: "do the thing", Agent: "claude"})
	submit.Data = data
	raw, _ := json.Marshal(submit)
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write submit: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	sawComplete := false
	for i := 0; i < 10 && !sawComplete; i++ {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			continue
		}
		if env.Type == string(models.EventStatus) {
			var evt models.CanonicalEvent
			if err := json.Unmarshal(env.Data, &evt); err == nil && evt.Status != nil && evt.Status.Phase == models.PhaseComplete {
				sawComplete = true
			}
		}
	}
	if !sawComplete {
		t.Fatal("expected to observe a terminal complete status")
	}
}
