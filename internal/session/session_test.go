package session

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cliorch/cliorchd/pkg/models"
)

type fakeMessageStore struct {
	latest map[models.AgentKind]models.StoredMessage
}

func (f *fakeMessageStore) Append(ctx context.Context, evt models.CanonicalEvent) error { return nil }
func (f *fakeMessageStore) ListSince(ctx context.Context, projectID string, afterSeq uint64, limit int) ([]models.StoredMessage, error) {
	return nil, nil
}
func (f *fakeMessageStore) LatestSessionInfo(ctx context.Context, projectID string) (map[models.AgentKind]models.StoredMessage, error) {
	return f.latest, nil
}
func (f *fakeMessageStore) DeleteProject(ctx context.Context, projectID string) error { return nil }

func sessionInfoRow(seq uint64, nativeID string) models.StoredMessage {
	evt := models.CanonicalEvent{
		Type:        models.EventSessionInfo,
		SessionInfo: &models.SessionInfoPayload{NativeSessionID: nativeID},
	}
	body, _ := json.Marshal(evt)
	return models.StoredMessage{Seq: seq, Kind: models.EventSessionInfo, BodyJSON: body}
}

func TestGetMissingKey(t *testing.T) {
	s := New(&fakeMessageStore{})
	_, ok := s.Get(models.SessionKey{ProjectID: "p1", Agent: models.AgentClaude})
	if ok {
		t.Fatalf("expected no session for an unpopulated key")
	}
}

func TestNextSeqIsProjectWideNotPerAgent(t *testing.T) {
	s := New(&fakeMessageStore{})
	keyClaude := models.SessionKey{ProjectID: "p1", Agent: models.AgentClaude}
	keyCodex := models.SessionKey{ProjectID: "p1", Agent: models.AgentCodex}

	if got := s.NextSeq(keyClaude); got != 1 {
		t.Fatalf("first NextSeq = %d, want 1", got)
	}
	if got := s.NextSeq(keyCodex); got != 2 {
		t.Fatalf("seq must be unique within project_id across agents, got %d, want 2", got)
	}
	if got := s.NextSeq(keyClaude); got != 3 {
		t.Fatalf("third NextSeq = %d, want 3", got)
	}
}

func TestRecordSessionInfoAndGet(t *testing.T) {
	s := New(&fakeMessageStore{})
	s.RecordSessionInfo("p1", models.AgentClaude, "sess-xyz", "sonnet")

	sess, ok := s.Get(models.SessionKey{ProjectID: "p1", Agent: models.AgentClaude})
	if !ok {
		t.Fatalf("expected session to exist after RecordSessionInfo")
	}
	if sess.NativeSessionID != "sess-xyz" || sess.LastModel != "sonnet" {
		t.Fatalf("unexpected session: %+v", sess)
	}
}

func TestHydrateFillsGapsOnlyAndAdvancesProjectSeq(t *testing.T) {
	fake := &fakeMessageStore{
		latest: map[models.AgentKind]models.StoredMessage{
			models.AgentClaude: sessionInfoRow(5, "sess-a"),
			models.AgentCodex:  sessionInfoRow(7, "sess-b"),
		},
	}
	s := New(fake)

	// Pre-populate claude so Hydrate must not overwrite it.
	s.RecordSessionInfo("p1", models.AgentClaude, "sess-live", "")

	if err := s.Hydrate(context.Background(), "p1"); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}

	claude, _ := s.Get(models.SessionKey{ProjectID: "p1", Agent: models.AgentClaude})
	if claude.NativeSessionID != "sess-live" {
		t.Fatalf("Hydrate must not overwrite an existing in-memory session, got %+v", claude)
	}

	codex, ok := s.Get(models.SessionKey{ProjectID: "p1", Agent: models.AgentCodex})
	if !ok || codex.NativeSessionID != "sess-b" {
		t.Fatalf("expected codex session hydrated from the message store, got ok=%v %+v", ok, codex)
	}

	// projectSeq must have advanced past the highest hydrated seq (7), so a
	// subsequent NextSeq never collides with a persisted row.
	if got := s.NextSeq(models.SessionKey{ProjectID: "p1", Agent: models.AgentGemini}); got != 8 {
		t.Fatalf("NextSeq after Hydrate = %d, want 8", got)
	}
}

func TestDeleteProjectRemovesAllAgents(t *testing.T) {
	s := New(&fakeMessageStore{})
	s.RecordSessionInfo("p1", models.AgentClaude, "a", "")
	s.RecordSessionInfo("p1", models.AgentCodex, "b", "")
	s.RecordSessionInfo("p2", models.AgentClaude, "c", "")

	s.DeleteProject("p1")

	if _, ok := s.Get(models.SessionKey{ProjectID: "p1", Agent: models.AgentClaude}); ok {
		t.Fatalf("expected p1/claude session to be gone")
	}
	if _, ok := s.Get(models.SessionKey{ProjectID: "p1", Agent: models.AgentCodex}); ok {
		t.Fatalf("expected p1/codex session to be gone")
	}
	if _, ok := s.Get(models.SessionKey{ProjectID: "p2", Agent: models.AgentClaude}); !ok {
		t.Fatalf("expected p2/claude session to survive deleting p1")
	}
}
