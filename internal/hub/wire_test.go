package hub

import (
	"encoding/json"
	"testing"

	"github.com/cliorch/cliorchd/pkg/models"
)

func TestDecodeSubmitAcceptsValidPayload(t *testing.T) {
	raw := json.RawMessage(`{"instruction":"fix the bug","agent":"claude","deadline_seconds":120}`)
	p, err := decodeSubmit(raw)
	if err != nil {
		t.Fatalf("decodeSubmit: %v", err)
	}
	if p.Instruction != "fix the bug" || p.Agent != models.AgentClaude || p.DeadlineSeconds != 120 {
		t.Fatalf("unexpected decode result: %+v", p)
	}
}

func TestDecodeSubmitRejectsUnknownAgent(t *testing.T) {
	raw := json.RawMessage(`{"instruction":"do it","agent":"not-a-real-agent"}`)
	if _, err := decodeSubmit(raw); err == nil {
		t.Fatal("expected an unknown agent to fail schema validation")
	}
}

func TestDecodeSubmitRejectsEmptyInstruction(t *testing.T) {
	raw := json.RawMessage(`{"instruction":"","agent":"claude"}`)
	if _, err := decodeSubmit(raw); err == nil {
		t.Fatal("expected an empty instruction to fail schema validation")
	}
}

func TestDecodeSubmitRejectsOutOfRangeDeadline(t *testing.T) {
	raw := json.RawMessage(`{"instruction":"do it","agent":"claude","deadline_seconds":10}`)
	if _, err := decodeSubmit(raw); err == nil {
		t.Fatal("expected a deadline_seconds below the minimum to fail schema validation")
	}
}

func TestDecodeCancelRequiresRequestID(t *testing.T) {
	if _, err := decodeCancel(json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected a missing request_id to fail")
	}
	p, err := decodeCancel(json.RawMessage(`{"request_id":"1-abcd"}`))
	if err != nil {
		t.Fatalf("decodeCancel: %v", err)
	}
	if p.RequestID != "1-abcd" {
		t.Fatalf("unexpected request id %q", p.RequestID)
	}
}

func TestDecodeSubscribeFromSeqDefaultsToZero(t *testing.T) {
	p, err := decodeSubscribeFromSeq(nil)
	if err != nil {
		t.Fatalf("decodeSubscribeFromSeq: %v", err)
	}
	if p.Seq != 0 {
		t.Fatalf("expected default seq 0, got %d", p.Seq)
	}
}

func TestToSubmitRequestRejectsImagePathOutsideWorkspace(t *testing.T) {
	p := submitPayload{
		Instruction: "look at this",
		Agent:       models.AgentClaude,
		Images:      []imageRef{{Path: "/etc/passwd"}},
	}
	if _, err := toSubmitRequest(p, "/workspace/proj-1"); err == nil {
		t.Fatal("expected an image path outside the workspace to be rejected")
	}
}

func TestToSubmitRequestAcceptsImagePathInsideWorkspace(t *testing.T) {
	p := submitPayload{
		Instruction: "look at this",
		Agent:       models.AgentClaude,
		Images:      []imageRef{{Path: "/workspace/proj-1/screenshot.png"}},
	}
	req, err := toSubmitRequest(p, "/workspace/proj-1")
	if err != nil {
		t.Fatalf("toSubmitRequest: %v", err)
	}
	if len(req.ImagePaths) != 1 || req.ImagePaths[0] != "/workspace/proj-1/screenshot.png" {
		t.Fatalf("unexpected image paths: %v", req.ImagePaths)
	}
}

func TestEventEnvelopeCarriesRequestIDAndSeq(t *testing.T) {
	evt := models.CanonicalEvent{Type: models.EventStatus, RequestID: "1-abcd", Seq: 42}
	env := eventEnvelope(evt)
	if env.Type != string(models.EventStatus) || env.RequestID != "1-abcd" || env.Seq == nil || *env.Seq != 42 {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}
