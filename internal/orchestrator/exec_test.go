package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cliorch/cliorchd/internal/config"
	"github.com/cliorch/cliorchd/pkg/models"
)

func TestRunUpdatesSessionOnlyWhenSessionInfoAndAssistantTextSeen(t *testing.T) {
	o, _, claude, stop := testOrchestrator(t)
	defer stop()

	claude.queueRun([]models.CanonicalEvent{
		{Type: models.EventSessionInfo, SessionInfo: &models.SessionInfoPayload{NativeSessionID: "native-123"}},
		{Type: models.EventAssistantText, AssistantText: &models.AssistantTextPayload{Text: "done", Final: true}},
		{Type: models.EventStatus, Status: &models.StatusPayload{Phase: models.PhaseComplete}},
	}, nil)

	o.Submit(SubmitRequest{Instruction: "do it", Agent: models.AgentClaude})

	waitForCondition(t, func() bool {
		sess, ok := o.sess.Get(models.SessionKey{ProjectID: "proj-1", Agent: models.AgentClaude})
		return ok && sess.NativeSessionID == "native-123"
	})
}

func TestRunDoesNotUpdateSessionWithoutAssistantText(t *testing.T) {
	o, _, claude, stop := testOrchestrator(t)
	defer stop()

	claude.queueRun([]models.CanonicalEvent{
		{Type: models.EventSessionInfo, SessionInfo: &models.SessionInfoPayload{NativeSessionID: "native-456"}},
		{Type: models.EventStatus, Status: &models.StatusPayload{Phase: models.PhaseComplete}},
	}, nil)

	id := o.Submit(SubmitRequest{Instruction: "silent run", Agent: models.AgentClaude})
	waitForCondition(t, func() bool { return o.LastStats().RequestID == id })

	if _, ok := o.sess.Get(models.SessionKey{ProjectID: "proj-1", Agent: models.AgentClaude}); ok {
		t.Fatal("expected no session recorded without an assistant_text event")
	}
}

func TestUnmatchedToolCallSynthesizesInterruptedResult(t *testing.T) {
	o, _, claude, stop := testOrchestrator(t)
	defer stop()

	callArgs, _ := json.Marshal(map[string]string{"path": "x.go"})
	claude.queuePartialThenBlock([]models.CanonicalEvent{
		{Type: models.EventToolCall, ToolCall: &models.ToolCallPayload{CallID: "call-1", Tool: "read_file", Arguments: callArgs}},
	})

	_, ch, unsub := o.Subscribe(16)
	defer unsub()

	id := o.Submit(SubmitRequest{Instruction: "read a file", Agent: models.AgentClaude})

	// Give the run time to reach the blocked tool call, then cancel it.
	time.Sleep(50 * time.Millisecond)
	if !o.Cancel(id) {
		t.Fatal("expected Cancel to find the in-flight run")
	}

	var sawSyntheticResult bool
	timeout := time.After(3 * time.Second)
	for !sawSyntheticResult {
		select {
		case evt := <-ch:
			if evt.RequestID == id && evt.Type == models.EventToolResult &&
				evt.ToolResult.CallID == "call-1" && !evt.ToolResult.OK && evt.ToolResult.Error == "interrupted" {
				sawSyntheticResult = true
			}
		case <-timeout:
			t.Fatal("timed out waiting for synthesized interrupted tool result")
		}
	}
}

func TestSpawnFailureFallsBackToConfiguredAgent(t *testing.T) {
	cursor := newFakeAdapter(models.AgentCursor)
	claude := newFakeAdapter(models.AgentClaude)
	reg := newFakeRegistry()
	reg.add(cursor)
	reg.add(claude)

	cursor.queueRun(nil, errSpawnFailed{})
	claude.queueRun([]models.CanonicalEvent{
		{Type: models.EventStatus, Status: &models.StatusPayload{Phase: models.PhaseComplete}},
	}, nil)

	msgs := newFakeMessageStore()
	sess := sessionStoreForTest(msgs)
	project := models.Project{ID: "proj-fallback", WorkspacePath: "/tmp/proj-fallback"}
	cfg := config.OrchestratorConfig{
		DefaultRunDeadlineSeconds:     5,
		DefaultStallSeconds:           5,
		IdleOrchestratorLingerSeconds: 1,
		CancelGraceSeconds:            1,
		FallbackAgent:                 models.AgentClaude,
	}
	o := New(project, reg, sess, msgs, fakePrompt(""), cfg, func(string) {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	_, ch, unsub := o.Subscribe(16)
	defer unsub()

	o.Submit(SubmitRequest{Instruction: "fix bug", Agent: models.AgentCursor})

	var sawFellback bool
	timeout := time.After(3 * time.Second)
	for !sawFellback {
		select {
		case evt := <-ch:
			if evt.Type == models.EventStatus && evt.Status.Phase == models.PhaseFellback &&
				evt.Status.From == models.AgentCursor && evt.Status.To == models.AgentClaude {
				sawFellback = true
			}
		case <-timeout:
			t.Fatal("timed out waiting for fallback to be triggered")
		}
	}
}

func TestFallbackNotAttemptedForTimeoutKind(t *testing.T) {
	cursor := newFakeAdapter(models.AgentCursor)
	claude := newFakeAdapter(models.AgentClaude)
	reg := newFakeRegistry()
	reg.add(cursor)
	reg.add(claude)

	cursor.queueBlockingRun()

	msgs := newFakeMessageStore()
	sess := sessionStoreForTest(msgs)
	project := models.Project{ID: "proj-timeout", WorkspacePath: "/tmp/proj-timeout"}
	cfg := config.OrchestratorConfig{
		DefaultRunDeadlineSeconds:     5,
		DefaultStallSeconds:           1, // short stall window so the test completes quickly
		IdleOrchestratorLingerSeconds: 1,
		CancelGraceSeconds:            1,
		FallbackAgent:                 models.AgentClaude,
	}
	o := New(project, reg, sess, msgs, fakePrompt(""), cfg, func(string) {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	_, ch, unsub := o.Subscribe(16)
	defer unsub()

	o.Submit(SubmitRequest{Instruction: "hang", Agent: models.AgentCursor})

	// A stall/deadline timeout cancels the run the same way a user Cancel
	// would, so the adapter's own terminal event (Status{cancelled}) is what
	// a subscriber observes; the fallback policy must not fire for it.
	timeout := time.After(4 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Type == models.EventStatus && evt.Status.Phase == models.PhaseFellback {
				t.Fatal("timeout-kind failures must not trigger the fallback policy")
			}
			if evt.Type == models.EventStatus && evt.Status.Phase == models.PhaseCancelled {
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for the stalled run to end")
		}
	}
}

type errSpawnFailed struct{}

func (errSpawnFailed) Error() string { return "spawn failed: binary not found" }

// classifier lets models.ClassifyError recognize this as ErrKindSpawnFailed.
func (errSpawnFailed) CanonicalKind() models.ErrorKind { return models.ErrKindSpawnFailed }
