package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cliorch/cliorchd/internal/adapter"
	"github.com/cliorch/cliorchd/internal/observability"
	"github.com/cliorch/cliorchd/pkg/models"
)

// eventContext tags a fresh background context with run's request id, this
// orchestrator's project id, and run's agent kind, so EventRecorder's
// Record/RecordError pick them up automatically. A background context is
// used rather than the run's own runCtx because events must still be
// recorded after runCtx is cancelled (timeout, user cancel).
func (o *Orchestrator) eventContext(run *queuedRun) context.Context {
	ctx := observability.AddRequestID(context.Background(), run.requestID)
	ctx = observability.AddProjectID(ctx, o.project.ID)
	return observability.AddAgent(ctx, string(run.req.Agent))
}

// execute runs one queued request to completion: resolves the system
// prompt and session, initializes the adapter if needed, starts the
// subprocess, forwards every canonical event to persistence and
// subscribers while enforcing the stall/deadline timers, updates the
// session on a terminal event, and applies the fallback policy.
func (o *Orchestrator) execute(ctx context.Context, run *queuedRun) {
	runCtx, cancel := context.WithCancel(ctx)
	run.cancelMu.Lock()
	run.cancel = cancel
	run.cancelMu.Unlock()
	defer cancel()

	if run.isFallback {
		o.emitSynthetic(run.requestID, run.req.Agent, models.CanonicalEvent{
			Type:   models.EventStatus,
			Status: &models.StatusPayload{Phase: models.PhaseFellback, From: run.fellBackFrom, To: run.req.Agent},
		})
	}

	a, err := o.reg.Get(run.req.Agent)
	if err != nil {
		o.emitSynthetic(run.requestID, run.req.Agent, models.CanonicalEvent{
			Type:  models.EventError,
			Error: &models.ErrorPayload{Kind: models.ErrKindInternal, Message: err.Error()},
		})
		o.emitSynthetic(run.requestID, run.req.Agent, models.CanonicalEvent{
			Type:   models.EventStatus,
			Status: &models.StatusPayload{Phase: models.PhaseFailed},
		})
		return
	}

	key := models.SessionKey{ProjectID: o.project.ID, Agent: run.req.Agent}
	sess, _ := o.sess.Get(key)

	if !o.agentInitialized(run.req.Agent) {
		if err := a.Initialize(runCtx, o.project.WorkspacePath, o.prompt.Current()); err != nil {
			o.reg.RecordSpawnResult(run.req.Agent, err)
			kind := models.ClassifyError(err)
			if kind == models.ErrKindInternal {
				kind = models.ErrKindSpawnFailed
			}
			o.failRun(run, kind, err.Error())
			return
		}
		o.markAgentInitialized(run.req.Agent)
	}

	model := run.req.Model
	if model == "" {
		model = sess.LastModel
	}

	deadline := o.cfg.RunDeadline()
	if run.req.DeadlineSeconds > 0 {
		deadline = time.Duration(run.req.DeadlineSeconds) * time.Second
	}

	var extraEnv map[string]string
	if token, err := o.reg.AccessToken(runCtx, run.req.Agent); err != nil {
		o.reg.RecordSpawnResult(run.req.Agent, err)
		o.failRun(run, models.ErrKindAuthMissing, err.Error())
		return
	} else if token != "" {
		extraEnv = map[string]string{strings.ToUpper(string(run.req.Agent)) + "_ACCESS_TOKEN": token}
	}

	events, err := a.Run(runCtx, adapter.RunRequest{
		Workspace:      o.project.WorkspacePath,
		Instruction:    run.req.Instruction,
		Model:          model,
		PriorSessionID: sess.NativeSessionID,
		SystemPrompt:   o.prompt.Current(),
		ImagePaths:     run.req.ImagePaths,
		RequestID:      run.requestID,
		ExtraEnv:       extraEnv,
	}, o.cfg.CancelGrace())
	if err != nil {
		o.reg.RecordSpawnResult(run.req.Agent, err)
		o.failRun(run, models.ClassifyError(err), err.Error())
		return
	}
	o.reg.RecordSpawnResult(run.req.Agent, nil)

	o.runLoop(runCtx, cancel, run, key, model, events, deadline)
}

// failRun emits the Error+Status{failed} pair for a spawn/initialize-time
// failure that never produced an adapter event stream, then applies the
// fallback policy exactly as a mid-stream failure would.
func (o *Orchestrator) failRun(run *queuedRun, kind models.ErrorKind, message string) {
	o.emitSynthetic(run.requestID, run.req.Agent, models.CanonicalEvent{
		Type:  models.EventError,
		Error: &models.ErrorPayload{Kind: kind, Message: message},
	})
	o.emitSynthetic(run.requestID, run.req.Agent, models.CanonicalEvent{
		Type:   models.EventStatus,
		Status: &models.StatusPayload{Phase: models.PhaseFailed},
	})
	if o.metrics != nil {
		o.metrics.RecordError(string(run.req.Agent), string(kind))
		o.metrics.RunFinished(o.project.ID, string(run.req.Agent), string(models.PhaseFailed), 0)
	}
	if o.events != nil {
		o.events.RecordRunEnd(o.eventContext(run), 0, fmt.Errorf("%s: %s", kind, message))
	}
	o.handleTerminalFailure(run, kind)
}

// runLoop forwards the adapter's event stream to persistence and
// subscribers, enforcing the stall and deadline timers, and reacts to the
// terminal Status.
func (o *Orchestrator) runLoop(ctx context.Context, cancel context.CancelFunc, run *queuedRun, key models.SessionKey, model models.ModelId, events <-chan models.CanonicalEvent, deadline time.Duration) {
	stats := newStatsCollector(run.requestID, run.req.Agent)
	stats.metrics = o.metrics
	started := time.Now()

	if o.events != nil {
		o.events.RecordRunStart(o.eventContext(run), run.requestID, map[string]interface{}{
			"agent": string(run.req.Agent),
			"model": string(model),
		})
	}

	stallTimer := time.NewTimer(o.cfg.StallWindow())
	deadlineTimer := time.NewTimer(deadline)
	defer stallTimer.Stop()
	defer deadlineTimer.Stop()

	var sawSessionInfo string
	var sawAssistantText bool
	var timedOut bool
	var terminalPhase models.StatusPhase
	pendingTools := make(map[string]struct{})
	toolStarted := make(map[string]time.Time)
	toolNames := make(map[string]string)

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				goto done
			}
			if !stallTimer.Stop() {
				select {
				case <-stallTimer.C:
				default:
				}
			}
			stallTimer.Reset(o.cfg.StallWindow())

			evt.ProjectID = o.project.ID
			evt.Seq = o.sess.NextSeq(key)
			stats.onEvent(evt)

			switch evt.Type {
			case models.EventSessionInfo:
				if evt.SessionInfo != nil {
					sawSessionInfo = evt.SessionInfo.NativeSessionID
				}
			case models.EventAssistantText:
				sawAssistantText = true
			case models.EventToolCall:
				if evt.ToolCall != nil {
					pendingTools[evt.ToolCall.CallID] = struct{}{}
					toolStarted[evt.ToolCall.CallID] = time.Now()
					toolNames[evt.ToolCall.CallID] = evt.ToolCall.Tool
					if o.events != nil {
						o.events.RecordToolStart(o.eventContext(run), evt.ToolCall.Tool, evt.ToolCall.Arguments)
					}
				}
			case models.EventToolResult:
				if evt.ToolResult != nil {
					delete(pendingTools, evt.ToolResult.CallID)
					if o.events != nil {
						name := toolNames[evt.ToolResult.CallID]
						toolDuration := time.Since(toolStarted[evt.ToolResult.CallID])
						var toolErr error
						if !evt.ToolResult.OK {
							toolErr = errors.New(evt.ToolResult.Error)
						}
						o.events.RecordToolEnd(o.eventContext(run), name, toolDuration, evt.ToolResult.Output, toolErr)
					}
					delete(toolStarted, evt.ToolResult.CallID)
					delete(toolNames, evt.ToolResult.CallID)
				}
			case models.EventStatus:
				if evt.Status != nil {
					terminalPhase = evt.Status.Phase
				}
			}

			o.persist(ctx, evt)
			o.broadcast(evt)

		case <-stallTimer.C:
			if !timedOut {
				timedOut = true
				cancel()
			}

		case <-deadlineTimer.C:
			if !timedOut {
				timedOut = true
				cancel()
			}
		}
	}

done:
	// Any ToolCall that never received a matching ToolResult by the time
	// the run ended (cancelled, timed out, or crashed mid-stream) gets a
	// synthesized failure result, so every tool call a subscriber observed
	// has a deterministic outcome instead of hanging forever.
	for callID := range pendingTools {
		synthetic := models.CanonicalEvent{
			Type:       models.EventToolResult,
			ToolResult: &models.ToolResultPayload{CallID: callID, OK: false, Error: "interrupted"},
		}
		stats.onEvent(synthetic)
		o.emitSynthetic(run.requestID, run.req.Agent, synthetic)
	}

	o.mu.Lock()
	o.lastStats = *stats.stats()
	o.mu.Unlock()

	if timedOut && terminalPhase != models.PhaseCancelled {
		// The adapter's own cancellation path already emits
		// Status{cancelled}; this only covers the rare race where the
		// channel closed before the cancel signal reached driveProcess.
		o.emitSynthetic(run.requestID, run.req.Agent, models.CanonicalEvent{
			Type:  models.EventError,
			Error: &models.ErrorPayload{Kind: models.ErrKindTimeout, Message: "run exceeded stall window or deadline"},
		})
		o.emitSynthetic(run.requestID, run.req.Agent, models.CanonicalEvent{
			Type:   models.EventStatus,
			Status: &models.StatusPayload{Phase: models.PhaseFailed},
		})
		terminalPhase = models.PhaseFailed
	}

	if sawSessionInfo != "" && sawAssistantText {
		o.sess.RecordSessionInfo(o.project.ID, run.req.Agent, sawSessionInfo, model)
	}

	if o.metrics != nil {
		o.metrics.RunFinished(o.project.ID, string(run.req.Agent), string(terminalPhase), time.Since(started).Seconds())
	}

	if o.events != nil {
		var runErr error
		if terminalPhase == models.PhaseFailed {
			runErr = fmt.Errorf("run terminated with status %s", terminalPhase)
		}
		o.events.RecordRunEnd(o.eventContext(run), time.Since(started), runErr)
	}

	if terminalPhase == models.PhaseFailed && !timedOut {
		o.handleTerminalFailure(run, stats.lastErrorKind)
	}
}

// handleTerminalFailure routes a failed run's terminal error kind to
// whichever one-shot retry policy applies: the session_stale resume-reject
// retry (spec.md §4.1/S5) takes precedence since it is a narrower, more
// specific case than the general fallback policy, and the two are mutually
// exclusive per kind (FallbackEligible is deliberately false for
// session_stale).
func (o *Orchestrator) handleTerminalFailure(run *queuedRun, kind models.ErrorKind) {
	if o.maybeRetryStaleSession(run, kind) {
		return
	}
	o.maybeFallback(run, kind)
}

// maybeRetryStaleSession implements spec.md §4.1's one-shot retry for a
// resume rejected by the CLI: clear the stored native session id for this
// (project, agent) and re-enqueue the same request with no prior session.
// Returns true if a retry was enqueued, so the caller skips the fallback
// policy (session_stale is never fallback-eligible in its own right — this
// is its dedicated retry path instead).
func (o *Orchestrator) maybeRetryStaleSession(run *queuedRun, kind models.ErrorKind) bool {
	if kind != models.ErrKindSessionStale || run.staleRetry {
		return false
	}
	o.sess.ClearNativeSession(models.SessionKey{ProjectID: o.project.ID, Agent: run.req.Agent})
	slog.Default().With("component", "orchestrator").Info("retrying without prior session",
		"project_id", o.project.ID, "agent", run.req.Agent, "request_id", run.requestID)
	o.enqueue(run.req, run.fellBackFrom, run.isFallback, true)
	return true
}

// maybeFallback implements spec.md §4.4's fallback policy: retry once
// against the configured fallback agent when the failure kind is
// fallback-eligible and this run was not already the fallback attempt.
func (o *Orchestrator) maybeFallback(run *queuedRun, kind models.ErrorKind) {
	if run.isFallback {
		return
	}
	if !kind.FallbackEligible() {
		return
	}
	if run.req.Agent == o.cfg.FallbackAgent {
		return
	}
	slog.Default().With("component", "orchestrator").Info("falling back",
		"project_id", o.project.ID, "from", run.req.Agent, "to", o.cfg.FallbackAgent, "request_id", run.requestID)

	if o.metrics != nil {
		o.metrics.RecordFallback(string(run.req.Agent), string(o.cfg.FallbackAgent), string(kind))
	}
	if o.events != nil {
		o.events.RecordFallback(o.eventContext(run), string(run.req.Agent), string(o.cfg.FallbackAgent), string(kind))
	}

	fallbackReq := run.req
	fallbackReq.Agent = o.cfg.FallbackAgent
	o.enqueue(fallbackReq, run.req.Agent, true, false)
}

func (o *Orchestrator) agentInitialized(kind models.AgentKind) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.initializedAgents[kind]
}

func (o *Orchestrator) markAgentInitialized(kind models.AgentKind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.initializedAgents[kind] = true
}

// emitSynthetic stamps, persists, and broadcasts an event the orchestrator
// generates itself rather than receiving from an adapter stream (queued
// cancellation, shutdown drain, spawn-time failure).
func (o *Orchestrator) emitSynthetic(requestID string, agentKind models.AgentKind, evt models.CanonicalEvent) {
	evt.ProjectID = o.project.ID
	evt.RequestID = requestID
	evt.Agent = agentKind
	evt.Time = time.Now()
	evt.Seq = o.sess.NextSeq(models.SessionKey{ProjectID: o.project.ID, Agent: agentKind})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o.persist(ctx, evt)
	o.broadcast(evt)
}

// persist appends evt to the Message Store. A persistence failure
// terminates the run with Status{failed, kind=internal} per spec.md §7 — it
// is surfaced as a log line here; the run's own runLoop already observed
// whatever terminal status the adapter emitted, so a store outage is
// reported but does not re-enter the state machine.
func (o *Orchestrator) persist(ctx context.Context, evt models.CanonicalEvent) {
	if err := o.msgs.Append(ctx, evt); err != nil {
		slog.Default().With("component", "orchestrator").Error("message store append failed",
			"project_id", o.project.ID, "request_id", evt.RequestID, "error", err)
	}
}
