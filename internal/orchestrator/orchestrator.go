// Package orchestrator implements the Project Orchestrator (C4): one
// single-threaded run loop per project that serializes instructions,
// drives the adapter subprocess, fans canonical events out to the Message
// Store and to subscribers, and applies the timeout/cancellation/fallback
// policy described in spec.md §4.4.
package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cliorch/cliorchd/internal/adapter"
	"github.com/cliorch/cliorchd/internal/config"
	"github.com/cliorch/cliorchd/internal/observability"
	"github.com/cliorch/cliorchd/internal/session"
	"github.com/cliorch/cliorchd/internal/store"
	"github.com/cliorch/cliorchd/pkg/models"
)

// SubmitRequest is the orchestrator's submit(request) payload, per spec.md
// §4.4.
type SubmitRequest struct {
	Instruction     string
	ImagePaths      []string
	Agent           models.AgentKind
	Model           models.ModelId
	IsInitial       bool
	DeadlineSeconds int // 0 means use the orchestrator's configured default
}

// queuedRun is a SubmitRequest plus the bookkeeping the run loop needs.
type queuedRun struct {
	req       SubmitRequest
	requestID string

	// fellBackFrom is set when this run was synthesized by the fallback
	// policy, so the run loop can emit Status{fellback,from,to} before
	// starting it and so a second fallback is never attempted.
	fellBackFrom models.AgentKind
	isFallback   bool

	// staleRetry marks a run synthesized by the one-shot session_stale
	// retry (spec.md §4.1/S5), so a second session_stale terminus on the
	// retry itself is never retried again.
	staleRetry bool

	cancelMu sync.Mutex
	cancel   context.CancelFunc // set once the run is dequeued and started
	started  bool
	done     bool
}

// adapterSource is the subset of *registry.Registry the orchestrator needs,
// narrowed to an interface so tests can supply a fake registry without
// spawning real CLI subprocesses.
type adapterSource interface {
	Get(kind models.AgentKind) (adapter.Adapter, error)
	RecordSpawnResult(kind models.AgentKind, err error)
	AccessToken(ctx context.Context, kind models.AgentKind) (string, error)
}

// Orchestrator is one project's single-threaded executor. Construct with
// New; call Run in its own goroutine.
type Orchestrator struct {
	project models.Project
	reg     adapterSource
	sess    *session.Store
	msgs    store.MessageStore
	prompt  promptSource
	cfg     config.OrchestratorConfig

	reqCounter    uint64
	processSuffix string

	mu                sync.Mutex
	queue             []*queuedRun
	current           *queuedRun
	initializedAgents map[models.AgentKind]bool
	lastStats         models.RunStats

	wake chan struct{}
	done chan struct{}
	once sync.Once

	subMu     sync.RWMutex
	subs      map[uint64]chan models.CanonicalEvent
	nextSubID uint64

	onIdle  func(projectID string)
	metrics *observability.Metrics
	events  *observability.EventRecorder
}

// SetMetrics wires a Prometheus metrics sink, grounded on the teacher's
// canvasManager.SetMetrics post-construction injection. A nil sink (the
// zero value) leaves every call below a no-op, so tests that construct an
// Orchestrator directly never need to supply one.
func (o *Orchestrator) SetMetrics(m *observability.Metrics) {
	o.metrics = m
}

// SetEvents wires the run-timeline recorder, following the same
// post-construction injection as SetMetrics. A nil recorder leaves every
// call site below a no-op.
func (o *Orchestrator) SetEvents(r *observability.EventRecorder) {
	o.events = r
}

// promptSource is the subset of store.SystemPromptLoader the orchestrator
// needs, narrowed to an interface so tests can supply a fixed string.
type promptSource interface {
	Current() string
}

// New builds an Orchestrator for project. onIdle is invoked exactly once,
// from the run loop's own goroutine, when the orchestrator has no
// subscribers and no pending work for cfg.IdleLinger() — the owning
// Manager uses it to remove the entry from its table.
func New(project models.Project, reg adapterSource, sess *session.Store, msgs store.MessageStore, prompt promptSource, cfg config.OrchestratorConfig, onIdle func(projectID string)) *Orchestrator {
	return &Orchestrator{
		project:           project,
		reg:               reg,
		sess:              sess,
		msgs:              msgs,
		prompt:            prompt,
		cfg:               cfg,
		processSuffix:     randomSuffix(),
		initializedAgents: make(map[models.AgentKind]bool),
		wake:              make(chan struct{}, 1),
		done:              make(chan struct{}),
		subs:              make(map[uint64]chan models.CanonicalEvent),
		onIdle:            onIdle,
	}
}

func randomSuffix() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "0000"
	}
	return hex.EncodeToString(b[:])
}

// Submit enqueues request and returns its request id immediately.
func (o *Orchestrator) Submit(req SubmitRequest) string {
	return o.enqueue(req, "", false, false)
}

func (o *Orchestrator) enqueue(req SubmitRequest, fellBackFrom models.AgentKind, isFallback, staleRetry bool) string {
	id := fmt.Sprintf("%d-%s", atomic.AddUint64(&o.reqCounter, 1), o.processSuffix)
	run := &queuedRun{req: req, requestID: id, fellBackFrom: fellBackFrom, isFallback: isFallback, staleRetry: staleRetry}

	o.mu.Lock()
	o.queue = append(o.queue, run)
	depth := len(o.queue)
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.SetQueueDepth(o.project.ID, depth)
	}

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return id
}

// Cancel sets the cancel signal on requestID, whether it is the currently
// running request or still queued. Returns false if no matching request is
// known.
func (o *Orchestrator) Cancel(requestID string) bool {
	o.mu.Lock()
	if o.current != nil && o.current.requestID == requestID {
		run := o.current
		o.mu.Unlock()
		run.cancelMu.Lock()
		cancel := run.cancel
		run.cancelMu.Unlock()
		if cancel != nil {
			cancel()
		}
		return true
	}

	for i, run := range o.queue {
		if run.requestID == requestID {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			o.mu.Unlock()
			o.emitSynthetic(run.requestID, run.req.Agent, models.CanonicalEvent{
				Type:   models.EventStatus,
				Status: &models.StatusPayload{Phase: models.PhaseCancelled},
			})
			return true
		}
	}
	o.mu.Unlock()
	return false
}

// Subscribe registers a new subscriber channel. The returned unsubscribe
// function must be called exactly once when the caller disconnects.
func (o *Orchestrator) Subscribe(buffer int) (id uint64, ch <-chan models.CanonicalEvent, unsubscribe func()) {
	if buffer <= 0 {
		buffer = 512
	}
	o.subMu.Lock()
	o.nextSubID++
	id = o.nextSubID
	out := make(chan models.CanonicalEvent, buffer)
	o.subs[id] = out
	o.subMu.Unlock()

	return id, out, func() {
		o.subMu.Lock()
		if c, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(c)
		}
		o.subMu.Unlock()
		select {
		case o.wake <- struct{}{}: // nudge the idle check
		default:
		}
	}
}

func (o *Orchestrator) subscriberCount() int {
	o.subMu.RLock()
	defer o.subMu.RUnlock()
	return len(o.subs)
}

func (o *Orchestrator) broadcast(evt models.CanonicalEvent) {
	o.subMu.RLock()
	defer o.subMu.RUnlock()
	for _, ch := range o.subs {
		select {
		case ch <- evt:
		default:
			// A subscriber-specific backpressure/disconnect policy belongs to
			// the Subscription Hub (internal/hub), which owns the real
			// per-subscriber bounded queue and slow_consumer disconnect; this
			// raw broadcast channel is sized generously and only drops if the
			// Hub itself is badly behind, which the Hub's own queue should
			// already have caught.
		}
	}
}

// Project returns the project this orchestrator was constructed for, so the
// Subscription Hub can validate image attachment paths against the
// workspace without duplicating the Project Store lookup.
func (o *Orchestrator) Project() models.Project {
	return o.project
}

// LastStats returns the most recently finished run's statistics.
func (o *Orchestrator) LastStats() models.RunStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastStats
}

// Shutdown cancels the in-flight run, drains the queue as cancelled, and
// closes every subscriber channel.
func (o *Orchestrator) Shutdown() {
	o.once.Do(func() {
		o.mu.Lock()
		if o.current != nil {
			run := o.current
			o.mu.Unlock()
			run.cancelMu.Lock()
			cancel := run.cancel
			run.cancelMu.Unlock()
			if cancel != nil {
				cancel()
			}
			o.mu.Lock()
		}
		pending := o.queue
		o.queue = nil
		o.mu.Unlock()

		for _, run := range pending {
			o.emitSynthetic(run.requestID, run.req.Agent, models.CanonicalEvent{
				Type:   models.EventStatus,
				Status: &models.StatusPayload{Phase: models.PhaseCancelled},
			})
		}

		close(o.done)

		o.subMu.Lock()
		for id, ch := range o.subs {
			close(ch)
			delete(o.subs, id)
		}
		o.subMu.Unlock()
	})
}

// Run is the single-threaded loop; call it in its own goroutine. It returns
// when Shutdown is called or the idle-linger teardown fires.
func (o *Orchestrator) Run(ctx context.Context) {
	var idleTimer *time.Timer
	defer func() {
		if idleTimer != nil {
			idleTimer.Stop()
		}
	}()

	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			o.mu.Unlock()

			if o.subscriberCount() == 0 {
				if idleTimer == nil {
					idleTimer = time.NewTimer(o.cfg.IdleLinger())
				}
				select {
				case <-o.wake:
					if !idleTimer.Stop() {
						<-idleTimer.C
					}
					idleTimer = nil
					continue
				case <-idleTimer.C:
					idleTimer = nil
					if o.onIdle != nil {
						o.onIdle(o.project.ID)
					}
					return
				case <-o.done:
					return
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-o.wake:
				continue
			case <-o.done:
				return
			case <-ctx.Done():
				return
			}
		}

		run := o.queue[0]
		o.queue = o.queue[1:]
		o.current = run
		depth := len(o.queue)
		o.mu.Unlock()

		if o.metrics != nil {
			o.metrics.SetQueueDepth(o.project.ID, depth)
			o.metrics.RunStarted(o.project.ID, string(run.req.Agent))
		}

		if idleTimer != nil {
			idleTimer.Stop()
			idleTimer = nil
		}

		o.execute(ctx, run)

		o.mu.Lock()
		o.current = nil
		o.mu.Unlock()
	}
}
