// Package hub implements the Subscription Hub (C5): the WebSocket surface
// spec.md §4.5/§6 describes, bridging external subscribers to the Project
// Orchestrator Manager. Grounded on internal/gateway/ws_control_plane.go's
// wsControlPlane/wsSession shape, generalized from the teacher's per-message
// req/res/event frame protocol to the submit/cancel/subscribe_from_seq
// vocabulary this domain names.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cliorch/cliorchd/internal/config"
	"github.com/cliorch/cliorchd/internal/observability"
	"github.com/cliorch/cliorchd/internal/orchestrator"
	"github.com/cliorch/cliorchd/internal/store"
	"github.com/cliorch/cliorchd/pkg/models"
)

// Hub upgrades incoming HTTP requests to WebSocket connections and bridges
// each one to one project's Orchestrator.
type Hub struct {
	mgr       *orchestrator.Manager
	msgs      store.MessageStore
	hubCfg    config.HubConfig
	serverCfg config.ServerConfig
	authn     *Authenticator
	upgrader  websocket.Upgrader
	metrics   *observability.Metrics
}

// SetMetrics wires a Prometheus metrics sink, grounded on the teacher's
// canvasManager.SetMetrics post-construction injection.
func (h *Hub) SetMetrics(m *observability.Metrics) {
	h.metrics = m
}

// NewHub builds a Hub. mgr resolves/creates the per-project Orchestrator;
// msgs serves join/replay reads; authn gates connections (nil disables
// auth); hubCfg/serverCfg carry the buffering, replay, and keepalive
// settings from spec.md §4.5.
func NewHub(mgr *orchestrator.Manager, msgs store.MessageStore, authn *Authenticator, hubCfg config.HubConfig, serverCfg config.ServerConfig) *Hub {
	return &Hub{
		mgr:       mgr,
		msgs:      msgs,
		authn:     authn,
		hubCfg:    hubCfg,
		serverCfg: serverCfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements the Hub's single endpoint (config.ServerConfig.WSPath,
// default "/v1/subscribe"). Unlike the teacher's handshake-by-frame
// (wsConnectParams), this domain's inbound vocabulary names only
// submit/cancel/subscribe_from_seq, so the project id and bearer token are
// read from the upgrade request itself: a "project_id" query parameter and
// an "Authorization: Bearer <token>" header.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	projectID := strings.TrimSpace(r.URL.Query().Get("project_id"))
	if projectID == "" {
		http.Error(w, "project_id is required", http.StatusBadRequest)
		return
	}

	if _, err := h.authn.Authenticate(bearerToken(r)); err != nil {
		conn, upErr := h.upgrader.Upgrade(w, r, nil)
		if upErr != nil {
			return
		}
		closeWithCode(conn, closeCodeUnauthorized, "unauthorized")
		return
	}

	o, err := h.mgr.Get(r.Context(), projectID)
	if err != nil {
		conn, upErr := h.upgrader.Upgrade(w, r, nil)
		if upErr != nil {
			return
		}
		closeWithCode(conn, closeCodeProjectUnknown, "unknown project")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &connSession{
		hub:       h,
		orch:      o,
		conn:      conn,
		projectID: projectID,
		ctx:       ctx,
		cancel:    cancel,
		id:        uuid.NewString(),
		queue:     newSubscriberQueue(h.hubCfg.SubscriberQueueCapacity),
		rawOut:    make(chan []byte, 16),
	}
	if h.metrics != nil {
		h.metrics.ConnectionOpened()
		h.metrics.SubscriptionOpened(projectID)
	}
	sess.run()
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[len("bearer "):])
	}
	return ""
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

// connSession is one subscriber's live connection: a join/replay, a
// submit/cancel/subscribe_from_seq inbound reader, and a queue-draining
// outbound writer. Grounded on the teacher's wsSession (run/readLoop/
// writeLoop split across goroutines joined by ctx.Done()).
type connSession struct {
	hub       *Hub
	orch      *orchestrator.Orchestrator
	conn      *websocket.Conn
	projectID string

	ctx    context.Context
	cancel context.CancelFunc
	id     string

	queue *subscriberQueue

	// rawOut carries control frames (submit acks, errors) that don't fit
	// the CanonicalEvent-shaped subscriberQueue. writeLoop is the only
	// goroutine that ever calls conn.WriteMessage, so every outbound frame
	// — event or control — is funneled through it via one of these two
	// channels, matching the teacher's single-writer wsSession.send pattern.
	rawOut chan []byte

	unsubscribe func()

	lastSeqMu sync.Mutex
	lastSeq   uint64
}

func (s *connSession) run() {
	defer s.close()

	if err := s.join(s.ctx); err != nil {
		slog.Default().With("component", "hub").Warn("join failed", "project_id", s.projectID, "err", err)
		return
	}

	go s.writeLoop()
	s.readLoop()
}

func (s *connSession) close() {
	s.cancel()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.queue.close()
	closeWithCode(s.conn, closeCodeNormal, "bye")
	s.lastSeqMu.Lock()
	lastSeq := s.lastSeq
	s.lastSeqMu.Unlock()
	dropped := s.queue.droppedCount()
	if s.hub.metrics != nil {
		s.hub.metrics.ConnectionClosed()
		s.hub.metrics.SubscriptionClosed(s.projectID)
		if dropped > 0 {
			s.hub.metrics.EventsDropped.WithLabelValues(s.projectID, string(models.EventAssistantText)).Add(float64(dropped))
		}
	}
	slog.Default().With("component", "hub").Debug("connection closed",
		"conn_id", s.id, "project_id", s.projectID, "last_seq", lastSeq, "dropped", dropped)
}

// join replays the configured default tail of history, then subscribes the
// session to the orchestrator's live broadcast, per spec.md §4.5: "On
// connect for a project, the Hub replays the tail of the project's message
// history ... then streams live events."
func (s *connSession) join(ctx context.Context) error {
	tail, err := s.hub.msgs.ListTail(ctx, s.projectID, s.hub.hubCfg.HistoryReplayDefault)
	if err != nil {
		return fmt.Errorf("replay history: %w", err)
	}
	for _, m := range tail {
		var evt models.CanonicalEvent
		if err := json.Unmarshal(m.BodyJSON, &evt); err != nil {
			continue
		}
		s.queue.push(evt)
		s.setLastSeq(evt.Seq)
	}

	_, ch, unsubscribe := s.orch.Subscribe(s.hub.hubCfg.SubscriberQueueCapacity)
	s.unsubscribe = unsubscribe
	go s.pump(ch)
	return nil
}

// pump forwards the orchestrator's raw broadcast channel into this
// connection's subscriberQueue until either side closes.
func (s *connSession) pump(ch <-chan models.CanonicalEvent) {
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			s.setLastSeq(evt.Seq)
			if !s.queue.push(evt) {
				s.cancel()
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *connSession) setLastSeq(seq uint64) {
	s.lastSeqMu.Lock()
	if seq > s.lastSeq {
		s.lastSeq = seq
	}
	s.lastSeqMu.Unlock()
}

func (s *connSession) keepaliveTimeout() time.Duration {
	secs := s.hub.hubCfg.KeepaliveTimeoutSeconds
	if secs <= 0 {
		secs = 120
	}
	return time.Duration(secs) * time.Second
}

func (s *connSession) keepaliveInterval() time.Duration {
	secs := s.hub.hubCfg.KeepaliveSeconds
	if secs <= 0 {
		secs = 60
	}
	return time.Duration(secs) * time.Second
}

// readLoop enforces the keepalive deadline and dispatches inbound frames,
// per spec.md §4.5's ping/pong keepalive (expect a ping at least every
// keepalive_seconds, disconnect after keepalive_timeout_seconds of
// silence).
func (s *connSession) readLoop() {
	timeout := s.keepaliveTimeout()
	s.conn.SetReadLimit(int64(s.hub.serverCfg.MaxFrameBytes))
	_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(timeout))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(timeout))

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.sendError("", fmt.Sprintf("invalid frame: %v", err))
			continue
		}

		if err := s.handleInbound(env); err != nil {
			s.sendError(env.RequestID, err.Error())
		}
	}
}

func (s *connSession) handleInbound(env envelope) error {
	switch env.Type {
	case literalPing:
		data, _ := json.Marshal(envelope{Type: literalPong})
		return s.enqueueRaw(data)
	case inboundSubmit:
		return s.handleSubmit(env)
	case inboundCancel:
		return s.handleCancel(env)
	case inboundSubscribeFromSeq:
		return s.handleSubscribeFromSeq(env)
	default:
		return fmt.Errorf("unknown frame type %q", env.Type)
	}
}

func (s *connSession) handleSubmit(env envelope) error {
	payload, err := decodeSubmit(env.Data)
	if err != nil {
		return err
	}
	req, err := toSubmitRequest(payload, s.orch.Project().WorkspacePath)
	if err != nil {
		return err
	}
	requestID := s.orch.Submit(req)
	ack := envelope{Type: "submitted", RequestID: requestID}
	data, _ := json.Marshal(ack)
	return s.enqueueRaw(data)
}

// enqueueRaw hands data to writeLoop. It returns an error (rather than
// blocking or silently dropping) when the control-frame lane is already
// full, since that lane only ever carries a handful of acks/errors at a
// time and a full lane means the connection is badly behind.
func (s *connSession) enqueueRaw(data []byte) error {
	select {
	case s.rawOut <- data:
		return nil
	default:
		return fmt.Errorf("hub: control frame lane full")
	}
}

func (s *connSession) handleCancel(env envelope) error {
	payload, err := decodeCancel(env.Data)
	if err != nil {
		return err
	}
	s.orch.Cancel(payload.RequestID)
	return nil
}

// handleSubscribeFromSeq re-joins the stream from a caller-specified seq,
// replaying ListSince(seq) instead of the default tail. Per spec.md §6,
// this lets a reconnecting client resume exactly where it left off rather
// than re-receiving the default window.
func (s *connSession) handleSubscribeFromSeq(env envelope) error {
	payload, err := decodeSubscribeFromSeq(env.Data)
	if err != nil {
		return err
	}
	rows, err := s.hub.msgs.ListSince(s.ctx, s.projectID, payload.Seq, 0)
	if err != nil {
		return fmt.Errorf("replay since seq %d: %w", payload.Seq, err)
	}
	for _, m := range rows {
		var evt models.CanonicalEvent
		if err := json.Unmarshal(m.BodyJSON, &evt); err != nil {
			continue
		}
		s.queue.push(evt)
		s.setLastSeq(evt.Seq)
	}
	return nil
}

func (s *connSession) sendError(requestID, message string) {
	data, _ := json.Marshal(struct {
		Type      string `json:"type"`
		RequestID string `json:"request_id,omitempty"`
		Message   string `json:"message"`
	}{Type: "error", RequestID: requestID, Message: message})
	_ = s.enqueueRaw(data)
}

// writeLoop drains the subscriber queue and the keepalive ping ticker onto
// the wire, closing with slow_consumer if the queue ever reports the
// connection fell behind the non-droppable lane.
func (s *connSession) writeLoop() {
	ticker := time.NewTicker(s.keepaliveInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case data := <-s.rawOut:
			_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case evt, ok := <-s.queue.merged:
			if !ok {
				return
			}
			if s.hub.metrics != nil {
				s.hub.metrics.ObserveSubscriberQueueDepth("lifecycle", len(s.queue.highPri))
				s.hub.metrics.ObserveSubscriberQueueDepth("delta", len(s.queue.lowPri))
			}
			env := eventEnvelope(evt)
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

