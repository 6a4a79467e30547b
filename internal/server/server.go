// Package server composes the orchestration core's components into one
// runnable process: the durable stores, the Adapter Registry, the
// Orchestrator Manager, and the Subscription Hub's HTTP surface. Grounded
// on the teacher's internal/gateway.ManagedServer/Server split, narrowed
// to this domain's much smaller component set (no channel adapters, no
// tool runtime, no web UI).
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cliorch/cliorchd/internal/config"
	"github.com/cliorch/cliorchd/internal/hub"
	"github.com/cliorch/cliorchd/internal/observability"
	"github.com/cliorch/cliorchd/internal/orchestrator"
	"github.com/cliorch/cliorchd/internal/registry"
	"github.com/cliorch/cliorchd/internal/session"
	"github.com/cliorch/cliorchd/internal/store"
	"github.com/cliorch/cliorchd/pkg/models"
)

// Config carries everything Server needs beyond the parsed
// *config.Config: the paths the composition root resolves from CLI flags
// rather than from the ambient config file.
type Config struct {
	Core         *config.Config
	ProjectsPath string // static project registry; see store.LoadStaticProjectStore
	PromptsDir   string // directory of "<project-id>.md" role files; see promptLoaderFactory
	Logger       *slog.Logger
}

// Server owns every long-lived component and the two HTTP listeners
// (the Subscription Hub's WebSocket endpoint and the Prometheus /metrics +
// /healthz endpoint). Construct with New; call Start then, on shutdown,
// Stop.
type Server struct {
	cfg    Config
	logger *slog.Logger

	db             *sql.DB
	msgs           *store.SQLMessageStore
	projects       *store.StaticProjectStore
	sess           *session.Store
	reg            *registry.Registry
	mgr            *orchestrator.Manager
	hub            *hub.Hub
	metrics        *observability.Metrics
	eventStore     *observability.MemoryEventStore
	tracer         *observability.Tracer
	tracerShutdown func(context.Context) error

	promptMu      sync.Mutex
	promptLoaders map[string]*store.SystemPromptLoader

	wsServer      *http.Server
	metricsServer *http.Server

	startTime time.Time
}

// New opens the store, builds every component, and wires metrics into
// each one via SetMetrics — it does not start listening; call Start for
// that.
func New(ctx context.Context, cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := store.OpenDB(ctx, cfg.Core.Store)
	if err != nil {
		return nil, fmt.Errorf("server: open store: %w", err)
	}

	migrator, err := store.NewMigrator(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("server: build migrator: %w", err)
	}
	applied, err := migrator.Up(ctx, 0)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("server: apply migrations: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("applied store migrations", "migrations", applied)
	}

	msgs, err := store.NewSQLMessageStore(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("server: build message store: %w", err)
	}

	projects, err := store.LoadStaticProjectStore(cfg.ProjectsPath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("server: load project store: %w", err)
	}

	sess := session.New(msgs)
	reg := registry.New(cfg.Core.Adapters, cfg.Core.Models)
	authn := hub.NewAuthenticator(cfg.Core.Auth)
	metrics := observability.NewMetrics()
	eventStore := observability.NewMemoryEventStore(2000)

	reg.SetMetrics(metrics)
	reg.SetOAuth(cfg.Core.Auth)

	s := &Server{
		cfg:           cfg,
		logger:        logger,
		db:            db,
		msgs:          msgs,
		projects:      projects,
		sess:          sess,
		reg:           reg,
		metrics:       metrics,
		eventStore:    eventStore,
		promptLoaders: make(map[string]*store.SystemPromptLoader),
	}

	if cfg.Core.Observability.Tracing.Enabled {
		tracer, shutdown := observability.NewTracer(observability.TraceConfig{
			ServiceName:  cfg.Core.Observability.Tracing.ServiceName,
			Endpoint:     cfg.Core.Observability.Tracing.OTLPEndpoint,
			SamplingRate: cfg.Core.Observability.Tracing.SampleRatio,
		})
		s.tracer = tracer
		s.tracerShutdown = shutdown
	}

	mgr := orchestrator.NewManager(projects, reg, sess, msgs, s.promptLoaderFactory, cfg.Core.Orchestrator)
	mgr.SetMetrics(metrics)
	mgr.SetEvents(observability.NewEventRecorder(eventStore, nil))
	s.mgr = mgr

	h := hub.NewHub(mgr, msgs, authn, cfg.Core.Hub, cfg.Core.Server)
	h.SetMetrics(metrics)
	s.hub = h

	return s, nil
}

// promptLoaderFactory builds (or returns the cached) System-Prompt Loader
// for project, reading "<PromptsDir>/<project-id>.md". One loader per
// project is kept alive for the server's lifetime so its fsnotify watch
// survives across runs, matching store.SystemPromptLoader's own hot-reload
// contract. The return type is written as the bare method set the
// orchestrator package's unexported promptSource interface requires —
// Go's structural interface identity makes this assignable to
// orchestrator.PromptLoaderFactory without needing to name that type.
func (s *Server) promptLoaderFactory(project models.Project) (interface{ Current() string }, error) {
	s.promptMu.Lock()
	defer s.promptMu.Unlock()

	if loader, ok := s.promptLoaders[project.ID]; ok {
		return loader, nil
	}

	path := filepath.Join(s.cfg.PromptsDir, project.ID+".md")
	loader, err := store.NewSystemPromptLoader(path, 250*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("server: prompt loader for %s: %w", project.ID, err)
	}
	if err := loader.Watch(); err != nil {
		s.logger.Warn("system prompt hot-reload disabled", "project_id", project.ID, "error", err)
	}
	s.promptLoaders[project.ID] = loader
	return loader, nil
}

// Start opens both HTTP listeners: the Subscription Hub on
// cfg.Core.Server.Host:Port at cfg.Core.Server.WSPath, and Prometheus
// metrics + a liveness probe on cfg.Core.Observability.Metrics.Addr. It
// returns once both listeners are bound; serving happens in background
// goroutines, matching the teacher's startHTTPServer/startGRPCServer split
// in internal/gateway/lifecycle.go.
func (s *Server) Start(ctx context.Context) error {
	s.startTime = time.Now()

	wsMux := http.NewServeMux()
	wsMux.Handle(s.cfg.Core.Server.WSPath, s.hub)

	wsAddr := fmt.Sprintf("%s:%d", s.cfg.Core.Server.Host, s.cfg.Core.Server.Port)
	wsListener, err := net.Listen("tcp", wsAddr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", wsAddr, err)
	}
	s.wsServer = &http.Server{Addr: wsAddr, Handler: wsMux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.wsServer.Serve(wsListener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("hub server error", "error", err)
		}
	}()
	s.logger.Info("subscription hub listening", "addr", wsAddr, "path", s.cfg.Core.Server.WSPath)

	if s.cfg.Core.Observability.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsMux.HandleFunc("/healthz", s.handleHealthz)
		metricsMux.HandleFunc("/debug/timeline", s.handleTimeline)

		metricsListener, err := net.Listen("tcp", s.cfg.Core.Observability.Metrics.Addr)
		if err != nil {
			return fmt.Errorf("server: listen %s: %w", s.cfg.Core.Observability.Metrics.Addr, err)
		}
		s.metricsServer = &http.Server{Addr: s.cfg.Core.Observability.Metrics.Addr, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := s.metricsServer.Serve(metricsListener); err != nil && err != http.ErrServerClosed {
				s.logger.Error("metrics server error", "error", err)
			}
		}()
		s.logger.Info("metrics listening", "addr", s.cfg.Core.Observability.Metrics.Addr)
	}

	return nil
}

// Stop gracefully shuts down both listeners, every live Orchestrator, and
// the database connection pool.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping server")

	if s.wsServer != nil {
		if err := s.wsServer.Shutdown(ctx); err != nil {
			s.logger.Error("hub server shutdown error", "error", err)
		}
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	s.mgr.Close()

	s.promptMu.Lock()
	for _, loader := range s.promptLoaders {
		loader.Close()
	}
	s.promptMu.Unlock()

	if s.tracerShutdown != nil {
		if err := s.tracerShutdown(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("server: close store: %w", err)
	}
	return nil
}

// handleTimeline dumps a run's recorded event timeline as plain text, for
// the doctor command's --timeline flag to fetch. Returns 400 if request_id
// is missing, 404 if nothing was recorded for it (expired from the bounded
// event store or never run on this process).
func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Query().Get("request_id")
	if requestID == "" {
		http.Error(w, "request_id query parameter is required", http.StatusBadRequest)
		return
	}

	events, err := s.eventStore.GetByRequestID(requestID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(events) == 0 {
		http.Error(w, "no events recorded for request_id "+requestID, http.StatusNotFound)
		return
	}

	timeline := observability.BuildTimeline(events)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(observability.FormatTimeline(timeline)))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		http.Error(w, "store unreachable: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
