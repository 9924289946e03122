// Package server exposes the HTTP surface: platform webhooks, workflow
// invocation, health, and metrics, with bounded request bodies and a global
// task concurrency gate.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/semaphore"

	"github.com/aofdev/aof/agent"
	"github.com/aofdev/aof/fleet"
	"github.com/aofdev/aof/observability"
	"github.com/aofdev/aof/store"
	"github.com/aofdev/aof/trigger"
	"github.com/aofdev/aof/workflow"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8080"
	// MaxBodyBytes caps inbound request bodies.
	MaxBodyBytes = 10 << 20
	// RequestTimeout bounds request handling.
	RequestTimeout = 30 * time.Second
	// MaxConcurrentTasks gates simultaneous workflow/fleet executions.
	MaxConcurrentTasks = 10
	// DrainTimeout bounds graceful shutdown.
	DrainTimeout = 30 * time.Second
)

// Server routes inbound traffic to triggers, workflows, and fleets.
type Server struct {
	addr        string
	agents      *agent.Registry
	workflows   map[string]*workflow.Executor
	fleets      map[string]*fleet.Coordinator
	triggers    map[string]*trigger.Handler
	metrics     *observability.Metrics
	runs        store.Store
	sem         *semaphore.Weighted
	corsOrigins []string
	logger      *slog.Logger
	httpServer  *http.Server
}

// Option customizes a server.
type Option func(*Server)

func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

func WithWorkflow(exec *workflow.Executor) Option {
	return func(s *Server) { s.workflows[exec.Name()] = exec }
}

func WithFleet(coord *fleet.Coordinator) Option {
	return func(s *Server) { s.fleets[coord.Name()] = coord }
}

// WithTrigger routes POST /webhook/<platform> to the handler.
func WithTrigger(platform string, h *trigger.Handler) Option {
	return func(s *Server) { s.triggers[strings.ToLower(platform)] = h }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithStore(st store.Store) Option {
	return func(s *Server) { s.runs = st }
}

// WithCORS allows cross-origin requests from the listed origins ("*" for
// any).
func WithCORS(origins ...string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// New builds a server around an agent registry.
func New(agents *agent.Registry, opts ...Option) *Server {
	s := &Server{
		addr:      DefaultAddr,
		agents:    agents,
		workflows: make(map[string]*workflow.Executor),
		fleets:    make(map[string]*fleet.Coordinator),
		triggers:  make(map[string]*trigger.Handler),
		runs:      store.NewMemoryStore(),
		sem:       semaphore.NewWeighted(MaxConcurrentTasks),
		logger:    slog.Default().With("component", "server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterTrigger routes POST /webhook/<platform> to the handler. Triggers
// may be registered after construction; the webhook route resolves at
// request time.
func (s *Server) RegisterTrigger(platform string, h *trigger.Handler) {
	s.triggers[strings.ToLower(platform)] = h
}

// Router assembles the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(RequestTimeout))
	r.Use(s.limitBody)
	if len(s.corsOrigins) > 0 {
		r.Use(s.cors)
	}

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	r.Post("/webhook/{platform}", s.handleWebhook)
	r.Post("/workflow/{name}", s.handleWorkflow)
	r.Post("/fleet/{name}", s.handleFleet)
	r.Get("/run/{id}", s.handleRun)
	return r
}

// Start serves until ctx is cancelled or SIGINT/SIGTERM arrives, then drains.
func (s *Server) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down", "drain_timeout", DrainTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	platform := strings.ToLower(chi.URLParam(r, "platform"))
	handler, ok := s.triggers[platform]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no trigger for platform %q", platform))
		return
	}
	handler.ServeHTTP(w, r)
}

func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	exec, ok := s.workflows[name]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("workflow %q not found", name))
		return
	}

	var body struct {
		Input map[string]any `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if !s.sem.TryAcquire(1) {
		writeError(w, http.StatusTooManyRequests, "task capacity exhausted")
		return
	}
	defer s.sem.Release(1)

	start := time.Now()
	if s.metrics != nil {
		defer s.metrics.TrackInFlight("workflow")()
	}

	run := exec.NewRun(body.Input)
	state, err := exec.Execute(r.Context(), run)

	status := "completed"
	if err != nil {
		status = "failed"
	}
	if s.metrics != nil {
		s.metrics.ObserveTask("workflow", status, time.Since(start))
	}
	s.persist(r.Context(), state.ID, "workflow", state)

	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"run_id": state.ID,
			"status": state.CurrentStatus(),
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": state.ID,
		"status": state.CurrentStatus(),
		"output": state.Snapshot(),
	})
}

func (s *Server) handleFleet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var body struct {
		Input  string   `json:"input"`
		Type   string   `json:"type"`
		Skills []string `json:"skills"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Input == "" {
		writeError(w, http.StatusBadRequest, "input is required")
		return
	}

	coord, ok := s.fleets[name]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("fleet %q not found", name))
		return
	}

	if !s.sem.TryAcquire(1) {
		writeError(w, http.StatusTooManyRequests, "task capacity exhausted")
		return
	}
	defer s.sem.Release(1)

	start := time.Now()
	if s.metrics != nil {
		defer s.metrics.TrackInFlight("fleet")()
	}

	id := coord.SubmitTaskWithOptions(body.Input, body.Type, body.Skills)
	if _, err := coord.ExecuteNext(r.Context()); err != nil {
		if s.metrics != nil {
			s.metrics.ObserveTask("fleet", "failed", time.Since(start))
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	task, _ := coord.Task(id)
	if s.metrics != nil {
		s.metrics.ObserveTask("fleet", string(task.Status), time.Since(start))
		s.metrics.QueueDepth.WithLabelValues(name).Set(float64(coord.QueueLength()))
	}
	s.persist(r.Context(), id, "fleet", task)

	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": id,
		"status":  task.Status,
		"result":  task.Result,
		"error":   task.Error,
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.runs.Get(r.Context(), id)
	if err != nil {
		var notFound *store.ErrNotFound
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Dispatch implements trigger.FleetDispatcher over the registered fleets.
func (s *Server) Dispatch(ctx context.Context, fleetName, input string) (string, error) {
	coord, ok := s.fleets[fleetName]
	if !ok {
		return "", fmt.Errorf("fleet %q not found", fleetName)
	}
	id := coord.SubmitTask(input)
	if _, err := coord.ExecuteNext(ctx); err != nil {
		return "", err
	}
	task, ok := coord.Task(id)
	if !ok {
		return "", fmt.Errorf("fleet task %q lost", id)
	}
	if task.Error != "" {
		return "", errors.New(task.Error)
	}
	response, _ := task.Result["response"].(string)
	return response, nil
}

func (s *Server) persist(ctx context.Context, runID, kind string, state any) {
	if s.runs == nil {
		return
	}
	rec, err := store.Snapshot(runID, kind, state)
	if err != nil {
		s.logger.Warn("failed to snapshot run", "run", runID, "error", err)
		return
	}
	if err := s.runs.Put(ctx, rec); err != nil {
		s.logger.Warn("failed to persist run", "run", runID, "error", err)
	}
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.corsOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
