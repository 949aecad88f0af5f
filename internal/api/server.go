// Package api serves the conversation core over HTTP: a JSON and SSE
// API plus the websocket protocol used by the chat client.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/nugget/kiku/internal/buildinfo"
	"github.com/nugget/kiku/internal/connwatch"
	"github.com/nugget/kiku/internal/llm"
	"github.com/nugget/kiku/internal/memory"
	"github.com/nugget/kiku/internal/orchestrator"
	"github.com/nugget/kiku/internal/router"
)

// Sessions is the per-user conversation surface the server drives.
type Sessions interface {
	OnConnect(ctx context.Context, user string) ([]llm.Message, error)
	OnUserMessage(ctx context.Context, user, text string, emit llm.StreamFunc) (orchestrator.Turn, error)
	OnLogout(user string)
	Recall(ctx context.Context, user, query string, k int) ([]memory.Record, error)
	Status(ctx context.Context, user string) (orchestrator.Status, error)
}

// RouterInfo exposes routing decisions for inspection.
type RouterInfo interface {
	Stats() router.Stats
	AuditLog(limit int) []router.Decision
	Explain(requestID string) *router.Decision
}

// ProviderHealth reports model provider reachability.
type ProviderHealth interface {
	Status() map[string]connwatch.ProviderStatus
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	sessions Sessions
	router   RouterInfo
	health   ProviderHealth
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	server  *http.Server
	closing chan struct{} // closed when Shutdown begins
	sockets sync.WaitGroup
}

// NewServer creates a new API server. rtr may be nil.
func NewServer(address string, port int, sessions Sessions, rtr RouterInfo, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		sessions: sessions,
		router:   rtr,
		logger:   logger.With("component", "api"),
		closing:  make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Handler returns the HTTP handler with every route registered.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.withLogging)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/v1/version", s.handleVersion)

	r.Route("/v1/users/{user}", func(r chi.Router) {
		r.Use(s.requireUser)
		r.Get("/history", s.handleHistory)
		r.Post("/messages", s.handleMessage)
		r.Post("/logout", s.handleLogout)
		r.Get("/memories", s.handleMemories)
		r.Get("/status", s.handleStatus)
		r.Get("/ws", s.handleSocket)
	})

	// Router introspection endpoints
	r.Get("/v1/router/stats", s.handleRouterStats)
	r.Get("/v1/router/audit", s.handleRouterAudit)
	r.Get("/v1/router/explain/{requestID}", s.handleRouterExplain)

	return r
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	srv := s.httpServer(ctx)
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return srv.ListenAndServe()
}

// httpServer builds the listener-side server. Requests inherit ctx's
// values but not its cancellation: in-flight turns finish under
// Shutdown instead of aborting on the shutdown signal.
func (s *Server) httpServer(ctx context.Context) *http.Server {
	base := context.WithoutCancel(ctx)
	return &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		BaseContext: func(_ net.Listener) context.Context { return base },
	}
}

// Shutdown gracefully stops the server, waiting until ctx ends for
// in-flight requests and for open websockets to finish their current
// turn.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	select {
	case <-s.closing:
	default:
		close(s.closing)
	}
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	sockets := make(chan struct{})
	go func() {
		s.sockets.Wait()
		close(sockets)
	}()
	select {
	case <-sockets:
		return err
	case <-ctx.Done():
		return errors.Join(err, fmt.Errorf("websockets still open: %w", ctx.Err()))
	}
}

// trackSocket registers a websocket with Shutdown. It reports false once
// shutdown has begun.
func (s *Server) trackSocket() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closing:
		return false
	default:
		s.sockets.Add(1)
		return true
	}
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

// requireUser rejects user ids that cannot name a session.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !orchestrator.ValidUser(chi.URLParam(r, "user")) {
			s.errorResponse(w, http.StatusBadRequest, "invalid user id")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"name":    "Kiku",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// SetProviderHealth adds provider reachability to /health. Call it
// before Start.
func (s *Server) SetProviderHealth(h ProviderHealth) {
	s.health = h
}

// handleHealth reports "healthy" unless providers are watched and none
// of them is reachable, which is "degraded". The process stays up either
// way; history and memory endpoints keep working without a model.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
		return
	}

	providers := s.health.Status()
	status := "healthy"
	if len(providers) > 0 {
		status = "degraded"
		for _, p := range providers {
			if p.Ready {
				status = "healthy"
				break
			}
		}
	}
	writeJSON(w, map[string]any{
		"status":    status,
		"providers": providers,
	}, s.logger)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	history, err := s.sessions.OnConnect(r.Context(), user)
	if err != nil {
		s.logger.Error("history replay failed", "user", user, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	writeJSON(w, map[string]any{
		"user":    user,
		"count":   len(history),
		"history": history,
	}, s.logger)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.OnLogout(chi.URLParam(r, "user"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMemories(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	query := r.URL.Query().Get("q")
	if query == "" {
		s.errorResponse(w, http.StatusBadRequest, "q is required")
		return
	}
	k := 0
	if v := r.URL.Query().Get("k"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			k = parsed
		}
	}

	records, err := s.sessions.Recall(r.Context(), user, query, k)
	if err != nil {
		s.logger.Warn("recall failed", "user", user, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "recall failed")
		return
	}
	if records == nil {
		records = []memory.Record{}
	}
	writeJSON(w, map[string]any{
		"query":    query,
		"count":    len(records),
		"memories": records,
	}, s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.sessions.Status(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	writeJSON(w, status, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// Router introspection handlers

func (s *Server) handleRouterStats(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}
	writeJSON(w, s.router.Stats(), s.logger)
}

func (s *Server) handleRouterAudit(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}

	// Parse limit from query
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	decisions := s.router.AuditLog(limit)
	writeJSON(w, map[string]any{
		"count":     len(decisions),
		"decisions": decisions,
	}, s.logger)
}

func (s *Server) handleRouterExplain(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}

	decision := s.router.Explain(chi.URLParam(r, "requestID"))
	if decision == nil {
		s.errorResponse(w, http.StatusNotFound, "decision not found")
		return
	}
	writeJSON(w, decision, s.logger)
}
