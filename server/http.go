// Package server provides the local HTTP API the editing UI talks to.
// It fronts the document cache and the GitHub sync workflows.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/doc-sync/remote/github"
	"github.com/wolfeidau/doc-sync/store/cachedb"
	"github.com/wolfeidau/doc-sync/syncer"
	"github.com/wolfeidau/doc-sync/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., "127.0.0.1:8080")
	Address string

	// AuthToken protects the API with bearer auth. Empty disables auth.
	AuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP API server for the editing UI.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	cache       cachedb.Cache
	remote      *github.Client
	coordinator *syncer.Coordinator
}

// New creates a server over an already bound cache and a configured
// GitHub client.
func New(cfg Config, cache cachedb.Cache, remote *github.Client) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:8080"
	}

	s := &Server{
		config:      cfg,
		logger:      cfg.Logger,
		cache:       cache,
		remote:      remote,
		coordinator: syncer.New(cache, remote, syncer.WithLogger(cfg.Logger.With("component", "syncer"))),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.requireAuth(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /api/session", s.handleSession)
	mux.HandleFunc("GET /api/branches", s.handleBranches)

	mux.HandleFunc("GET /api/files/{collection}/{path...}", s.handleGetFile)
	mux.HandleFunc("PUT /api/files/{collection}/{path...}", s.handlePutFile)
	mux.HandleFunc("DELETE /api/files/{collection}/{path...}", s.handleDeleteFile)
	mux.HandleFunc("GET /api/keys/{collection}", s.handleListKeys)

	mux.HandleFunc("POST /api/commit", s.handleCommit)
	mux.HandleFunc("POST /api/stage", s.handleStage)
	mux.HandleFunc("POST /api/pull-request", s.handlePullRequest)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set endpoint, cache_result, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Workflow != "" {
			attrs = append(attrs, "workflow", tags.Workflow)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// Handler returns the full middleware-wrapped handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// branchParam returns the branch a file request targets, defaulting to
// the session branch.
func (s *Server) branchParam(r *http.Request) string {
	if b := r.URL.Query().Get("branch"); b != "" {
		return b
	}
	return s.remote.Session().Branch
}

// cleanPath rejects traversal attempts in wildcard path segments.
func cleanPath(p string) (string, bool) {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "..") {
		return "", false
	}
	return p, true
}
