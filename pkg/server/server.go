// Package server exposes the hybrid gene store over HTTP.
//
// Routes (JSON in and out):
//
//	GET  /                                   service banner
//	GET  /health                             catalog ping, document count, index size
//	GET  /metrics                            Prometheus exposition
//	GET  /api/hybrid-query?project_id=&min_score=
//	GET  /api/genes/{id}                     cache-aside lookup
//	POST /api/genes                          ingest one document (admin)
//	GET  /api/genes/recommend/{id}?k=        similar genes
//	POST /api/schema/evolve                  register and backfill an attribute (admin)
//	POST /api/schema/evolve/{name}/resume    finish an interrupted evolution (admin)
//	GET  /api/schema/active                  schema registry
//	GET  /api/stats/sql, /api/stats/nosql, /api/stats
//	GET  /api/index                          similarity index status
//	POST /api/index/rebuild                  full rebuild (admin)
//
// Admin routes use HTTP Basic auth against an auth.Guard. Errors carry the
// apperror kind; Timeout and Unavailable add a Retry-After header.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jeffreymariaraj/BioOF/pkg/apperror"
	"github.com/jeffreymariaraj/BioOF/pkg/audit"
	"github.com/jeffreymariaraj/BioOF/pkg/auth"
	"github.com/jeffreymariaraj/BioOF/pkg/hybrid"
	"github.com/jeffreymariaraj/BioOF/pkg/metrics"
	"github.com/jeffreymariaraj/BioOF/pkg/model"
	"github.com/jeffreymariaraj/BioOF/pkg/pool"
)

// Version is reported by the banner and health endpoints.
var Version = "0.1.0"

var ErrServerClosed = errors.New("server closed")

// Config holds HTTP server configuration.
type Config struct {
	// Address to bind to (default: "0.0.0.0")
	Address string
	// Port to listen on (default: 8000). 0 picks a free port.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// MaxRequestSize in bytes (default: 1MB)
	MaxRequestSize int64
	EnableCORS     bool
	CORSOrigins    []string
	// RetryAfter is sent with retryable errors
	RetryAfter time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:        "0.0.0.0",
		Port:           8000,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   5 * time.Minute,
		IdleTimeout:    120 * time.Second,
		MaxRequestSize: 1 << 20,
		EnableCORS:     true,
		CORSOrigins:    []string{"*"},
		RetryAfter:     5 * time.Second,
	}
}

// Pinger reports whether the relational catalog is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Counter reports the number of stored gene documents.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// Options carries optional collaborators.
type Options struct {
	Guard   *auth.Guard
	Audit   *audit.Logger
	Metrics *metrics.Registry
	Logger  *slog.Logger
	Catalog Pinger
	Docs    Counter
}

// Server is the HTTP API server.
type Server struct {
	config  *Config
	svc     *hybrid.Service
	guard   *auth.Guard
	audit   *audit.Logger
	metrics *metrics.Registry
	logger  *slog.Logger
	catalog Pinger
	docs    Counter

	httpServer *http.Server
	listener   net.Listener
	handler    http.Handler

	closed  atomic.Bool
	started time.Time

	requestCount   atomic.Int64
	errorCount     atomic.Int64
	activeRequests atomic.Int64
}

// New creates a server for svc.
func New(svc *hybrid.Service, config *Config, opts Options) (*Server, error) {
	if svc == nil {
		return nil, errors.New("hybrid service required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxRequestSize <= 0 {
		config.MaxRequestSize = DefaultConfig().MaxRequestSize
	}
	if config.RetryAfter <= 0 {
		config.RetryAfter = DefaultConfig().RetryAfter
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:  config,
		svc:     svc,
		guard:   opts.Guard,
		audit:   opts.Audit,
		metrics: opts.Metrics,
		logger:  logger.With("component", "http"),
		catalog: opts.Catalog,
		docs:    opts.Docs,
		started: time.Now(),
	}
	s.handler = s.buildRouter()
	return s, nil
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins listening for HTTP connections.
func (s *Server) Start() error {
	if s.closed.Load() {
		return ErrServerClosed
	}

	addr := net.JoinHostPort(s.config.Address, strconv.Itoa(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.started = time.Now()

	s.httpServer = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", "error", err)
		}
	}()
	s.logger.Info("http server listening", "addr", listener.Addr().String())
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Stats returns server statistics.
func (s *Server) Stats() ServerStats {
	return ServerStats{
		Uptime:         time.Since(s.started),
		RequestCount:   s.requestCount.Load(),
		ErrorCount:     s.errorCount.Load(),
		ActiveRequests: s.activeRequests.Load(),
	}
}

// ServerStats holds server counters.
type ServerStats struct {
	Uptime         time.Duration `json:"uptime"`
	RequestCount   int64         `json:"request_count"`
	ErrorCount     int64         `json:"error_count"`
	ActiveRequests int64         `json:"active_requests"`
}

func (s *Server) buildRouter() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	mux.HandleFunc("GET /api/hybrid-query", s.handleHybridQuery)
	mux.HandleFunc("GET /api/genes/{id}", s.handleGetGene)
	mux.HandleFunc("POST /api/genes", s.withAdmin(s.handleIngestGene))
	mux.HandleFunc("GET /api/genes/recommend/{id}", s.handleRecommend)

	mux.HandleFunc("POST /api/schema/evolve", s.withAdmin(s.handleEvolve))
	mux.HandleFunc("POST /api/schema/evolve/{name}/resume", s.withAdmin(s.handleResume))
	mux.HandleFunc("GET /api/schema/active", s.handleActiveSchema)

	mux.HandleFunc("GET /api/stats/sql", s.handleStatsSQL)
	mux.HandleFunc("GET /api/stats/nosql", s.handleStatsNoSQL)
	mux.HandleFunc("GET /api/stats", s.handleStats)

	mux.HandleFunc("GET /api/index", s.handleIndexStatus)
	mux.HandleFunc("POST /api/index/rebuild", s.withAdmin(s.handleRebuild))

	// The mux sets r.Pattern in place, so every middleware below the
	// request-id wrapper sees the matched route after next returns.
	handler := s.metricsMiddleware(mux)
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)
	handler = s.corsMiddleware(handler)
	handler = s.requestIDMiddleware(handler)
	return handler
}

// =============================================================================
// Middleware
// =============================================================================

type contextKey string

const contextKeyRequestID contextKey = "request_id"

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(contextKeyRequestID).(string)
	return id
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKeyRequestID, id)))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.EnableCORS {
			origin := r.Header.Get("Origin")
			if origin == "" {
				origin = "*"
			}
			allowed := false
			for _, o := range s.config.CORSOrigins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := wrap(w)
		next.ServeHTTP(wrapped, r)

		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			return
		}
		level := slog.LevelInfo
		if wrapped.status >= 500 {
			level = slog.LevelError
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
			"request_id", requestID(r),
		)
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				s.logger.Error("panic serving request",
					"panic", rec, "path", r.URL.Path, "request_id", requestID(r), "stack", string(buf[:n]))
				s.writeError(w, r, apperror.New("server", apperror.KindInternal, "", "internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requestCount.Add(1)
		s.activeRequests.Add(1)
		defer s.activeRequests.Add(-1)

		wrapped := wrap(w)
		next.ServeHTTP(wrapped, r)
		s.metrics.HTTPRequest(routeLabel(r), wrapped.status)
	})
}

// routeLabel strips the method from the matched pattern so label
// cardinality stays bounded by the route table.
func routeLabel(r *http.Request) string {
	if r.Pattern == "" {
		return "unmatched"
	}
	if _, path, ok := strings.Cut(r.Pattern, " "); ok {
		return path
	}
	return r.Pattern
}

// withAdmin requires the admin credential when a guard is configured.
func (s *Server) withAdmin(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.guard.Enabled() {
			handler(w, r)
			return
		}
		user, pass, _ := r.BasicAuth()
		client := getClientIP(r)
		err := s.guard.Verify(user, pass, client)
		if err == nil {
			handler(w, r)
			return
		}

		s.logAudit(r, audit.Event{Type: audit.EventLoginFailed, Username: user, Reason: err.Error()})
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrAccountLocked) {
			status = http.StatusTooManyRequests
			w.Header().Set("Retry-After", strconv.Itoa(int(s.config.RetryAfter.Seconds())))
		} else {
			w.Header().Set("WWW-Authenticate", `Basic realm="bioof"`)
		}
		s.errorCount.Add(1)
		s.writeJSON(w, status, errorBody{
			Error:     "unauthorized",
			Message:   err.Error(),
			RequestID: requestID(r),
		})
	}
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"message": "BioOF API is running",
		"version": Version,
	})
}

// HealthReport is the /health body.
type HealthReport struct {
	Status    string      `json:"status"`
	Version   string      `json:"version"`
	Time      time.Time   `json:"time"`
	Catalog   string      `json:"catalog"`
	Documents int         `json:"documents"`
	IndexSize int         `json:"index_size"`
	Server    ServerStats `json:"server"`
	Errors    []string    `json:"errors,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	report := HealthReport{
		Status:    "healthy",
		Version:   Version,
		Time:      time.Now().UTC(),
		Catalog:   "unknown",
		IndexSize: s.svc.Index().Size(),
		Server:    s.Stats(),
	}
	if s.catalog != nil {
		if err := s.catalog.Ping(ctx); err != nil {
			report.Catalog = "unreachable"
			report.Errors = append(report.Errors, err.Error())
		} else {
			report.Catalog = "ok"
		}
	}
	if s.docs != nil {
		n, err := s.docs.Count(ctx)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
		}
		report.Documents = n
	}

	status := http.StatusOK
	if len(report.Errors) > 0 {
		report.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, report)
}

func (s *Server) handleHybridQuery(w http.ResponseWriter, r *http.Request) {
	const op = "server.HybridQuery"
	q := r.URL.Query()
	projectID, err := strconv.ParseInt(q.Get("project_id"), 10, 64)
	if err != nil {
		s.writeError(w, r, apperror.New(op, apperror.KindInvalidArgument, q.Get("project_id"), "project_id must be an integer"))
		return
	}
	minScore := 0.0
	if raw := q.Get("min_score"); raw != "" {
		if minScore, err = strconv.ParseFloat(raw, 64); err != nil {
			s.writeError(w, r, apperror.New(op, apperror.KindInvalidArgument, raw, "min_score must be a number"))
			return
		}
	}

	res, err := s.svc.HybridQuery(r.Context(), projectID, minScore)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetGene(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.GetGene(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("X-Served-From", res.ServedFrom)
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleIngestGene(w http.ResponseWriter, r *http.Request) {
	const op = "server.IngestGene"
	body, err := s.readBody(r)
	if err != nil {
		s.writeError(w, r, apperror.New(op, apperror.KindInvalidArgument, "", "%v", err))
		return
	}
	doc, err := model.DecodeGene(body)
	if err != nil {
		s.writeError(w, r, &apperror.Error{Op: op, Kind: apperror.KindInvalidArgument, Err: err})
		return
	}
	var extra struct {
		SequenceLength int `json:"sequence_length"`
	}
	_ = json.Unmarshal(body, &extra)

	out, err := s.svc.IngestGene(r.Context(), doc, extra.SequenceLength)
	s.logAudit(r, audit.Event{
		Type:       audit.EventGeneIngest,
		Resource:   "gene",
		ResourceID: idOf(out, doc),
		Success:    err == nil,
		Reason:     errString(err),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/genes/"+out.ID)
	s.writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	const op = "server.RecommendSimilar"
	k := 0
	if raw := r.URL.Query().Get("k"); raw != "" {
		var err error
		if k, err = strconv.Atoi(raw); err != nil || k <= 0 {
			s.writeError(w, r, apperror.New(op, apperror.KindInvalidArgument, raw, "k must be a positive integer"))
			return
		}
	}
	res, err := s.svc.RecommendSimilar(r.Context(), r.PathValue("id"), k)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEvolve(w http.ResponseWriter, r *http.Request) {
	const op = "server.EvolveSchema"
	var req hybrid.EvolveRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, r, apperror.New(op, apperror.KindInvalidArgument, "", "invalid request body: %v", err))
		return
	}

	res, err := s.svc.EvolveSchema(r.Context(), req)
	s.auditEvolution(r, audit.EventSchemaChange, req.Attribute, res, err)
	if err != nil {
		s.writeEvolutionError(w, r, res, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	res, err := s.svc.ResumeEvolution(r.Context(), name)
	s.auditEvolution(r, audit.EventSchemaResume, name, res, err)
	if err != nil {
		s.writeEvolutionError(w, r, res, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleActiveSchema(w http.ResponseWriter, r *http.Request) {
	attrs, err := s.svc.ActiveSchema(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if attrs == nil {
		attrs = []model.SchemaAttribute{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"active_schema": attrs})
}

func (s *Server) handleStatsSQL(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.StatsSQL(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if stats == nil {
		stats = []model.ChromosomeStat{}
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStatsNoSQL(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.StatsNoSQL(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if stats == nil {
		stats = []model.GCBucket{}
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleIndexStatus(w http.ResponseWriter, r *http.Request) {
	ix := s.svc.Index()
	body := map[string]any{"genes": ix.Size(), "default_k": ix.DefaultK()}
	if snap := ix.Snapshot(); snap != nil {
		body["generation"] = snap.Generation
		body["built_at"] = snap.BuiltAt
		body["bounds"] = snap.Bounds()
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.RebuildIndex(r.Context())
	ev := audit.Event{Type: audit.EventIndexRebuild, Resource: "index", Success: err == nil, Reason: errString(err)}
	if st != nil {
		ev.Metadata = map[string]string{
			"generation": strconv.FormatUint(st.Generation, 10),
			"genes":      strconv.Itoa(st.Genes),
		}
	}
	s.logAudit(r, ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

// =============================================================================
// Helpers
// =============================================================================

func (s *Server) auditEvolution(r *http.Request, typ audit.EventType, name string, res *hybrid.EvolutionResult, err error) {
	ev := audit.Event{
		Type:       typ,
		Resource:   "attribute",
		ResourceID: name,
		Success:    err == nil,
		Reason:     errString(err),
	}
	if res != nil {
		ev.Metadata = map[string]string{
			"stage":             string(res.Stage),
			"documents_updated": strconv.Itoa(res.DocumentsUpdated),
			"derived_updated":   strconv.Itoa(res.DerivedUpdated),
		}
	}
	s.logAudit(r, ev)
}

// writeEvolutionError includes the partial result so callers see which
// stage an evolution stopped in.
func (s *Server) writeEvolutionError(w http.ResponseWriter, r *http.Request, res *hybrid.EvolutionResult, err error) {
	if res == nil {
		s.writeError(w, r, err)
		return
	}
	body := s.errorBody(r, err)
	body.Evolution = res
	s.respondError(w, err, body)
}

func (s *Server) logAudit(r *http.Request, ev audit.Event) {
	if s.audit == nil {
		return
	}
	user, _, _ := r.BasicAuth()
	if ev.Username == "" {
		ev.Username = user
	}
	ev.IPAddress = getClientIP(r)
	ev.UserAgent = r.UserAgent()
	ev.RequestID = requestID(r)
	ev.RequestPath = r.URL.Path
	if err := s.audit.Log(ev); err != nil {
		s.logger.Warn("audit log write failed", "error", err, "type", ev.Type)
	}
}

func idOf(out, in *model.GeneDocument) string {
	if out != nil {
		return out.ID
	}
	if in != nil {
		return in.ID
	}
	return ""
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func wrap(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (w *responseWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// JSON helpers

func (s *Server) readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxRequestSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > s.config.MaxRequestSize {
		return nil, fmt.Errorf("request body exceeds %d bytes", s.config.MaxRequestSize)
	}
	return body, nil
}

func (s *Server) readJSON(r *http.Request, v any) error {
	body, err := s.readBody(r)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeJSON encodes into a pooled buffer first so an encoding failure can
// still become a 500 instead of a truncated body.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		s.logger.Error("encoding response failed", "error", err)
		buf.Reset()
		buf.WriteString(`{"error":"internal","message":"internal server error"}` + "\n")
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Debug("writing response failed", "error", err)
	}
}

type errorBody struct {
	Error     string                  `json:"error"`
	Message   string                  `json:"message"`
	ID        string                  `json:"id,omitempty"`
	Retryable bool                    `json:"retryable,omitempty"`
	RequestID string                  `json:"request_id,omitempty"`
	Evolution *hybrid.EvolutionResult `json:"evolution,omitempty"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind apperror.Kind) int {
	switch kind {
	case apperror.KindInvalidArgument:
		return http.StatusBadRequest
	case apperror.KindNotFound:
		return http.StatusNotFound
	case apperror.KindConflict:
		return http.StatusConflict
	case apperror.KindTimeout:
		return http.StatusGatewayTimeout
	case apperror.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) errorBody(r *http.Request, err error) errorBody {
	body := errorBody{
		Error:     apperror.KindOf(err).String(),
		Message:   err.Error(),
		Retryable: apperror.Retryable(err),
		RequestID: requestID(r),
	}
	var ae *apperror.Error
	if errors.As(err, &ae) {
		body.ID = ae.ID
	}
	if apperror.KindOf(err) == apperror.KindInternal {
		body.Message = "internal server error"
	}
	return body
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.respondError(w, err, s.errorBody(r, err))
}

func (s *Server) respondError(w http.ResponseWriter, err error, body errorBody) {
	s.errorCount.Add(1)
	status := statusFor(apperror.KindOf(err))
	if status >= 500 {
		s.logger.Error("request failed", "error", err, "request_id", body.RequestID)
	}
	if body.Retryable {
		w.Header().Set("Retry-After", strconv.Itoa(int(s.config.RetryAfter.Seconds())))
	}
	s.writeJSON(w, status, body)
}
