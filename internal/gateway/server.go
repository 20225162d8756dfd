// Package gateway provides Conduit's external interface: the thin HTTP
// shell around the orchestrator's two-stage event model.
// It stays deliberately small; the orchestration core lives in
// internal/orchestrator, internal/toolpipeline, internal/contextassembler,
// internal/convstore and internal/streamhub.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/conduitrun/conduit/internal/auth"
	"github.com/conduitrun/conduit/internal/observability"
	"github.com/conduitrun/conduit/internal/orchestrator"
	"github.com/conduitrun/conduit/internal/streamhub"
)

// Server hosts the Stage A (request-scoped line stream) and Stage B
// (subscriber hub) HTTP endpoints over a single Orchestrator, grounded
// on internal/gateway/http_server.go's net/http + manual mux convention.
type Server struct {
	orch      *orchestrator.Orchestrator
	hub       *streamhub.Hub
	auth      *auth.Service
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	reqLogger *observability.Logger

	httpServer   *http.Server
	httpListener net.Listener
}

// Config configures a Server.
type Config struct {
	Addr      string
	Auth      *auth.Service
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
	ReqLogger *observability.Logger
}

// New constructs a Server around an already-wired Orchestrator and Hub.
func New(orch *orchestrator.Orchestrator, hub *streamhub.Hub, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{orch: orch, hub: hub, auth: cfg.Auth, logger: logger, metrics: cfg.Metrics, tracer: cfg.Tracer, reqLogger: cfg.ReqLogger}
}

// Start binds addr and begins serving in a background goroutine, mirroring
// the reference startHTTPServer/stopHTTPServer split.
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/v1/steps", s.instrument("/v1/steps", s.withAuth(http.HandlerFunc(s.handleRunStep))))
	mux.Handle("/v1/steps/", s.instrument("/v1/steps/", s.withAuth(http.HandlerFunc(s.handleStepStream))))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway: listen: %w", err)
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.httpServer = httpServer
	s.httpListener = listener

	go func() {
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("gateway http server error", "error", err)
		}
	}()
	s.logger.Info("gateway http server started", "addr", addr)
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("gateway http server shutdown error", "error", err)
	}
	s.httpServer = nil
	s.httpListener = nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// instrument wraps next with request metrics and tracing, a no-op pass
// through when the server was built without Metrics/Tracer configured.
func (s *Server) instrument(path string, next http.Handler) http.Handler {
	if s.metrics == nil && s.tracer == nil && s.reqLogger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		var span trace.Span
		if s.tracer != nil {
			var traceCtx context.Context
			traceCtx, span = s.tracer.Start(r.Context(), "http."+r.Method+" "+path)
			r = r.WithContext(traceCtx)
		}

		next.ServeHTTP(rec, r)

		if span != nil {
			span.End()
		}
		duration := time.Since(start)
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, path, fmt.Sprintf("%d", rec.status), duration.Seconds())
		}
		if s.reqLogger != nil {
			s.reqLogger.Info(r.Context(), "gateway request",
				"method", r.Method, "path", path, "status", rec.status, "duration_ms", duration.Milliseconds())
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush delegates to the underlying ResponseWriter's Flusher, preserving
// streaming behavior for handlers that write incrementally.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
