// Package observability provides the HTTP server for health checks and
// Prometheus metrics endpoints.
//
// # Endpoints
//
//   - GET /healthz: Health check endpoint. Returns 200 if the process is
//     running. Used by Docker HEALTHCHECK and Kubernetes liveness probes.
//
//   - GET /readyz: Readiness check endpoint. Returns 200 when initialization
//     has completed and the pipelines are running. Used by Kubernetes
//     readiness probes and load balancers.
//
//   - GET /metrics: Prometheus metrics in text exposition format. Includes
//     both Go runtime metrics and custom metrics.
//
// # Custom Metrics
//
// The following metrics are exported:
//
//	┌──────────────────────────────────────┬─────────┬─────────────────────────────────────┐
//	│ Metric Name                          │ Type    │ Description                         │
//	├──────────────────────────────────────┼─────────┼─────────────────────────────────────┤
//	│ cico_api_requests_total              │ Counter │ Requests sent to the CICO API       │
//	│ cico_api_errors_total                │ Counter │ CICO API errors (by reason)         │
//	│ cico_api_latency_seconds             │ Hist    │ CICO API response latency           │
//	│ checkin_rows_total                   │ Counter │ Batch rows by result                │
//	│ intake_records_total                 │ Counter │ Intake messages applied             │
//	│ intake_errors_total                  │ Counter │ Intake pipeline errors              │
//	│ audit_events_published_total         │ Counter │ Audit events published to Kafka     │
//	│ audit_publish_errors_total           │ Counter │ Audit publish failures              │
//	└──────────────────────────────────────┴─────────┴─────────────────────────────────────┘
//
// # Usage
//
//	srv := observability.NewServer(":8080", logger)
//	go srv.Start(ctx)
//	// When ready:
//	srv.SetReady(true)
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ----- Prometheus Metrics -----

// Metrics holds all Prometheus metrics used by the tool.
// Using promauto for automatic registration with the default registry.
var Metrics = struct {
	// CICO API metrics
	APIRequestsTotal *prometheus.CounterVec
	APIErrorsTotal   *prometheus.CounterVec
	APILatency       *prometheus.HistogramVec

	// Check-in batch metrics
	CheckinRowsTotal *prometheus.CounterVec

	// Intake metrics
	IntakeRecordsTotal *prometheus.CounterVec
	IntakeErrorsTotal  *prometheus.CounterVec

	// Audit metrics
	AuditPublishTotal *prometheus.CounterVec
	AuditErrorsTotal  *prometheus.CounterVec
}{
	APIRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cico_api_requests_total",
		Help: "Total number of requests sent to the CICO API.",
	}, []string{"method", "endpoint"}),

	APIErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cico_api_errors_total",
		Help: "Total number of CICO API errors by reason or status code.",
	}, []string{"method", "reason"}),

	APILatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cico_api_latency_seconds",
		Help:    "CICO API response latency in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"method", "endpoint"}),

	CheckinRowsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkin_rows_total",
		Help: "Total number of batch rows processed, by result (applied, skipped, failed).",
	}, []string{"grid", "result"}),

	IntakeRecordsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intake_records_total",
		Help: "Total number of intake messages applied to CICO.",
	}, []string{"grid"}),

	IntakeErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intake_errors_total",
		Help: "Total number of intake pipeline errors.",
	}, []string{"grid", "error_type"}),

	AuditPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_events_published_total",
		Help: "Total number of audit events published to Kafka.",
	}, []string{"topic"}),

	AuditErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_publish_errors_total",
		Help: "Total number of audit publish failures.",
	}, []string{"topic"}),
}

// ----- Health/Readiness Server -----

// Server provides HTTP endpoints for health checks, readiness probes,
// and Prometheus metrics.
type Server struct {
	addr   string
	ready  atomic.Bool
	logger *slog.Logger
	srv    *http.Server
}

// NewServer creates a new observability HTTP server.
func NewServer(addr string, logger *slog.Logger) *Server {
	s := &Server{
		addr:   addr,
		logger: logger.With("component", "observability"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins listening for HTTP requests. Blocks until the context is
// cancelled, then gracefully shuts down the server.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("observability server starting", "addr", s.addr)

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down observability server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("observability server: %w", err)
	}
	return nil
}

// SetReady marks the server as ready (or not ready) for readiness probes.
// Call SetReady(true) after all pipelines have started.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
	s.logger.Info("readiness state changed", "ready", ready)
}

// handleHealth responds with 200 OK — the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, `{"status":"healthy"}`)
}

// handleReady responds with 200 if ready, 503 if not yet ready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, `{"status":"ready"}`)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, `{"status":"not_ready"}`)
	}
}
