// Package server exposes the relay over HTTP: a WebSocket push endpoint,
// a REST pull endpoint backed by the snapshot cache, health, and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/beacon/internal/cache"
	"github.com/haasonsaas/beacon/internal/config"
	"github.com/haasonsaas/beacon/internal/observability"
	"github.com/haasonsaas/beacon/internal/ratelimit"
	"github.com/haasonsaas/beacon/internal/relay"
)

// healthCacheTTL bounds how often the health payload is recomputed.
const healthCacheTTL = 30 * time.Second

// UpstreamStatus is the slice of the upstream adapter the health endpoint
// reports on.
type UpstreamStatus interface {
	Ready() bool
	MemberCount() int
}

// Server is the HTTP front of the relay.
type Server struct {
	config    config.ServerConfig
	hub       *relay.Hub
	upstream  UpstreamStatus
	snapshots *cache.SnapshotCache
	limiter   *ratelimit.Limiter
	logger    *observability.Logger
	metrics   *observability.Metrics

	httpServer *http.Server
	startedAt  time.Time

	healthMu      sync.Mutex
	healthPayload map[string]any
	healthAt      time.Time
}

// New creates the HTTP server over the relay hub.
func New(cfg config.ServerConfig, rlCfg ratelimit.Config, hub *relay.Hub, upstream UpstreamStatus, snapshots *cache.SnapshotCache, logger *observability.Logger, metrics *observability.Metrics) *Server {
	s := &Server{
		config:    cfg,
		hub:       hub,
		upstream:  upstream,
		snapshots: snapshots,
		limiter:   ratelimit.NewLimiter(rlCfg),
		logger:    logger,
		metrics:   metrics,
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.instrument("/", s.handleIndex))
	mux.HandleFunc("/health", s.instrument("/health", s.handleHealth))
	mux.HandleFunc("/user/", s.instrument("/user/:id", s.handleUser))
	mux.HandleFunc("/ws", s.handleWS)
	if cfg.Metrics {
		mux.Handle("/metrics", promhttp.Handler())
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info(context.Background(), "http server listening", "addr", s.config.Addr())
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// instrument wraps a handler with request metrics under a stable path label.
func (s *Server) instrument(path string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		s.metrics.RecordHTTPRequest(r.Method, path, strconv.Itoa(recorder.status), time.Since(start).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
