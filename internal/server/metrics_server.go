package server

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/beingmeta/concourse/internal/health"
	"github.com/beingmeta/concourse/internal/metrics"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsServer serves Prometheus metrics and health endpoints via HTTP
type MetricsServer struct {
	router     *mux.Router
	httpServer *http.Server
	metrics    *metrics.Metrics
	health     *health.HealthChecker
	logger     *zap.Logger
	stopChan   chan struct{}
	interval   time.Duration
}

// MetricsServerConfig holds configuration for the metrics server
type MetricsServerConfig struct {
	Port int
	Path string
	// StatsInterval is how often process stats are sampled
	StatsInterval time.Duration
}

// NewMetricsServer creates a new metrics server exposing gatherer at cfg.Path
func NewMetricsServer(
	cfg MetricsServerConfig,
	gatherer prometheus.Gatherer,
	m *metrics.Metrics,
	hc *health.HealthChecker,
	logger *zap.Logger,
) *MetricsServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 15 * time.Second
	}

	router := mux.NewRouter()
	router.Handle(cfg.Path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/health", hc.LivenessHandler).Methods(http.MethodGet)
	router.HandleFunc("/ready", hc.ReadinessHandler).Methods(http.MethodGet)

	return &MetricsServer{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		metrics:  m,
		health:   hc,
		logger:   logger,
		stopChan: make(chan struct{}),
		interval: cfg.StatsInterval,
	}
}

// Handler returns the router for testing purposes
func (s *MetricsServer) Handler() http.Handler {
	return s.router
}

// Start starts the metrics server
func (s *MetricsServer) Start() error {
	s.logger.Info("Starting metrics server", zap.String("addr", s.httpServer.Addr))

	go s.collectSystemMetrics()

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the metrics server
func (s *MetricsServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping metrics server")

	close(s.stopChan)
	s.health.SetReadiness(false)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	return nil
}

// collectSystemMetrics periodically collects process metrics
func (s *MetricsServer) collectSystemMetrics() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.updateSystemMetrics()
	for {
		select {
		case <-ticker.C:
			s.updateSystemMetrics()
		case <-s.stopChan:
			return
		}
	}
}

func (s *MetricsServer) updateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	s.metrics.UpdateSystemStats(int64(memStats.Alloc), runtime.NumGoroutine())
}
