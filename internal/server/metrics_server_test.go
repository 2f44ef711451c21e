package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/beingmeta/concourse/internal/health"
	"github.com/beingmeta/concourse/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*MetricsServer, *metrics.Metrics, *health.HealthChecker) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg, "node-1")
	hc := health.NewHealthChecker(health.HealthCheckConfig{NodeID: "node-1"}, nil)
	return NewMetricsServer(MetricsServerConfig{Port: 0}, reg, m, hc, nil), m, hc
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestMetricsServer_Metrics(t *testing.T) {
	s, m, _ := newTestServer(t)
	m.RecordInsert("buffer")
	s.updateSystemMetrics()

	rec := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "concourse_staging_inserts_total")
	assert.Contains(t, rec.Body.String(), "concourse_system_goroutines")
}

func TestMetricsServer_HealthEndpoints(t *testing.T) {
	s, _, hc := newTestServer(t)

	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/health").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s.Handler(), "/ready").Code)

	hc.RunChecks(context.Background())
	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/ready").Code)
}

func TestMetricsServer_Routes(t *testing.T) {
	s, _, _ := newTestServer(t)

	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/unknown").Code)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/metrics", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
