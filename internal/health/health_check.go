package health

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/beingmeta/concourse/internal/errors"
	"go.uber.org/zap"
)

// Status is the overall node status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check result states
const (
	CheckHealthy  = "healthy"
	CheckWarning  = "warning"
	CheckCritical = "critical"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	// Code is the gRPC status code of a failing storage dependency
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DependencyCheck reports a dependency failure as an error. A failing
// dependency makes the node unready.
type DependencyCheck func(ctx context.Context) error

// HealthChecker performs health checks for a staging node
type HealthChecker struct {
	nodeID   string
	dataDir  string
	interval time.Duration
	logger   *zap.Logger

	mu          sync.RWMutex
	deps        map[string]DependencyCheck
	lastCheck   time.Time
	status      Status
	checks      map[string]CheckResult
	readinessOK bool
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	NodeID string
	// DataDir is checked for free space and writability; empty skips both
	DataDir  string
	Interval time.Duration
}

// NewHealthChecker creates a new health checker. The node is unready until
// the first round of checks passes.
func NewHealthChecker(cfg HealthCheckConfig, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	return &HealthChecker{
		nodeID:   cfg.NodeID,
		dataDir:  cfg.DataDir,
		interval: cfg.Interval,
		logger:   logger,
		deps:     make(map[string]DependencyCheck),
		checks:   make(map[string]CheckResult),
		status:   StatusUnhealthy,
	}
}

// AddDependency registers a named dependency check
func (h *HealthChecker) AddDependency(name string, p DependencyCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deps[name] = p
}

// Start runs checks every interval until ctx is done
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.RunChecks(ctx)

	for {
		select {
		case <-ticker.C:
			h.RunChecks(ctx)
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs every check once and updates the node status
func (h *HealthChecker) RunChecks(ctx context.Context) {
	h.mu.RLock()
	deps := make(map[string]DependencyCheck, len(h.deps))
	for name, p := range h.deps {
		deps[name] = p
	}
	h.mu.RUnlock()

	var results []CheckResult
	if h.dataDir != "" {
		results = append(results, h.checkDiskSpace(), h.checkDataDirAccessible())
	}
	for name, p := range deps {
		results = append(results, checkDependency(ctx, name, p))
	}

	status := StatusHealthy
	ready := true
	checks := make(map[string]CheckResult, len(results))
	for _, r := range results {
		checks[r.Name] = r
		switch r.Status {
		case CheckCritical:
			status = StatusUnhealthy
			ready = false
		case CheckWarning:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}

	h.mu.Lock()
	h.lastCheck = time.Now()
	h.checks = checks
	h.status = status
	h.readinessOK = ready
	h.mu.Unlock()

	h.logger.Debug("Health check completed",
		zap.String("status", string(status)),
		zap.Bool("readiness", ready))
}

func checkDependency(ctx context.Context, name string, p DependencyCheck) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := p(ctx); err != nil {
		result := CheckResult{Name: name, Status: CheckCritical, Message: err.Error(), Timestamp: time.Now()}
		var se *errors.StorageError
		if stderrors.As(err, &se) {
			result.Code = se.ToGRPCStatus().Code().String()
		}
		return result
	}
	return CheckResult{Name: name, Status: CheckHealthy, Timestamp: time.Now()}
}

// checkDiskSpace checks if disk space is sufficient
func (h *HealthChecker) checkDiskSpace() CheckResult {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(h.dataDir, &stat); err != nil {
		return CheckResult{
			Name:      "disk_space",
			Status:    CheckCritical,
			Message:   fmt.Sprintf("Failed to stat filesystem: %v", err),
			Timestamp: time.Now(),
		}
	}

	available := stat.Bavail * uint64(stat.Bsize)
	total := stat.Blocks * uint64(stat.Bsize)
	used := total - (stat.Bfree * uint64(stat.Bsize))
	usagePercent := float64(used) / float64(total) * 100

	switch {
	case usagePercent > 95:
		return CheckResult{
			Name:      "disk_space",
			Status:    CheckCritical,
			Message:   fmt.Sprintf("Disk usage critical: %.2f%%", usagePercent),
			Timestamp: time.Now(),
		}
	case usagePercent > 90:
		return CheckResult{
			Name:      "disk_space",
			Status:    CheckWarning,
			Message:   fmt.Sprintf("Disk usage high: %.2f%%", usagePercent),
			Timestamp: time.Now(),
		}
	}

	return CheckResult{
		Name:      "disk_space",
		Status:    CheckHealthy,
		Message:   fmt.Sprintf("Disk usage: %.2f%%, available: %.2f GB", usagePercent, float64(available)/1024/1024/1024),
		Timestamp: time.Now(),
	}
}

// checkDataDirAccessible checks that the commit log directory is writable
func (h *HealthChecker) checkDataDirAccessible() CheckResult {
	info, err := os.Stat(h.dataDir)
	if err != nil {
		return CheckResult{
			Name:      "data_dir_accessible",
			Status:    CheckCritical,
			Message:   fmt.Sprintf("Data directory not accessible: %v", err),
			Timestamp: time.Now(),
		}
	}
	if !info.IsDir() {
		return CheckResult{
			Name:      "data_dir_accessible",
			Status:    CheckCritical,
			Message:   "Data path is not a directory",
			Timestamp: time.Now(),
		}
	}

	testFile := filepath.Join(h.dataDir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
	f, err := os.Create(testFile)
	if err != nil {
		return CheckResult{
			Name:      "data_dir_accessible",
			Status:    CheckCritical,
			Message:   fmt.Sprintf("Cannot write to data directory: %v", err),
			Timestamp: time.Now(),
		}
	}
	f.Close()
	os.Remove(testFile)

	return CheckResult{
		Name:      "data_dir_accessible",
		Status:    CheckHealthy,
		Message:   "Data directory is accessible and writable",
		Timestamp: time.Now(),
	}
}

// IsReady returns whether the node is ready (readiness)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// Status returns the current node status
func (h *HealthChecker) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// GetChecks returns the latest check results sorted by name
func (h *HealthChecker) GetChecks() []CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make([]CheckResult, 0, len(h.checks))
	for _, c := range h.checks {
		checks = append(checks, c)
	}
	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })
	return checks
}

// SetReadiness manually sets readiness status (for graceful shutdown)
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
}

// LivenessHandler answers 200 while the process can serve HTTP
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"healthy":   true,
		"node_id":   h.nodeID,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// ReadinessHandler answers 503 until every critical check passes
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.readinessOK
	status := h.status
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":  ready,
		"status": status,
		"checks": h.GetChecks(),
	})
}
