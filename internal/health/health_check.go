package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/devrev/pairdb/txnstore/internal/model"
	"github.com/devrev/pairdb/txnstore/internal/storage/diskmanager"
	"go.uber.org/zap"
)

// Check statuses
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// CheckFunc runs one named health check
type CheckFunc func() CheckResult

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	NodeID   string
	Interval time.Duration
}

// HealthChecker periodically runs registered checks. Any critical result
// makes the instance unready; warnings only degrade it.
type HealthChecker struct {
	nodeID   string
	interval time.Duration
	logger   *zap.Logger

	mu          sync.RWMutex
	registered  []CheckFunc
	lastCheck   time.Time
	status      model.NodeStatus
	checks      map[string]CheckResult
	readinessOK bool
	draining    bool
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(cfg *HealthCheckConfig, logger *zap.Logger) *HealthChecker {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthChecker{
		nodeID:   cfg.NodeID,
		interval: interval,
		logger:   logger,
		checks:   make(map[string]CheckResult),
		status:   model.NodeStatusHealthy,
	}
}

// Register adds a check. Checks registered after Start run from the next round.
func (h *HealthChecker) Register(check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.registered = append(h.registered, check)
}

// Start runs the checks until ctx is done
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.RunChecks()

	for {
		select {
		case <-ticker.C:
			h.RunChecks()
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs every registered check once and updates the status
func (h *HealthChecker) RunChecks() {
	h.mu.RLock()
	checks := append([]CheckFunc(nil), h.registered...)
	h.mu.RUnlock()

	results := make([]CheckResult, 0, len(checks))
	for _, check := range checks {
		results = append(results, check())
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()
	allHealthy, allReady := true, true
	for _, r := range results {
		h.checks[r.Name] = r
		if r.Status != StatusHealthy {
			allHealthy = false
			if r.Status == StatusCritical {
				allReady = false
			}
		}
	}

	switch {
	case !allReady:
		h.status = model.NodeStatusUnhealthy
	case !allHealthy:
		h.status = model.NodeStatusDegraded
	default:
		h.status = model.NodeStatusHealthy
	}
	h.readinessOK = allReady

	h.logger.Debug("Health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("readiness", h.readinessOK))
}

// IsReady reports whether the instance can serve transactions
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK && !h.draining
}

// SetDraining marks the instance unready during shutdown
func (h *HealthChecker) SetDraining(draining bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.draining = draining
}

// GetStatus returns the current health status
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return model.HealthStatus{
		NodeID:    h.nodeID,
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
	}
}

// GetChecks returns a copy of the latest check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// LivenessHandler answers while the process can serve HTTP at all
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"healthy": true,
		"status":  h.GetStatus(),
		"checks":  h.GetChecks(),
	})
}

// ReadinessHandler answers 503 while any critical check fails or the
// instance is draining
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready := h.IsReady()
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"ready":  ready,
		"status": h.GetStatus().Status,
	})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

// WALCheck reports critical once the WAL stops accepting appends
func WALCheck(walErr func() error) CheckFunc {
	return func() CheckResult {
		if err := walErr(); err != nil {
			return result("wal", StatusCritical, fmt.Sprintf("WAL unusable: %v", err))
		}
		return result("wal", StatusHealthy, "WAL accepting appends")
	}
}

// DataDirCheck verifies that dir exists and is writable
func DataDirCheck(dir string) CheckFunc {
	return func() CheckResult {
		info, err := os.Stat(dir)
		if err != nil {
			return result("data_dir", StatusCritical, fmt.Sprintf("Data directory not accessible: %v", err))
		}
		if !info.IsDir() {
			return result("data_dir", StatusCritical, "Data path is not a directory")
		}

		marker := filepath.Join(dir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
		f, err := os.Create(marker)
		if err != nil {
			return result("data_dir", StatusCritical, fmt.Sprintf("Cannot write to data directory: %v", err))
		}
		f.Close()
		os.Remove(marker)

		return result("data_dir", StatusHealthy, "Data directory is accessible and writable")
	}
}

// DiskCheck maps the disk manager's state onto a check result
func DiskCheck(usage func() diskmanager.DiskUsageStats) CheckFunc {
	return func() CheckResult {
		u := usage()
		switch {
		case u.IsCircuitBroken:
			return result("disk_space", StatusCritical, fmt.Sprintf("Disk usage critical: %.2f%%", u.UsagePercent))
		case u.IsThrottled:
			return result("disk_space", StatusWarning, fmt.Sprintf("Disk usage high: %.2f%%", u.UsagePercent))
		}
		return result("disk_space", StatusHealthy, fmt.Sprintf("Disk usage: %.2f%%, available: %.2f GB",
			u.UsagePercent, float64(u.AvailableBytes)/1024/1024/1024))
	}
}

func result(name, status, message string) CheckResult {
	return CheckResult{Name: name, Status: status, Message: message, Timestamp: time.Now()}
}
