package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/devrev/pairdb/txnstore/internal/model"
	"github.com/devrev/pairdb/txnstore/internal/storage/diskmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestChecker() *HealthChecker {
	return NewHealthChecker(&HealthCheckConfig{NodeID: "node-1"}, zap.NewNop())
}

func TestHealthChecker_AllHealthy(t *testing.T) {
	h := newTestChecker()
	h.Register(WALCheck(func() error { return nil }))
	h.Register(DataDirCheck(t.TempDir()))
	h.Register(DiskCheck(func() diskmanager.DiskUsageStats {
		return diskmanager.DiskUsageStats{UsagePercent: 40, AvailableBytes: 1 << 30}
	}))

	h.RunChecks()

	assert.True(t, h.IsReady())
	assert.Equal(t, model.NodeStatusHealthy, h.GetStatus().Status)
	assert.Len(t, h.GetChecks(), 3)
}

func TestHealthChecker_WarningDegrades(t *testing.T) {
	h := newTestChecker()
	h.Register(DiskCheck(func() diskmanager.DiskUsageStats {
		return diskmanager.DiskUsageStats{UsagePercent: 92, IsThrottled: true}
	}))

	h.RunChecks()

	assert.True(t, h.IsReady())
	assert.Equal(t, model.NodeStatusDegraded, h.GetStatus().Status)
	assert.Equal(t, StatusWarning, h.GetChecks()["disk_space"].Status)
}

func TestHealthChecker_BrokenWALIsCritical(t *testing.T) {
	h := newTestChecker()
	h.Register(WALCheck(func() error { return errors.New("fsync failed") }))

	h.RunChecks()

	assert.False(t, h.IsReady())
	assert.Equal(t, model.NodeStatusUnhealthy, h.GetStatus().Status)
	assert.Contains(t, h.GetChecks()["wal"].Message, "fsync failed")
}

func TestDataDirCheck_MissingDirectory(t *testing.T) {
	r := DataDirCheck(filepath.Join(t.TempDir(), "missing"))()
	assert.Equal(t, StatusCritical, r.Status)
}

func TestHandlers(t *testing.T) {
	h := newTestChecker()
	h.Register(WALCheck(func() error { return nil }))
	h.RunChecks()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h.SetDraining(true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["ready"])

	rec = httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}
