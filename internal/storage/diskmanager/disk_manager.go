package diskmanager

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/devrev/pairdb/txnstore/internal/errors"
	"go.uber.org/zap"
)

// DiskManager monitors free space under the WAL directory and rejects log
// appends that would fill the disk. A rejected append surfaces as a
// durability failure of the commit that issued it.
type DiskManager struct {
	dir           string
	logger        *zap.Logger
	checkInterval time.Duration
	statfs        func(path string) (total, available uint64, err error)

	mu             sync.Mutex
	lastCheck      time.Time
	usagePercent   float64
	availableBytes uint64

	// Thresholds, in percent
	warningThreshold        float64
	throttleThreshold       float64
	circuitBreakerThreshold float64

	isThrottled     bool
	isCircuitBroken bool
}

// DiskManagerConfig holds configuration for disk manager
type DiskManagerConfig struct {
	Dir                     string
	CheckInterval           time.Duration
	WarningThreshold        float64
	ThrottleThreshold       float64
	CircuitBreakerThreshold float64
}

// DefaultConfig returns default disk manager configuration
func DefaultConfig(dir string) *DiskManagerConfig {
	return &DiskManagerConfig{
		Dir:                     dir,
		CheckInterval:           10 * time.Second,
		WarningThreshold:        80.0,
		ThrottleThreshold:       90.0,
		CircuitBreakerThreshold: 95.0,
	}
}

// NewDiskManager creates a new disk manager with specified thresholds
func NewDiskManager(cfg *DiskManagerConfig, logger *zap.Logger) (*DiskManager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("disk manager directory is required")
	}

	dm := &DiskManager{
		dir:                     cfg.Dir,
		logger:                  logger,
		checkInterval:           cfg.CheckInterval,
		statfs:                  statfs,
		warningThreshold:        cfg.WarningThreshold,
		throttleThreshold:       cfg.ThrottleThreshold,
		circuitBreakerThreshold: cfg.CircuitBreakerThreshold,
	}

	if err := dm.ForceCheck(); err != nil {
		logger.Warn("Initial disk space check failed", zap.Error(err))
	}

	return dm, nil
}

func statfs(path string) (uint64, uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	return stat.Blocks * uint64(stat.Bsize), stat.Bavail * uint64(stat.Bsize), nil
}

// CheckBeforeWrite checks if a write of the given size can proceed.
// Returns a DiskFull or DiskThrottled error if the write should be rejected.
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes uint64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.checkLocked(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	if dm.isCircuitBroken {
		return errors.DiskFull(dm.usagePercent, dm.availableBytes).
			WithDetail("circuit_broken", true)
	}

	// Small writes still pass while throttled
	if dm.isThrottled && estimatedBytes > dm.availableBytes/10 {
		return errors.DiskThrottled(dm.usagePercent).
			WithDetail("requested_bytes", estimatedBytes)
	}

	if estimatedBytes > dm.availableBytes {
		return errors.DiskFull(dm.usagePercent, dm.availableBytes).
			WithDetail("requested_bytes", estimatedBytes)
	}

	return nil
}

// checkLocked refreshes usage and threshold state. Caller holds dm.mu.
func (dm *DiskManager) checkLocked() error {
	total, available, err := dm.statfs(dm.dir)
	if err != nil {
		return err
	}
	if total == 0 {
		return fmt.Errorf("filesystem at %s reports zero size", dm.dir)
	}

	usagePercent := float64(total-available) / float64(total) * 100.0

	dm.usagePercent = usagePercent
	dm.availableBytes = available
	dm.lastCheck = time.Now()

	previouslyThrottled := dm.isThrottled
	previouslyBroken := dm.isCircuitBroken

	dm.isCircuitBroken = usagePercent >= dm.circuitBreakerThreshold
	dm.isThrottled = usagePercent >= dm.throttleThreshold && !dm.isCircuitBroken

	switch {
	case dm.isCircuitBroken && !previouslyBroken:
		dm.logger.Error("Disk circuit breaker engaged, WAL appends rejected",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", available),
			zap.Float64("threshold", dm.circuitBreakerThreshold))
	case !dm.isCircuitBroken && previouslyBroken:
		dm.logger.Info("Disk circuit breaker disengaged",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", available))
	}

	if dm.isThrottled && !previouslyThrottled {
		dm.logger.Warn("Disk write throttling enabled",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", available),
			zap.Float64("threshold", dm.throttleThreshold))
	} else if !dm.isThrottled && previouslyThrottled {
		dm.logger.Info("Disk write throttling disabled",
			zap.Float64("usage_percent", usagePercent))
	}

	if usagePercent >= dm.warningThreshold && !dm.isThrottled && !dm.isCircuitBroken {
		dm.logger.Warn("Disk usage warning",
			zap.Float64("usage_percent", usagePercent),
			zap.Float64("warning_threshold", dm.warningThreshold))
	}

	return nil
}

// GetDiskUsage returns current disk usage statistics
func (dm *DiskManager) GetDiskUsage() DiskUsageStats {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.checkLocked(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	return DiskUsageStats{
		UsagePercent:    dm.usagePercent,
		AvailableBytes:  dm.availableBytes,
		IsThrottled:     dm.isThrottled,
		IsCircuitBroken: dm.isCircuitBroken,
		LastCheck:       dm.lastCheck,
	}
}

// ForceCheck forces an immediate disk space check
func (dm *DiskManager) ForceCheck() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.checkLocked()
}

// DiskUsageStats contains disk usage statistics
type DiskUsageStats struct {
	UsagePercent    float64
	AvailableBytes  uint64
	IsThrottled     bool
	IsCircuitBroken bool
	LastCheck       time.Time
}
