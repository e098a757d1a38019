package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/devrev/pairdb/txnstore/internal/db"
	"github.com/devrev/pairdb/txnstore/internal/errors"
	"github.com/devrev/pairdb/txnstore/internal/health"
	"github.com/devrev/pairdb/txnstore/internal/metrics"
	"github.com/devrev/pairdb/txnstore/internal/storage"
	"github.com/devrev/pairdb/txnstore/internal/storage/diskmanager"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Database is what the admin server needs from the database
type Database interface {
	Stats() db.Stats
	Checkpoint(ctx context.Context) (*storage.CheckpointInfo, error)
	DiskUsage() diskmanager.DiskUsageStats
}

// AdminServerConfig holds configuration for the admin server
type AdminServerConfig struct {
	Port            int
	MetricsPath     string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	CollectInterval time.Duration
}

// AdminServer serves metrics, health and database statistics over HTTP
type AdminServer struct {
	router     *mux.Router
	httpServer *http.Server
	database   Database
	metrics    *metrics.Metrics
	health     *health.HealthChecker
	logger     *zap.Logger
	interval   time.Duration

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewAdminServer creates an admin server and registers its routes
func NewAdminServer(cfg *AdminServerConfig, database Database, m *metrics.Metrics, hc *health.HealthChecker, logger *zap.Logger) *AdminServer {
	router := mux.NewRouter()

	interval := cfg.CollectInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	path := cfg.MetricsPath
	if path == "" {
		path = "/metrics"
	}

	s := &AdminServer{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
		database: database,
		metrics:  m,
		health:   hc,
		logger:   logger,
		interval: interval,
		stopChan: make(chan struct{}),
	}

	router.Handle(path, promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/health", hc.LivenessHandler).Methods(http.MethodGet)
	router.HandleFunc("/ready", hc.ReadinessHandler).Methods(http.MethodGet)
	router.HandleFunc("/stats", s.statsHandler).Methods(http.MethodGet)
	router.HandleFunc("/checkpoint", s.checkpointHandler).Methods(http.MethodPost)

	return s
}

// Router returns the router for testing purposes
func (s *AdminServer) Router() *mux.Router {
	return s.router
}

// Start starts serving in the background
func (s *AdminServer) Start() error {
	s.logger.Info("Starting admin server", zap.String("addr", s.httpServer.Addr))

	go s.collectSystemMetrics()

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin server failed", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown gracefully stops the admin server
func (s *AdminServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping admin server")
	s.stopOnce.Do(func() { close(s.stopChan) })

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown failed: %w", err)
	}
	return nil
}

func (s *AdminServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.database.Stats())
}

func (s *AdminServer) checkpointHandler(w http.ResponseWriter, r *http.Request) {
	info, err := s.database.Checkpoint(r.Context())
	if err != nil {
		s.logger.Error("Checkpoint request failed", zap.Error(err))
		writeJSON(w, httpStatus(err), map[string]interface{}{
			"error": err.Error(),
			"code":  errors.GetCode(err),
		})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// collectSystemMetrics periodically refreshes gauges that are not updated
// on the transaction path
func (s *AdminServer) collectSystemMetrics() {
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

func (s *AdminServer) updateSystemMetrics() {
	disk := s.database.DiskUsage()
	stats := s.database.Stats()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	s.metrics.UpdateSystemStats(disk.UsagePercent, disk.AvailableBytes, memStats.Alloc, runtime.NumGoroutine())
	s.metrics.UpdateStorageStats(stats.Keys, stats.CommitSeq)
	s.metrics.UpdateWALStats(stats.WAL.Segments, stats.WAL.Bytes)
}

func httpStatus(err error) int {
	switch errors.GetCode(err) {
	case errors.ErrCodeClosed, errors.ErrCodeUnavailable, errors.ErrCodeDiskFull, errors.ErrCodeDiskThrottled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
