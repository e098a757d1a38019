package metrics

import (
	"time"

	"github.com/devrev/pairdb/txnstore/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "txnstore"

// Metrics holds all Prometheus metrics for a database instance
type Metrics struct {
	registry *prometheus.Registry

	// Transaction metrics
	TxnBegunTotal     prometheus.Counter
	TxnCommittedTotal prometheus.Counter
	TxnAbortedTotal   *prometheus.CounterVec
	TxnRetriesTotal   prometheus.Counter
	TxnExhaustedTotal prometheus.Counter
	ConflictsTotal    *prometheus.CounterVec
	CommitDuration    prometheus.Histogram
	ValidateDuration  prometheus.Histogram
	SnapshotDuration  prometheus.Histogram
	WriteSetSize      prometheus.Histogram

	// WAL metrics
	WALAppendsTotal   prometheus.Counter
	WALAppendFailures prometheus.Counter
	WALAppendBytes    prometheus.Histogram
	WALAppendDuration prometheus.Histogram
	WALSegments       prometheus.Gauge
	WALSizeBytes      prometheus.Gauge

	// Recovery and checkpoint metrics
	RecoveryReplayedTxns  prometheus.Gauge
	RecoveryDiscardedTxns prometheus.Gauge
	RecoveryDuration      prometheus.Gauge
	CheckpointsTotal      *prometheus.CounterVec
	CheckpointDuration    prometheus.Histogram

	// Storage and system metrics
	StorageKeys      prometheus.Gauge
	CommitSeq        prometheus.Gauge
	DiskUsagePercent prometheus.Gauge
	DiskAvailable    prometheus.Gauge
	MemoryUsageBytes prometheus.Gauge
	GoroutinesTotal  prometheus.Gauge
}

// NewMetrics creates all metrics on a fresh registry, so several instances
// can live in one process.
func NewMetrics(nodeID string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	labels := prometheus.Labels{"node_id": nodeID}

	return &Metrics{
		registry: reg,

		TxnBegunTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "txn",
			Name:        "begun_total",
			Help:        "Total number of transactions started, including retries",
			ConstLabels: labels,
		}),
		TxnCommittedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "txn",
			Name:        "committed_total",
			Help:        "Total number of committed transactions",
			ConstLabels: labels,
		}),
		TxnAbortedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "txn",
			Name:        "aborted_total",
			Help:        "Total number of aborted transactions by reason",
			ConstLabels: labels,
		}, []string{"reason"}),
		TxnRetriesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "txn",
			Name:        "retries_total",
			Help:        "Total number of transaction bodies re-run after a conflict",
			ConstLabels: labels,
		}),
		TxnExhaustedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "txn",
			Name:        "retries_exhausted_total",
			Help:        "Total number of transactions that gave up after the attempt limit",
			ConstLabels: labels,
		}),
		ConflictsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "txn",
			Name:        "conflicts_total",
			Help:        "Total number of validation conflicts by kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		CommitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "txn",
			Name:        "commit_duration_seconds",
			Help:        "Time spent inside the commit critical section",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.00001, 2, 18), // 10us to ~1.3s
		}),
		ValidateDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "txn",
			Name:        "validate_duration_seconds",
			Help:        "Time spent validating read and CAS sets",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.000001, 2, 16),
		}),
		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "txn",
			Name:        "snapshot_duration_seconds",
			Help:        "Time spent capturing a snapshot at transaction begin",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.000001, 4, 12),
		}),
		WriteSetSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "txn",
			Name:        "write_set_keys",
			Help:        "Number of keys in committed write-sets",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 12),
		}),

		WALAppendsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "wal",
			Name:        "appends_total",
			Help:        "Total number of WAL appends",
			ConstLabels: labels,
		}),
		WALAppendFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "wal",
			Name:        "append_failures_total",
			Help:        "Total number of failed WAL appends",
			ConstLabels: labels,
		}),
		WALAppendBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "wal",
			Name:        "append_bytes",
			Help:        "Histogram of WAL append sizes in bytes",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(64, 2, 16), // 64B to 2MB
		}),
		WALAppendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "wal",
			Name:        "append_duration_seconds",
			Help:        "Histogram of WAL append durations including fsync",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		WALSegments: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "wal",
			Name:        "segments",
			Help:        "Number of live WAL segments",
			ConstLabels: labels,
		}),
		WALSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "wal",
			Name:        "size_bytes",
			Help:        "Total size of live WAL segments",
			ConstLabels: labels,
		}),

		RecoveryReplayedTxns: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "recovery",
			Name:        "replayed_txns",
			Help:        "Committed transactions replayed at the last startup",
			ConstLabels: labels,
		}),
		RecoveryDiscardedTxns: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "recovery",
			Name:        "discarded_txns",
			Help:        "Incomplete transactions discarded at the last startup",
			ConstLabels: labels,
		}),
		RecoveryDuration: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "recovery",
			Name:        "duration_seconds",
			Help:        "Duration of the last recovery",
			ConstLabels: labels,
		}),
		CheckpointsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "checkpoint",
			Name:        "total",
			Help:        "Total number of checkpoints by status",
			ConstLabels: labels,
		}, []string{"status"}),
		CheckpointDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "checkpoint",
			Name:        "duration_seconds",
			Help:        "Histogram of checkpoint durations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 16),
		}),

		StorageKeys: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "storage",
			Name:        "keys",
			Help:        "Number of keys in storage",
			ConstLabels: labels,
		}),
		CommitSeq: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "storage",
			Name:        "commit_seq",
			Help:        "Current global commit sequence",
			ConstLabels: labels,
		}),
		DiskUsagePercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "disk_usage_percent",
			Help:        "Disk usage of the WAL filesystem",
			ConstLabels: labels,
		}),
		DiskAvailable: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "disk_available_bytes",
			Help:        "Available bytes on the WAL filesystem",
			ConstLabels: labels,
		}),
		MemoryUsageBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "memory_usage_bytes",
			Help:        "Heap bytes allocated",
			ConstLabels: labels,
		}),
		GoroutinesTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "goroutines",
			Help:        "Number of goroutines",
			ConstLabels: labels,
		}),
	}
}

// Registry returns the registry all metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordBegin records a started transaction and its snapshot cost
func (m *Metrics) RecordBegin(snapshot time.Duration) {
	m.TxnBegunTotal.Inc()
	m.SnapshotDuration.Observe(snapshot.Seconds())
}

// RecordCommit records a committed transaction
func (m *Metrics) RecordCommit(duration time.Duration, writes int) {
	m.TxnCommittedTotal.Inc()
	m.CommitDuration.Observe(duration.Seconds())
	if writes > 0 {
		m.WriteSetSize.Observe(float64(writes))
	}
}

// RecordAbort records an aborted transaction
func (m *Metrics) RecordAbort(reason model.AbortReason) {
	m.TxnAbortedTotal.WithLabelValues(string(reason)).Inc()
}

// RecordConflicts counts every conflict of a failed validation
func (m *Metrics) RecordConflicts(conflicts []model.Conflict) {
	for _, c := range conflicts {
		m.ConflictsTotal.WithLabelValues(string(c.Kind())).Inc()
	}
}

// RecordValidation records time spent validating
func (m *Metrics) RecordValidation(duration time.Duration) {
	m.ValidateDuration.Observe(duration.Seconds())
}

// RecordRetry records a body re-run after a conflict
func (m *Metrics) RecordRetry() {
	m.TxnRetriesTotal.Inc()
}

// RecordRetriesExhausted records a transaction giving up
func (m *Metrics) RecordRetriesExhausted() {
	m.TxnExhaustedTotal.Inc()
}

// RecordWALAppend records a WAL append attempt
func (m *Metrics) RecordWALAppend(bytes int, duration time.Duration, err error) {
	if err != nil {
		m.WALAppendFailures.Inc()
		return
	}
	m.WALAppendsTotal.Inc()
	m.WALAppendBytes.Observe(float64(bytes))
	m.WALAppendDuration.Observe(duration.Seconds())
}

// UpdateWALStats sets WAL size gauges
func (m *Metrics) UpdateWALStats(segments int, bytes int64) {
	m.WALSegments.Set(float64(segments))
	m.WALSizeBytes.Set(float64(bytes))
}

// RecordRecovery sets recovery gauges
func (m *Metrics) RecordRecovery(replayed, discarded int, duration time.Duration) {
	m.RecoveryReplayedTxns.Set(float64(replayed))
	m.RecoveryDiscardedTxns.Set(float64(discarded))
	m.RecoveryDuration.Set(duration.Seconds())
}

// RecordCheckpoint records a checkpoint attempt
func (m *Metrics) RecordCheckpoint(duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.CheckpointsTotal.WithLabelValues(status).Inc()
	m.CheckpointDuration.Observe(duration.Seconds())
}

// UpdateStorageStats sets storage gauges
func (m *Metrics) UpdateStorageStats(keys int, commitSeq uint64) {
	m.StorageKeys.Set(float64(keys))
	m.CommitSeq.Set(float64(commitSeq))
}

// UpdateSystemStats sets system gauges
func (m *Metrics) UpdateSystemStats(diskUsagePercent float64, diskAvailable uint64, memoryBytes uint64, goroutines int) {
	m.DiskUsagePercent.Set(diskUsagePercent)
	m.DiskAvailable.Set(float64(diskAvailable))
	m.MemoryUsageBytes.Set(float64(memoryBytes))
	m.GoroutinesTotal.Set(float64(goroutines))
}
