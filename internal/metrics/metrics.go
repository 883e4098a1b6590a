package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arkeep_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arkeep_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arkeep_http_requests_in_flight",
			Help: "Number of HTTP requests currently being served",
		},
	)

	// Transaction metrics
	TxnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arkeep_txns_total",
			Help: "Total number of transactions by terminal outcome",
		},
		[]string{"outcome"},
	)

	TxnsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arkeep_txns_active",
			Help: "Number of transactions currently in flight",
		},
	)

	TxnConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arkeep_txn_conflicts_total",
			Help: "Total number of transaction conflicts by kind",
		},
		[]string{"kind"},
	)

	DeadlocksDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arkeep_deadlocks_detected_total",
			Help: "Total number of deadlock cycles broken by the detector",
		},
	)

	// Lock table metrics
	LockWaitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arkeep_lock_waits_total",
			Help: "Total number of lock acquisitions that had to wait",
		},
		[]string{"mode"},
	)

	LockWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arkeep_lock_wait_duration_seconds",
			Help:    "Lock wait latencies in seconds",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1, 5},
		},
		[]string{"mode"},
	)

	LockTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arkeep_lock_timeouts_total",
			Help: "Total number of lock acquisitions that timed out",
		},
	)

	// Chunk store metrics
	ChunksStoredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arkeep_chunks_stored_total",
			Help: "Total number of new chunks written to storage",
		},
	)

	ChunksDedupedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arkeep_chunks_deduped_total",
			Help: "Total number of chunk writes collapsed onto existing chunks",
		},
	)

	ChunkBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arkeep_chunk_bytes_written_total",
			Help: "Total compressed bytes written to chunk storage",
		},
	)

	// Backup metrics
	BackupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arkeep_backups_total",
			Help: "Total number of backup operations by type and status",
		},
		[]string{"type", "status"},
	)

	BackupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arkeep_backup_duration_seconds",
			Help:    "Backup creation latencies in seconds",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
		},
		[]string{"type"},
	)

	RestoresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arkeep_restores_total",
			Help: "Total number of restore operations by status",
		},
		[]string{"status"},
	)

	// Recovery metrics
	RecoveryPlansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arkeep_recovery_plans_total",
			Help: "Total number of recovery plans by terminal status",
		},
		[]string{"status"},
	)

	RecoveryStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arkeep_recovery_steps_total",
			Help: "Total number of recovery step executions by action and status",
		},
		[]string{"action", "status"},
	)

	RecoveryStepRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arkeep_recovery_step_retries_total",
			Help: "Total number of recovery step retry attempts",
		},
	)

	// System metrics
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arkeep_build_info",
			Help: "Build information about arkeep",
		},
		[]string{"version", "go_version"},
	)
)
