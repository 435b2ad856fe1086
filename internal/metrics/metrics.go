// Package metrics defines the Prometheus metrics exported by the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediakeep_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediakeep_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediakeep_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// Database metrics
var (
	DBQueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediakeep_db_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediakeep_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)

	DBTransactionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediakeep_db_transaction_duration_seconds",
			Help:    "Unit of work duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15},
		},
		[]string{"outcome"}, // "commit" or "rollback"
	)

	DBConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediakeep_db_connections_open",
			Help: "Number of open database connections",
		},
	)
)

// Scan metrics
var (
	ScanRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediakeep_scan_runs_total",
			Help: "Total number of library scans by mode",
		},
		[]string{"mode"}, // "full" or "incremental"
	)

	ScanIsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediakeep_scan_running",
			Help: "Whether a library scan is currently running (1 = running, 0 = idle)",
		},
	)

	ScanLastDuration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediakeep_scan_last_duration_seconds",
			Help: "Duration of the last completed scan in seconds",
		},
	)

	ScanCandidatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediakeep_scan_candidates_total",
			Help: "Total number of media candidates found by the walker",
		},
	)

	ScanResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediakeep_scan_resolved_total",
			Help: "Total number of candidates resolved against the catalog provider",
		},
		[]string{"status"}, // "matched", "unmatched", "deferred", "cached"
	)

	ScanErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediakeep_scan_errors_total",
			Help: "Total number of scan errors",
		},
	)
)

// Folder monitor metrics
var (
	WatcherEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediakeep_watcher_events_total",
			Help: "Total number of filesystem watcher events",
		},
		[]string{"event_type"},
	)

	WatcherBatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediakeep_watcher_batches_total",
			Help: "Total number of debounced event batches dispatched",
		},
	)

	WatcherErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediakeep_watcher_errors_total",
			Help: "Total number of filesystem watcher errors",
		},
	)

	WatchedDirectories = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediakeep_watched_directories",
			Help: "Number of directories currently being watched",
		},
	)
)

// Provider metrics
var (
	ProviderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediakeep_provider_requests_total",
			Help: "Total number of catalog provider requests",
		},
		[]string{"endpoint", "status"},
	)

	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediakeep_provider_request_duration_seconds",
			Help:    "Catalog provider request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint"},
	)

	ProviderRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediakeep_provider_retries_total",
			Help: "Total number of retried provider requests",
		},
	)

	ProviderCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediakeep_provider_cache_hits_total",
			Help: "Total number of provider response cache hits",
		},
	)

	ProviderCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediakeep_provider_cache_misses_total",
			Help: "Total number of provider response cache misses",
		},
	)
)

// Blob cache metrics
var (
	BlobCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediakeep_blobcache_size_bytes",
			Help: "Total size of the on-disk blob cache in bytes",
		},
	)

	BlobCacheCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediakeep_blobcache_entries",
			Help: "Number of entries in the blob cache",
		},
	)

	BlobCacheCorruptions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediakeep_blobcache_corruptions_total",
			Help: "Total number of blobs evicted after failing integrity verification",
		},
	)
)

// Artwork metrics
var (
	ArtworkFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediakeep_artwork_fetches_total",
			Help: "Total number of artwork downloads",
		},
		[]string{"kind", "status"},
	)

	ArtworkResizeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediakeep_artwork_resize_duration_seconds",
			Help:    "Artwork resize duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"backend"}, // "vips" or "imaging"
	)
)

// WebSocket metrics
var (
	WSConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediakeep_ws_connections_active",
			Help: "Number of active WebSocket connections",
		},
	)

	WSMessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediakeep_ws_messages_sent_total",
			Help: "Total number of WebSocket messages sent",
		},
		[]string{"type"},
	)

	WSMessagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediakeep_ws_messages_dropped_total",
			Help: "Total number of WebSocket messages dropped for slow clients",
		},
	)
)

// Authentication metrics
var (
	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediakeep_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"method", "status"}, // method: "password", "pin", "claim"
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediakeep_active_sessions",
			Help: "Number of active device sessions",
		},
	)
)

// Query engine metrics
var (
	QueriesRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediakeep_queries_rejected_total",
			Help: "Total number of media queries rejected by the complexity guard",
		},
	)

	QueryCost = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mediakeep_query_cost",
			Help:    "Estimated cost of accepted media queries",
			Buckets: []float64{10, 25, 50, 75, 100, 150, 200},
		},
	)
)

// Streaming metrics
var (
	StreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediakeep_streams_active",
			Help: "Number of media streams currently being served",
		},
	)

	StreamBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediakeep_stream_bytes_total",
			Help: "Total number of bytes served to media streams",
		},
	)

	StreamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediakeep_streams_total",
			Help: "Total number of media streams served",
		},
		[]string{"status"}, // "completed", "client_gone", "timeout", "error"
	)
)

// Filesystem retry metrics
var (
	FilesystemStaleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediakeep_filesystem_stale_errors_total",
			Help: "Total number of NFS stale file handle errors",
		},
		[]string{"operation", "volume"},
	)

	FilesystemRetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediakeep_filesystem_retry_attempts_total",
			Help: "Total number of filesystem operation retries",
		},
		[]string{"operation", "volume"},
	)

	FilesystemRetrySuccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediakeep_filesystem_retry_success_total",
			Help: "Total number of filesystem operations that succeeded after retry",
		},
		[]string{"operation", "volume"},
	)

	FilesystemRetryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediakeep_filesystem_retry_failures_total",
			Help: "Total number of filesystem operations that failed after all retries",
		},
		[]string{"operation", "volume"},
	)

	FilesystemRetryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediakeep_filesystem_retry_duration_seconds",
			Help:    "Total duration of filesystem operations including retries",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"operation", "volume"},
	)
)

// Application info metric
var (
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mediakeep_app_info",
			Help: "Application information",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// SetAppInfo sets the application info metric
func SetAppInfo(version, commit, goVersion string) {
	AppInfo.WithLabelValues(version, commit, goVersion).Set(1)
}
