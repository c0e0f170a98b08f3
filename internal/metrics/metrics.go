package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingest metrics
var (
	// VideosIngested counts new video records created by scans.
	VideosIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clip",
			Name:      "videos_ingested_total",
			Help:      "Total number of new video records created",
		},
	)

	// DuplicatesSkipped counts files skipped because their content was already seen in the pass.
	DuplicatesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clip",
			Name:      "duplicates_skipped_total",
			Help:      "Total number of duplicate files skipped during scans",
		},
	)

	// VideosUnavailable counts records marked unavailable by reconciliation.
	VideosUnavailable = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clip",
			Name:      "videos_marked_unavailable_total",
			Help:      "Total number of videos marked unavailable because their file vanished",
		},
	)

	// ScanDuration tracks full scan duration.
	ScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "clip",
			Name:      "scan_duration_seconds",
			Help:      "Time taken by a full video root scan",
			Buckets:   []float64{1, 5, 15, 60, 300, 900},
		},
	)

	// LinksCreated counts symlinks created in the served directory.
	LinksCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clip",
			Name:      "links_total",
			Help:      "Served directory link operations by result",
		},
		[]string{"result"},
	)
)

// Processing metrics
var (
	// JobsProcessed counts finished processing jobs by status.
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clip",
			Name:      "jobs_processed_total",
			Help:      "Total number of processing jobs finished",
		},
		[]string{"status"},
	)

	// ProcessingDuration tracks the time taken to process one video.
	ProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "clip",
			Name:      "video_processing_duration_seconds",
			Help:      "Time taken to process a video",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		},
	)

	// ActiveJobs tracks the number of currently processing jobs.
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clip",
			Name:      "active_jobs",
			Help:      "Number of currently processing jobs",
		},
	)

	// ProbeRetries counts failed probe attempts that will be retried.
	ProbeRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clip",
			Name:      "probe_retries_total",
			Help:      "Total number of media probe attempts that failed and were retried",
		},
	)

	// FFmpegDuration tracks ffmpeg run time by operation.
	FFmpegDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clip",
			Name:      "ffmpeg_duration_seconds",
			Help:      "Time taken by ffmpeg runs",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"operation"},
	)

	// AssetsGenerated counts derived assets by kind and outcome.
	AssetsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clip",
			Name:      "assets_total",
			Help:      "Derived asset generation by kind and result",
		},
		[]string{"kind", "result"},
	)

	// ActiveWarnings tracks operator warnings currently raised.
	ActiveWarnings = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clip",
			Name:      "active_warnings",
			Help:      "Number of operator warnings currently raised",
		},
	)
)

// API metrics
var (
	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clip",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clip",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AuthFailures counts authentication failures by type.
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clip",
			Subsystem: "api",
			Name:      "auth_failures_total",
			Help:      "Total number of authentication failures",
		},
		[]string{"reason"},
	)

	// StreamBytes counts bytes served by the range streamer.
	StreamBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clip",
			Subsystem: "api",
			Name:      "stream_bytes_total",
			Help:      "Total number of video bytes served",
		},
	)

	// IngestsAccepted counts single-file ingests accepted over HTTP.
	IngestsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clip",
			Subsystem: "api",
			Name:      "ingests_accepted_total",
			Help:      "Total number of single-file ingests accepted",
		},
	)
)

// RecordSuccess records a completed processing job.
func RecordSuccess() {
	JobsProcessed.WithLabelValues("completed").Inc()
}

// RecordFailure records a failed processing job.
func RecordFailure() {
	JobsProcessed.WithLabelValues("failed").Inc()
}

// RecordAsset records the outcome of a derived asset step.
func RecordAsset(kind string, created bool) {
	result := "skipped"
	if created {
		result = "created"
	}
	AssetsGenerated.WithLabelValues(kind, result).Inc()
}
