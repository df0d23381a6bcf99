// Package observability centralises the Prometheus collectors for the
// import pipeline.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	importsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trainstate",
		Subsystem: "import",
		Name:      "runs_started_total",
		Help:      "Number of import runs admitted by the gate.",
	})

	importsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trainstate",
		Subsystem: "import",
		Name:      "runs_failed_total",
		Help:      "Number of import runs that ended in a read or commit failure.",
	})

	importsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trainstate",
		Subsystem: "import",
		Name:      "requests_dropped_total",
		Help:      "Number of import requests dropped by the gate, labeled by reason.",
	}, []string{"reason"})

	importDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "trainstate",
		Subsystem: "import",
		Name:      "run_duration_seconds",
		Help:      "Wall time of completed import runs.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	lastImportGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trainstate",
		Subsystem: "import",
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix timestamp of the most recently finished import run.",
	})

	candidatesAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trainstate",
		Subsystem: "import",
		Name:      "candidates_accepted_total",
		Help:      "Number of candidates converted into local workouts.",
	})

	candidatesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trainstate",
		Subsystem: "import",
		Name:      "candidates_skipped_total",
		Help:      "Number of candidates rejected as exact or fuzzy duplicates.",
	})

	batchCommitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "trainstate",
		Subsystem: "import",
		Name:      "batch_commit_duration_seconds",
		Help:      "Time spent committing one batch of accepted workouts.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	})

	routesAttached = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trainstate",
		Subsystem: "routes",
		Name:      "attached_total",
		Help:      "Number of routes fetched, downsampled, and persisted.",
	})

	routePoints = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "trainstate",
		Subsystem: "routes",
		Name:      "points_persisted",
		Help:      "Point count of persisted routes after downsampling.",
		Buckets:   prometheus.LinearBuckets(50, 50, 6),
	})

	routesSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trainstate",
		Subsystem: "routes",
		Name:      "skipped_total",
		Help:      "Number of route attachments skipped, labeled by reason.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		importsStarted,
		importsFailed,
		importsDropped,
		importDuration,
		lastImportGauge,
		candidatesAccepted,
		candidatesSkipped,
		batchCommitDuration,
		routesAttached,
		routePoints,
		routesSkipped,
	)
}

// RecordImportStarted counts an admitted run.
func RecordImportStarted() {
	importsStarted.Inc()
}

// RecordImportFinished updates the run watermark and duration, and counts
// failures.
func RecordImportFinished(finishedAt time.Time, duration time.Duration, failed bool) {
	if !finishedAt.IsZero() {
		lastImportGauge.Set(float64(finishedAt.Unix()))
	}
	importDuration.Observe(duration.Seconds())
	if failed {
		importsFailed.Inc()
	}
}

// RecordImportDropped counts a request the gate refused.
func RecordImportDropped(reason string) {
	importsDropped.WithLabelValues(reason).Inc()
}

// RecordBatchCommitted observes one committed importer batch.
func RecordBatchCommitted(duration time.Duration) {
	batchCommitDuration.Observe(duration.Seconds())
}

// RecordCandidates adds one run's accepted and skipped counts.
func RecordCandidates(accepted, skipped int) {
	candidatesAccepted.Add(float64(accepted))
	candidatesSkipped.Add(float64(skipped))
}

// RecordRouteAttached counts a persisted route and its point count.
func RecordRouteAttached(points int) {
	routesAttached.Inc()
	routePoints.Observe(float64(points))
}

// RecordRouteSkipped counts a route attachment that downgraded to no-data.
func RecordRouteSkipped(reason string) {
	routesSkipped.WithLabelValues(reason).Inc()
}
