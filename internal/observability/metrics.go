package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Recognitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "recognitions_total",
		Help:      "Recognitions by source and outcome (matched, enrolled, error)",
	}, []string{"source", "outcome"})

	RecognitionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "presence",
		Name:      "recognition_duration_seconds",
		Help:      "End-to-end recognition duration",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"source"})

	VerifierCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "verifier_calls_total",
		Help:      "Verifier comparisons by result (match, no_match, error, timeout)",
	}, []string{"result"})

	VerifierDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "presence",
		Name:      "verifier_duration_seconds",
		Help:      "Duration of a single verifier comparison",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	ScanComparisons = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "presence",
		Name:      "scan_comparisons",
		Help:      "Verifier comparisons performed per gallery scan",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
	})

	QuotaSkips = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "quota_skips_total",
		Help:      "Captures stored but not linked because the identity was at its photo cap",
	})

	OrphanedPhotos = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "orphaned_photo_namespaces_total",
		Help:      "Identity deletions whose photo objects could not be removed",
	})

	Enrollments = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "enrollments_total",
		Help:      "New identities enrolled",
	})

	PresenceEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "events_recorded_total",
		Help:      "Presence events recorded by source",
	}, []string{"source"})

	PresenceRecordRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "event_record_retries_total",
		Help:      "Retried presence event writes",
	})

	CaptureQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "presence",
		Name:      "capture_queue_depth",
		Help:      "Number of pending capture tasks in queue",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "presence",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "presence",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)
