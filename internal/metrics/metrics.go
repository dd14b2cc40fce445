// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP request metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadlens_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threadlens_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Source feed metrics
	SourceRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadlens_source_requests_total",
			Help: "Requests sent to the submission source, by client and outcome",
		},
		[]string{"client", "status"},
	)

	PostsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadlens_posts_ingested_total",
			Help: "Posts written by the ingestor",
		},
		[]string{"community"},
	)

	FreshnessChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadlens_freshness_checks_total",
			Help: "Freshness gate verdicts",
		},
		[]string{"status"},
	)

	// Oracle metrics
	OracleRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadlens_oracle_requests_total",
			Help: "Categorization oracle calls, by provider and outcome",
		},
		[]string{"provider", "status"},
	)

	OracleRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threadlens_oracle_request_duration_seconds",
			Help:    "Categorization oracle latency in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		},
		[]string{"provider"},
	)

	ClassificationCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadlens_classification_cache_total",
			Help: "Classification cache lookups by result (hit, miss)",
		},
		[]string{"result"},
	)

	ClassificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadlens_classifications_total",
			Help: "Per-post classification outcomes",
		},
		[]string{"status"},
	)

	// Database metrics
	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threadlens_store_operation_duration_seconds",
			Help:    "Store operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)
