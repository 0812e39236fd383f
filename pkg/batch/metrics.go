package batch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apiquery_batch_requests_total",
			Help: "Batch queries by response status",
		},
		[]string{"status"},
	)

	batchErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apiquery_batch_errors_total",
			Help: "Batch queries that failed without a response",
		},
	)

	batchResponseBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apiquery_batch_response_bytes_total",
			Help: "Response body bytes received by batch queries",
		},
	)

	batchQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "apiquery_batch_query_duration_seconds",
			Help:    "Duration of single batch queries",
			Buckets: prometheus.DefBuckets,
		},
	)
)
