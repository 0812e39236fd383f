package pagination

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for page fetching and query execution.
var (
	pagesFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apiquery_pages_fetched_total",
		Help: "Total number of pages fetched successfully",
	})

	pageRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apiquery_page_retries_total",
		Help: "Total number of page fetch retries by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "apiquery_retry_backoff_seconds",
		Help:    "Backoff delay before page fetch retries by error class",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"error_class"})

	retriesExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apiquery_retries_exhausted_total",
		Help: "Total number of page fetches that exhausted their retries by error class",
	}, []string{"error_class"})

	permanentFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apiquery_permanent_failures_total",
		Help: "Total number of page fetches that failed permanently by error class",
	}, []string{"error_class"})

	recordsEmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apiquery_records_emitted_total",
		Help: "Total number of records emitted to consumers",
	})

	queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apiquery_queries_total",
		Help: "Total number of queries by outcome",
	}, []string{"outcome"}) // complete, failed, cancelled, limited

	pagesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "apiquery_pages_in_flight",
		Help: "Page fetches currently in flight",
	})
)

// errorClassLabel labels errors that are not client errors (decode, invalid request).
func errorClassLabel(class string) string {
	if class == "" {
		return "other"
	}
	return class
}
