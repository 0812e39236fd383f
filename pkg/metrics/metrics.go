// Package metrics exposes the Prometheus registry used by api-query.
// All metrics are defined in their respective packages (client, pagination,
// cache, ratelimit, batch) to maintain modularity and avoid circular
// dependencies; this package serves them and documents their names.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry is the default Prometheus registry used by api-query.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the registry metrics are served from.
var Gatherer prometheus.Gatherer = prometheus.DefaultGatherer

const shutdownTimeout = 5 * time.Second

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Serve exposes /metrics and /health on addr until ctx ends.
// The listener is bound before Serve returns; serving errors go to errc.
func Serve(ctx context.Context, addr string) (net.Addr, <-chan error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	logger := log.With().Str("component", "metrics").Logger()
	logger.Info().Str("addr", ln.Addr().String()).Msg("Serving metrics")

	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
	}()
	return ln.Addr(), errc, nil
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - apiquery_requests_total{method, status} (Counter): HTTP requests by method and status
//   - apiquery_request_duration_seconds{method} (Histogram): Request duration
//   - apiquery_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//   - apiquery_throttle_wait_seconds (Histogram): Time spent waiting for a throttle token
//
// Pagination Metrics (pkg/pagination):
//   - apiquery_pages_fetched_total (Counter): Pages fetched successfully
//   - apiquery_page_retries_total{error_class} (Counter): Page fetch retries
//   - apiquery_retry_backoff_seconds{error_class} (Histogram): Backoff before retries
//   - apiquery_retries_exhausted_total{error_class} (Counter): Fetches that exhausted their retries
//   - apiquery_permanent_failures_total{error_class} (Counter): Fetches that failed permanently
//   - apiquery_records_emitted_total (Counter): Records emitted to consumers
//   - apiquery_queries_total{outcome} (Counter): Queries by outcome (complete, failed, cancelled, limited)
//   - apiquery_pages_in_flight (Gauge): Page fetches in flight
//
// Cache Metrics (pkg/cache):
//   - apiquery_cache_hits_total (Counter): Response cache hits
//   - apiquery_cache_misses_total (Counter): Response cache misses
//   - apiquery_cache_size_bytes (Gauge): Bytes written to the cache
//   - apiquery_conditional_requests_total (Counter): Conditional requests for stale entries
//   - apiquery_304_responses_total (Counter): 304 Not Modified responses
//   - apiquery_cache_errors_total{operation} (Counter): Cache operation errors
//
// Rate Limit Metrics (pkg/ratelimit):
//   - apiquery_rate_limit_remaining (Gauge): Requests remaining in the server window
//   - apiquery_rate_limit_blocks_total (Counter): Requests held until the window reset
//   - apiquery_rate_limit_throttles_total (Counter): Requests delayed in the warning band
//
// Batch Metrics (pkg/batch):
//   - apiquery_batch_requests_total{status} (Counter): Batch queries by response status
//   - apiquery_batch_errors_total (Counter): Batch queries without a response
//   - apiquery_batch_response_bytes_total (Counter): Response bytes received
//   - apiquery_batch_query_duration_seconds (Histogram): Duration of single batch queries
//
// Example Prometheus Queries:
//
//   # Retry rate by class
//   sum by (error_class) (rate(apiquery_page_retries_total[5m]))
//
//   # Failed queries
//   rate(apiquery_queries_total{outcome="failed"}[5m])
//
//   # Cache Hit Rate
//   sum(rate(apiquery_cache_hits_total[5m])) /
//   (sum(rate(apiquery_cache_hits_total[5m])) + sum(rate(apiquery_cache_misses_total[5m])))
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(apiquery_request_duration_seconds_bucket[5m]))
