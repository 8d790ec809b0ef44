// Package metrics exposes the Prometheus metrics registered by the pager
// packages. Metrics are defined with promauto in the package that owns
// them; this package only serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer every package registers with via promauto.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer served by Handler.
var Gatherer prometheus.Gatherer = prometheus.DefaultGatherer

// Handler serves Gatherer in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Pagination (pkg/pagination):
//   - pager_page_loads_total{kind, outcome} (Counter): next/reload/refresh by ok, error, dropped
//   - pager_page_load_duration_seconds{kind} (Histogram): load time including reconnect waits
//
// Retry (pkg/retry):
//   - pager_retry_attempts_total (Counter)
//   - pager_retry_waits_total (Counter): waits for connectivity
//   - pager_retry_wait_seconds (Histogram)
//   - pager_retry_timeouts_total (Counter)
//
// Connectivity (pkg/connectivity):
//   - pager_connectivity_up (Gauge)
//   - pager_connectivity_probes_total{result} (Counter)
//   - pager_connectivity_watchers (Gauge)
//
// In-flight work (pkg/inflight, pkg/singleflight):
//   - pager_inflight_operations{counter} (Gauge)
//   - pager_busy{counter} (Gauge)
//   - pager_singleflight_resolutions_total{outcome} (Counter)
//
// Upstream requests (pkg/client, pkg/cache, pkg/ratelimit):
//   - pager_http_requests_total{endpoint, status} (Counter)
//   - pager_http_request_duration_seconds{endpoint} (Histogram)
//   - pager_http_errors_total{class} (Counter)
//   - pager_http_breaker_open (Gauge)
//   - pager_cache_hits_total, pager_cache_misses_total, pager_cache_not_modified_total (Counter)
//   - pager_cache_errors_total{operation} (Counter)
//   - pager_rate_limit_remaining{namespace} (Gauge)
//   - pager_rate_limit_blocks_total{namespace}, pager_rate_limit_throttles_total{namespace} (Counter)
//
// Example Prometheus Queries:
//
//   # Share of page loads that had to wait for reconnect
//   rate(pager_retry_waits_total[5m]) / rate(pager_page_loads_total[5m])
//
//   # P95 page load latency
//   histogram_quantile(0.95, rate(pager_page_load_duration_seconds_bucket[5m]))
