// Package metrics provides the gateway's internal Prometheus metrics
// collector. This package is internal and should not be imported by
// external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds every Prometheus metric the gateway records, grouped by
// the pipeline stage that produces them.
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	backendRequestsTotal   *prometheus.CounterVec
	backendRequestDuration *prometheus.HistogramVec
	backendTokensUsed      *prometheus.CounterVec
	backendCostUSD         *prometheus.CounterVec

	rateLimitDenials *prometheus.CounterVec
	budgetDenials    *prometheus.CounterVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	storeOpsOpen    *prometheus.GaugeVec
	storeOpDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector registers every metric under namespace and returns the
// collector. Calling it twice with the same namespace panics (promauto
// registers against the default registry) — callers build exactly one.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests handled",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.backendRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Total number of requests dispatched to an upstream backend",
		},
		[]string{"backend", "model", "status"},
	)

	c.backendRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "Upstream backend request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"backend", "model"},
	)

	c.backendTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_tokens_total",
			Help:      "Total tokens settled against a backend request",
		},
		[]string{"backend", "model", "type"}, // type: input, output, cache_read
	)

	c.backendCostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_cost_usd_total",
			Help:      "Total settled cost in USD",
		},
		[]string{"backend", "model"},
	)

	c.rateLimitDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_denials_total",
			Help:      "Total requests rejected for exceeding a rate limit",
		},
		[]string{"scope"},
	)

	c.budgetDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_denials_total",
			Help:      "Total requests rejected for exceeding a budget",
		},
		[]string{"scope"},
	)

	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"tier"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"tier"},
	)

	c.storeOpsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_connections_open",
			Help:      "Number of open store connections",
		},
		[]string{"store"},
	)

	c.storeOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Store operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"store", "operation"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordHTTPRequest records one completed HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// RecordBackendRequest records one completed dispatch to an upstream backend.
func (c *Collector) RecordBackendRequest(backend, model, status string, duration time.Duration, inputTokens, outputTokens, cacheReadTokens int64, costUSD float64) {
	c.backendRequestsTotal.WithLabelValues(backend, model, status).Inc()
	c.backendRequestDuration.WithLabelValues(backend, model).Observe(duration.Seconds())
	c.backendTokensUsed.WithLabelValues(backend, model, "input").Add(float64(inputTokens))
	c.backendTokensUsed.WithLabelValues(backend, model, "output").Add(float64(outputTokens))
	if cacheReadTokens > 0 {
		c.backendTokensUsed.WithLabelValues(backend, model, "cache_read").Add(float64(cacheReadTokens))
	}
	c.backendCostUSD.WithLabelValues(backend, model).Add(costUSD)
}

// RecordRateLimitDenial records one request rejected for exceeding a scope's rate limit.
func (c *Collector) RecordRateLimitDenial(scope string) {
	c.rateLimitDenials.WithLabelValues(scope).Inc()
}

// RecordBudgetDenial records one request rejected for exceeding a scope's budget.
func (c *Collector) RecordBudgetDenial(scope string) {
	c.budgetDenials.WithLabelValues(scope).Inc()
}

// RecordCacheHit records one cache hit at the given tier ("l1" or "l2").
func (c *Collector) RecordCacheHit(tier string) {
	c.cacheHits.WithLabelValues(tier).Inc()
}

// RecordCacheMiss records one cache miss at the given tier ("l1" or "l2").
func (c *Collector) RecordCacheMiss(tier string) {
	c.cacheMisses.WithLabelValues(tier).Inc()
}

// RecordStoreConnections reports the current open connection count for a store backend.
func (c *Collector) RecordStoreConnections(store string, open int) {
	c.storeOpsOpen.WithLabelValues(store).Set(float64(open))
}

// RecordStoreOp records one store operation's duration.
func (c *Collector) RecordStoreOp(store, operation string, duration time.Duration) {
	c.storeOpDuration.WithLabelValues(store, operation).Observe(duration.Seconds())
}

// statusClass buckets an HTTP status code into its class, bounding the
// cardinality of the "status" label.
func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
