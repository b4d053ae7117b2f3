// ABOUTME: Prometheus metrics for the RPC gateway, identity verifier and HTTP edge.
// ABOUTME: Each Metrics owns its registry; nil receivers are no-ops so tests can skip metrics.

package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors used across the gateway.
type Metrics struct {
	registry *prometheus.Registry

	rpcRequests   *prometheus.CounterVec
	rpcDuration   *prometheus.HistogramVec
	toolCalls     *prometheus.CounterVec
	verifications *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	jwksRefreshes *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	rateLimited   *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with its own registry under the given namespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "arith"
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mcp",
			Name:      "requests_total",
			Help:      "Total number of JSON-RPC requests by method and outcome",
		},
		[]string{"method", "outcome"},
	)
	m.rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mcp",
			Name:      "request_duration_seconds",
			Help:      "JSON-RPC request latency including verification",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	m.toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "calls_total",
			Help:      "Total number of tool invocations by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)
	m.verifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "verifications_total",
			Help:      "Total number of bearer token verifications by result",
		},
		[]string{"result"},
	)
	m.cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "cache_total",
			Help:      "Verification cache lookups by outcome",
		},
		[]string{"outcome"},
	)
	m.jwksRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "jwks_refresh_total",
			Help:      "Identity provider key set lookups that required the provider, by status",
		},
		[]string{"status"},
	)
	m.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		},
		[]string{"route", "code"},
	)
	m.rateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-client rate limiter",
		},
		[]string{"route"},
	)

	m.registry.MustRegister(
		m.rpcRequests,
		m.rpcDuration,
		m.toolCalls,
		m.verifications,
		m.cacheLookups,
		m.jwksRefreshes,
		m.httpRequests,
		m.rateLimited,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRPC records a completed JSON-RPC request.
func (m *Metrics) RecordRPC(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.rpcRequests.WithLabelValues(method, outcome).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(d.Seconds())
}

// RecordToolCall records a dispatched tool invocation.
func (m *Metrics) RecordToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
}

// RecordVerification records a bearer token verification result.
func (m *Metrics) RecordVerification(result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
}

// RecordCacheLookup records a verification cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.cacheLookups.WithLabelValues(outcome).Inc()
}

// RecordJWKSRefresh records a key set lookup that went to the provider.
func (m *Metrics) RecordJWKSRefresh(status string) {
	if m == nil {
		return
	}
	m.jwksRefreshes.WithLabelValues(status).Inc()
}

// RecordHTTP records a completed HTTP request.
func (m *Metrics) RecordHTTP(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// RecordRateLimited records a request rejected by the rate limiter.
func (m *Metrics) RecordRateLimited(route string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(route).Inc()
}
