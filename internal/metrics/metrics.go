// Package metrics defines the Prometheus instruments the gateway exposes
// on /metrics. The /health snapshot is built in internal/httpapi, not here.
//
// Grounded on the teacher's internal/interfaces/http.MetricsRegistry: same
// pattern of one struct holding every prometheus.*Vec instrument,
// constructed once at startup and threaded through the components that
// record to it. Counter/gauge names and labels are this repo's own
// (outcome-classified request counters, per-provider breaker/quota
// gauges), not the teacher's pipeline-step metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every Prometheus instrument the gateway records to.
type Registry struct {
	RequestsTotal     *prometheus.CounterVec
	LatencyMS         *prometheus.HistogramVec
	BreakerState      *prometheus.GaugeVec
	BucketTokens      *prometheus.GaugeVec
	QuotaUsed         *prometheus.GaugeVec
	QuotaLimit        *prometheus.GaugeVec
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	StreamClients     prometheus.Gauge
	StreamDropped     *prometheus.CounterVec
	EdgeRequestsTotal *prometheus.CounterVec
	EdgeLatencyMS     *prometheus.HistogramVec
	EdgeRateLimited   prometheus.Counter
}

// NewRegistry builds and registers every instrument against reg.
func NewRegistry(reg *prometheus.Registry) *Registry {
	m := &Registry{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Outbound provider requests by outcome.",
		}, []string{"provider", "outcome"}),

		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_latency_ms",
			Help:    "Outbound provider request latency in milliseconds.",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"provider"}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_breaker_state",
			Help: "Circuit breaker state per provider (0=closed,1=half-open,2=open).",
		}, []string{"provider"}),

		BucketTokens: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_bucket_tokens",
			Help: "Current token bucket level per provider.",
		}, []string{"provider"}),

		QuotaUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_provider_quota_used",
			Help: "Requests used against the daily quota per provider.",
		}, []string{"provider"}),

		QuotaLimit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_provider_quota_limit",
			Help: "Daily quota ceiling per provider (0 = unmetered).",
		}, []string{"provider"}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_cache_hits_total",
			Help: "Response cache hits.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_cache_misses_total",
			Help: "Response cache misses.",
		}),

		StreamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_stream_clients",
			Help: "Currently connected subscription hub clients.",
		}),

		StreamDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_stream_dropped_messages_total",
			Help: "Outbound messages dropped due to a full client queue.",
		}, []string{"channel"}),

		EdgeRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_edge_requests_total",
			Help: "Inbound HTTP API requests by route and status.",
		}, []string{"path", "status"}),

		EdgeLatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_edge_latency_ms",
			Help:    "Inbound HTTP API request latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"path"}),

		EdgeRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_edge_rate_limited_total",
			Help: "Inbound requests rejected by the edge rate limiter.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal, m.LatencyMS, m.BreakerState, m.BucketTokens,
		m.QuotaUsed, m.QuotaLimit, m.CacheHits, m.CacheMisses,
		m.StreamClients, m.StreamDropped,
		m.EdgeRequestsTotal, m.EdgeLatencyMS, m.EdgeRateLimited,
	)
	return m
}

// BreakerStateValue maps a circuit.State to the gauge's numeric encoding.
func BreakerStateValue(stateString string) float64 {
	switch stateString {
	case "closed":
		return 0
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return -1
	}
}
