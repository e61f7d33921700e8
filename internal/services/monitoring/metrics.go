// Package monitoring exposes the Prometheus metrics for the proxy. Metrics
// are registered on the default registry and served by promhttp.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengate_requests_total",
			Help: "Completion requests by team, model and final outcome",
		},
		[]string{"team", "model", "outcome"},
	)

	tokensConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengate_tokens_consumed_total",
			Help: "Tokens billed against team quotas",
		},
		[]string{"team", "model"},
	)

	quotaRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengate_quota_rejections_total",
			Help: "Requests refused at admission because the quota was exhausted",
		},
		[]string{"team"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tokengate_request_duration_seconds",
			Help:    "End-to-end completion latency including streaming",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"model", "outcome"},
	)

	activeStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tokengate_active_streams",
			Help: "Streamed completions currently being relayed",
		},
	)

	upstreamBreakerOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tokengate_upstream_breaker_open",
			Help: "1 while the upstream circuit breaker is open",
		},
	)
)

// RecordRequest records a finalized completion request.
func RecordRequest(team, model, outcome string, tokens int64, durationSeconds float64) {
	requestsTotal.WithLabelValues(team, model, outcome).Inc()
	requestDuration.WithLabelValues(model, outcome).Observe(durationSeconds)
	if tokens > 0 {
		tokensConsumed.WithLabelValues(team, model).Add(float64(tokens))
	}
}

// RecordQuotaRejection records an admission refusal.
func RecordQuotaRejection(team string) {
	quotaRejections.WithLabelValues(team).Inc()
}

// StreamStarted marks a streamed relay as in flight.
func StreamStarted() {
	activeStreams.Inc()
}

// StreamEnded marks a streamed relay as finished.
func StreamEnded() {
	activeStreams.Dec()
}

// SetBreakerOpen mirrors the upstream breaker state.
func SetBreakerOpen(open bool) {
	if open {
		upstreamBreakerOpen.Set(1)
	} else {
		upstreamBreakerOpen.Set(0)
	}
}
