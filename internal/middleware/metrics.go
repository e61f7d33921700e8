package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengate_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tokengate_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tokengate_http_request_size_bytes",
			Help:    "HTTP request size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "endpoint"},
	)

	httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tokengate_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "endpoint"},
	)

	rateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengate_rate_limit_hits_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"team"},
	)

	rateLimitAllowed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengate_rate_limit_allowed_total",
			Help: "Total number of requests admitted by the rate limiter",
		},
		[]string{"team"},
	)

	activeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tokengate_active_connections",
			Help: "Number of in-flight HTTP requests",
		},
	)
)

// MetricsMiddleware records Prometheus metrics for every request.
func MetricsMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			activeConnections.Inc()
			defer activeConnections.Dec()

			routePattern := getRoutePattern(r)
			httpRequestSize.WithLabelValues(r.Method, routePattern).Observe(float64(computeRequestSize(r)))

			wrapped := NewStreamingResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(wrapped.StatusCode())
			httpRequestsTotal.WithLabelValues(r.Method, routePattern, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, routePattern, status).Observe(duration)
			httpResponseSize.WithLabelValues(r.Method, routePattern).Observe(float64(wrapped.BytesWritten()))

			if duration > 30 {
				logger.Warn("Slow request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Float64("duration", duration),
					zap.Int("status", wrapped.StatusCode()),
				)
			}
		})
	}
}

// RecordRateLimitHit counts a rate limited request.
func RecordRateLimitHit(team string) {
	rateLimitHits.WithLabelValues(team).Inc()
}

// RecordRateLimitAllowed counts a request the rate limiter admitted.
func RecordRateLimitAllowed(team string) {
	rateLimitAllowed.WithLabelValues(team).Inc()
}

func getRoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return normalizePath(r.URL.Path)
}

// normalizePath collapses dynamic segments so metric cardinality stays
// bounded when no chi route pattern is available.
func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/chat/completions"):
		return "/v1/chat/completions"
	case strings.HasPrefix(path, "/v1/models"):
		return "/v1/models"
	case strings.HasPrefix(path, "/v1/usage/"):
		return "/v1/usage/{team_name}"
	case strings.HasPrefix(path, "/health"):
		return path
	case path == "/register" || path == "/metrics":
		return path
	}

	parts := strings.Split(path, "/")
	for i, part := range parts {
		if len(part) > 0 && (isUUID(part) || isNumeric(part) || isToken(part)) {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

func computeRequestSize(r *http.Request) int64 {
	size := int64(len(r.Method)) + int64(len(r.URL.String()))
	for name, values := range r.Header {
		size += int64(len(name))
		for _, value := range values {
			size += int64(len(value))
		}
	}
	if r.ContentLength > 0 {
		size += r.ContentLength
	}
	return size
}

func isUUID(s string) bool {
	if len(s) < 32 || len(s) > 36 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') || c == '-') {
			return false
		}
	}
	return true
}

func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}

func isToken(s string) bool {
	return strings.HasPrefix(s, "tg-")
}
