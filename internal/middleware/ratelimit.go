package middleware

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/amerfu/tokengate/internal/services/ratelimit"
)

// RateLimit enforces each team's requests-per-minute allowance. It must
// run after Authenticate so the team is on the context. A limiter
// backend failure admits the request: quota enforcement still stands,
// and a Redis outage should not take the proxy down with it.
func RateLimit(limiter ratelimit.Limiter, defaultRPM int, logger *zap.Logger) func(next http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			team, ok := TeamFromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			rpm := team.EffectiveRPM(defaultRPM)
			if rpm <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := limiter.Allow(r.Context(), ratelimit.TeamKey(team.ID), rpm, ratelimit.RPMWindow)
			if err != nil {
				logger.Warn("Rate limiter unavailable, admitting request",
					zap.String("team", team.Name),
					zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			if !allowed {
				RecordRateLimitHit(team.Name)
				w.Header().Set("Retry-After", "1")
				sendError(w, http.StatusTooManyRequests, "rate_limit_error", "rate_limit_exceeded",
					"Team request rate exceeded, slow down")
				return
			}

			RecordRateLimitAllowed(team.Name)
			next.ServeHTTP(w, r)
		})
	}
}
