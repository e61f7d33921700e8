package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/amerfu/tokengate/internal/config"
	"github.com/amerfu/tokengate/internal/handlers"
	"github.com/amerfu/tokengate/internal/middleware"
	"github.com/amerfu/tokengate/internal/services/ledger"
	"github.com/amerfu/tokengate/internal/services/meter"
	"github.com/amerfu/tokengate/internal/services/proxy"
	"github.com/amerfu/tokengate/internal/services/ratelimit"
	"github.com/amerfu/tokengate/internal/services/registration"
	"github.com/amerfu/tokengate/internal/services/registry"
	"github.com/amerfu/tokengate/internal/services/requestlog"
	"github.com/amerfu/tokengate/internal/services/upstream"
)

// NewRouter wires every HTTP surface: the metered proxy under /v1,
// self-service registration, health probes, Prometheus metrics, and the
// admin API. The ledger and upstream client arrive pre-built because
// their lifecycles (janitor, breaker) belong to the caller; everything
// else is assembled here. redisClient may be nil, rate limiting then
// runs on the in-process limiter.
func NewRouter(cfg *config.Config, logger *zap.Logger, db *gorm.DB, redisClient *redis.Client, led *ledger.Ledger, upstreamClient *upstream.Client) http.Handler {
	r := chi.NewRouter()

	logStore := requestlog.NewGormStore(db)
	teamRegistry := registry.NewService(db, led, logger)
	signupService := registration.NewService(&cfg.Registration, teamRegistry, logger)
	estimator := meter.NewEstimator(cfg.Proxy.EstimateMode, logger)

	forwarder := proxy.New(&proxy.Config{
		Proxy:     &cfg.Proxy,
		Upstream:  upstreamClient,
		Ledger:    led,
		Estimator: estimator,
		Logs:      logStore,
		Logger:    logger,
	})

	teamAuth := middleware.NewTeamAuth(teamRegistry, logger)
	adminAuth := middleware.NewAdminAuth(cfg.Admin.Password, cfg.Admin.JWTSecret, cfg.Admin.JWTExpiry, logger)

	llmHandler := handlers.NewLLMHandler(logger, forwarder)
	modelsHandler := handlers.NewModelsHandler(logger, cfg.Proxy.AllowedModels)
	usageHandler := handlers.NewUsageHandler(logger, teamRegistry)
	healthHandler := handlers.NewHealthHandler(db, upstreamClient)
	registrationHandler := handlers.NewRegistrationHandler(logger, signupService)

	// Basic middleware
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.MetricsMiddleware(logger))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   cfg.CORS.ExposedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           cfg.CORS.MaxAge,
	}))

	// Health checks
	r.Get("/health", healthHandler.Health)
	r.Get("/health/ready", healthHandler.Ready)

	// Prometheus metrics endpoint
	if cfg.Monitoring.EnableMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Self-service signup stays outside team auth: the caller has no
	// token yet.
	r.Post("/register", registrationHandler.Signup)

	// Proxy surface. Rate limiting runs after authentication so limits
	// key on the team, not the client address.
	r.Route("/v1", func(r chi.Router) {
		r.Use(teamAuth.Authenticate)
		if cfg.RateLimit.Enabled {
			limiter := newLimiter(cfg, logger, redisClient)
			r.Use(middleware.RateLimit(limiter, cfg.RateLimit.DefaultRPM, logger))
		}

		r.Post("/chat/completions", llmHandler.ChatCompletions)
		r.Get("/models", modelsHandler.ListModels)
		r.Get("/usage/{teamName}", usageHandler.GetUsage)
	})

	// Admin API
	r.Mount("/api/admin", NewAdminRouter(&AdminRouterConfig{
		Logger:   logger,
		Registry: teamRegistry,
		Logs:     logStore,
		Auth:     adminAuth,
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		if _, err := w.Write([]byte(`{"error": {"message": "Not found", "type": "invalid_request_error", "code": "not_found"}}`)); err != nil {
			logger.Error("Failed to write 404 response", zap.Error(err))
		}
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		if _, err := w.Write([]byte(`{"error": {"message": "Method not allowed", "type": "invalid_request_error", "code": "method_not_allowed"}}`)); err != nil {
			logger.Error("Failed to write 405 response", zap.Error(err))
		}
	})

	return r
}

// newLimiter picks the rate limit backend. Redis gives a sliding window
// shared across replicas; without it each process enforces its own
// bucket.
func newLimiter(cfg *config.Config, logger *zap.Logger, redisClient *redis.Client) ratelimit.Limiter {
	if redisClient != nil {
		return ratelimit.NewRedisLimiter(redisClient, logger)
	}
	logger.Info("Rate limiting on in-process limiter, limits are per replica")
	return ratelimit.NewMemoryLimiter(logger, cfg.RateLimit.CleanupInterval)
}
