package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/amerfu/tokengate/internal/handlers/admin"
	"github.com/amerfu/tokengate/internal/middleware"
	"github.com/amerfu/tokengate/internal/services/registry"
	"github.com/amerfu/tokengate/internal/services/requestlog"
)

type AdminRouterConfig struct {
	Logger   *zap.Logger
	Registry *registry.Service
	Logs     requestlog.Store
	Auth     *middleware.AdminAuth
}

// NewAdminRouter builds the management API, mounted at /api/admin.
// Login is the only route reachable without credentials.
func NewAdminRouter(cfg *AdminRouterConfig) http.Handler {
	r := chi.NewRouter()

	authHandler := admin.NewAuthHandler(cfg.Logger, cfg.Auth)
	teamHandler := admin.NewTeamHandler(cfg.Logger, cfg.Registry)
	logsHandler := admin.NewLogsHandler(cfg.Logger, cfg.Logs)
	statsHandler := admin.NewStatsHandler(cfg.Logger, cfg.Registry, cfg.Logs)

	r.Post("/login", authHandler.Login)

	r.Group(func(r chi.Router) {
		r.Use(cfg.Auth.Require)

		r.Route("/teams", func(r chi.Router) {
			r.Get("/", teamHandler.ListTeams)
			r.Post("/", teamHandler.CreateTeam)
			r.Get("/{teamName}", teamHandler.GetTeam)
			r.Patch("/{teamName}", teamHandler.UpdateTeam)
			r.Delete("/{teamName}", teamHandler.DeleteTeam)
			r.Post("/{teamName}/reset", teamHandler.ResetUsage)
		})

		r.Get("/logs", logsHandler.ListLogs)
		r.Get("/stats", statsHandler.Stats)
	})

	return r
}
