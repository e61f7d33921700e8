package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/amerfu/tokengate/internal/middleware"
	"github.com/amerfu/tokengate/internal/services/registry"
)

type UsageHandler struct {
	logger   *zap.Logger
	registry *registry.Service
}

func NewUsageHandler(logger *zap.Logger, reg *registry.Service) *UsageHandler {
	return &UsageHandler{
		logger:   logger,
		registry: reg,
	}
}

type usageResponse struct {
	Team       string `json:"team"`
	QuotaLimit int64  `json:"quota_limit"`
	QuotaUsed  int64  `json:"quota_used"`
	Remaining  int64  `json:"remaining"`
}

// GetUsage reports a team's quota consumption
// @Summary Get team usage
// @Description Returns quota limit, usage, and remaining tokens for the caller's team
// @Tags Usage
// @Produce json
// @Param Authorization header string true "Team bearer token"
// @Param team_name path string true "Team name"
// @Success 200 {object} usageResponse
// @Failure 403 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Router /v1/usage/{team_name} [get]
func (h *UsageHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "teamName")

	caller, ok := middleware.TeamFromContext(r.Context())
	if !ok {
		sendError(w, http.StatusUnauthorized, "authentication_error", "invalid_api_key",
			"Missing bearer token")
		return
	}

	// A team token only reads its own usage. Cross-team visibility goes
	// through the admin API.
	if caller.Name != name {
		sendError(w, http.StatusForbidden, "permission_error", "usage_access_denied",
			"A team token may only read its own usage")
		return
	}

	// Refetch for current counters; the context copy is from auth time.
	team, err := h.registry.GetByName(r.Context(), name)
	if err != nil {
		if errors.Is(err, registry.ErrTeamNotFound) {
			sendError(w, http.StatusNotFound, "invalid_request_error", "team_not_found",
				"No such team")
			return
		}
		h.logger.Error("Usage lookup failed", zap.String("team", name), zap.Error(err))
		sendError(w, http.StatusInternalServerError, "api_error", "usage_unavailable",
			"Unable to read usage")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(usageResponse{
		Team:       team.Name,
		QuotaLimit: team.QuotaLimit,
		QuotaUsed:  team.QuotaUsed,
		Remaining:  team.Remaining(),
	}); err != nil {
		h.logger.Error("Failed to encode usage response", zap.Error(err))
	}
}
