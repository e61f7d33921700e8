package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/amerfu/tokengate/internal/models"
	"github.com/amerfu/tokengate/internal/services/registry"
)

type TeamHandler struct {
	baseHandler
	registry *registry.Service
}

func NewTeamHandler(logger *zap.Logger, reg *registry.Service) *TeamHandler {
	return &TeamHandler{
		baseHandler: baseHandler{logger: logger},
		registry:    reg,
	}
}

// createTeamResponse carries the minted token alongside the team. Team
// serialization drops the token everywhere else, so this response is the
// one chance to record it.
type createTeamResponse struct {
	Team  *models.Team `json:"team"`
	Token string       `json:"token"`
}

// CreateTeam registers a team and mints its bearer token
func (h *TeamHandler) CreateTeam(w http.ResponseWriter, r *http.Request) {
	var req registry.CreateTeamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	team, err := h.registry.Create(r.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrInvalidTeamName):
			h.sendError(w, http.StatusBadRequest, "Team names may contain letters, digits, and underscores")
		case errors.Is(err, registry.ErrTeamNameExists):
			h.sendError(w, http.StatusConflict, "Team name already exists")
		default:
			h.logger.Error("Failed to create team", zap.Error(err))
			h.sendError(w, http.StatusInternalServerError, "Failed to create team")
		}
		return
	}

	h.sendJSON(w, http.StatusCreated, createTeamResponse{
		Team:  team,
		Token: team.Token,
	})
}

// GetTeam returns a team by name
func (h *TeamHandler) GetTeam(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "teamName")

	team, err := h.registry.GetByName(r.Context(), name)
	if err != nil {
		if errors.Is(err, registry.ErrTeamNotFound) {
			h.sendError(w, http.StatusNotFound, "Team not found")
			return
		}
		h.logger.Error("Failed to load team", zap.String("team", name), zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to load team")
		return
	}

	h.sendJSON(w, http.StatusOK, team)
}

// UpdateTeam applies a partial update: quota limit, per-team RPM,
// activate/deactivate. Fields left out of the body stay untouched.
func (h *TeamHandler) UpdateTeam(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "teamName")

	var req registry.UpdateTeamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	team, err := h.registry.Update(r.Context(), name, &req)
	if err != nil {
		if errors.Is(err, registry.ErrTeamNotFound) {
			h.sendError(w, http.StatusNotFound, "Team not found")
			return
		}
		h.logger.Error("Failed to update team", zap.String("team", name), zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to update team")
		return
	}

	h.sendJSON(w, http.StatusOK, team)
}

// DeleteTeam removes a team. Refused with 409 while the team still has
// reservations in flight.
func (h *TeamHandler) DeleteTeam(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "teamName")

	if err := h.registry.Delete(r.Context(), name); err != nil {
		switch {
		case errors.Is(err, registry.ErrTeamNotFound):
			h.sendError(w, http.StatusNotFound, "Team not found")
		case errors.Is(err, registry.ErrReservationInProgress):
			h.sendError(w, http.StatusConflict, "Team has requests in flight, retry once they settle")
		default:
			h.logger.Error("Failed to delete team", zap.String("team", name), zap.Error(err))
			h.sendError(w, http.StatusInternalServerError, "Failed to delete team")
		}
		return
	}

	h.sendJSON(w, http.StatusOK, map[string]string{"message": "Team deleted"})
}

// ResetUsage zeroes the team's consumed quota
func (h *TeamHandler) ResetUsage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "teamName")

	if err := h.registry.ResetUsage(r.Context(), name); err != nil {
		if errors.Is(err, registry.ErrTeamNotFound) {
			h.sendError(w, http.StatusNotFound, "Team not found")
			return
		}
		h.logger.Error("Failed to reset usage", zap.String("team", name), zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to reset usage")
		return
	}

	h.sendJSON(w, http.StatusOK, map[string]string{"message": "Usage reset"})
}

// ListTeams pages through teams in creation order
func (h *TeamHandler) ListTeams(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 1000 {
		limit = 50
	}

	teams, total, err := h.registry.List(r.Context(), page, limit)
	if err != nil {
		h.logger.Error("Failed to list teams", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to list teams")
		return
	}

	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"teams": teams,
		"total": total,
		"page":  page,
		"limit": limit,
	})
}
