package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/amerfu/tokengate/internal/services/registration"
	"github.com/amerfu/tokengate/internal/services/registry"
)

type RegistrationHandler struct {
	logger  *zap.Logger
	service *registration.Service
}

func NewRegistrationHandler(logger *zap.Logger, service *registration.Service) *RegistrationHandler {
	return &RegistrationHandler{
		logger:  logger,
		service: service,
	}
}

type signupResponse struct {
	Team    signupTeam `json:"team"`
	Token   string     `json:"token"`
	Message string     `json:"message"`
	Example string     `json:"example"`
}

type signupTeam struct {
	Name         string `json:"name"`
	QuotaLimit   int64  `json:"quota_limit"`
	ContactEmail string `json:"contact_email"`
}

// Signup self-registers a team
// @Summary Register a new team
// @Description Creates a team with the default quota and returns its token, once
// @Tags Registration
// @Accept json
// @Produce json
// @Success 201 {object} signupResponse
// @Failure 400 {object} map[string]interface{}
// @Failure 403 {object} map[string]interface{}
// @Failure 409 {object} map[string]interface{}
// @Router /register [post]
func (h *RegistrationHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req registration.SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid_request_error", "invalid_body",
			"Invalid request body")
		return
	}

	team, err := h.service.Signup(r.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, registration.ErrRegistrationDisabled):
			sendError(w, http.StatusForbidden, "permission_error", "registration_disabled",
				"Self-service registration is disabled")
		case errors.Is(err, registration.ErrInvalidAccessCode):
			sendError(w, http.StatusForbidden, "permission_error", "invalid_access_code",
				"Invalid access code")
		case errors.Is(err, registration.ErrInvalidEmail):
			sendError(w, http.StatusBadRequest, "invalid_request_error", "invalid_email",
				"A valid contact email is required")
		case errors.Is(err, registration.ErrEmailDomainNotAllowed):
			sendError(w, http.StatusForbidden, "permission_error", "email_domain_not_allowed",
				"Email domain is not eligible for registration")
		case errors.Is(err, registry.ErrTeamNameExists):
			sendError(w, http.StatusConflict, "invalid_request_error", "team_name_taken",
				"Team name is already in use")
		case errors.Is(err, registry.ErrInvalidTeamName):
			sendError(w, http.StatusBadRequest, "invalid_request_error", "invalid_team_name",
				"Team names may contain letters, digits, and underscores")
		default:
			h.logger.Error("Signup failed", zap.Error(err))
			sendError(w, http.StatusInternalServerError, "api_error", "registration_failed",
				"Unable to complete registration")
		}
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	// The token appears in this response and nowhere else. Team
	// serialization always omits it.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(signupResponse{
		Team: signupTeam{
			Name:         team.Name,
			QuotaLimit:   team.QuotaLimit,
			ContactEmail: team.ContactEmail,
		},
		Token:   team.Token,
		Message: "Store this token now. It is not shown again.",
		Example: fmt.Sprintf("curl -s %s://%s/v1/models -H 'Authorization: Bearer %s'",
			scheme, r.Host, team.Token),
	}); err != nil {
		h.logger.Error("Failed to encode signup response", zap.Error(err))
	}
}
