package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/amerfu/tokengate/internal/middleware"
)

type AuthHandler struct {
	baseHandler
	auth *middleware.AdminAuth
}

func NewAuthHandler(logger *zap.Logger, auth *middleware.AdminAuth) *AuthHandler {
	return &AuthHandler{
		baseHandler: baseHandler{logger: logger},
		auth:        auth,
	}
}

type LoginRequest struct {
	Password string `json:"password"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login exchanges the admin password for a short-lived token. Scripts
// that would rather skip the round trip can send X-Admin-Password on
// each request instead.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Password == "" {
		h.sendError(w, http.StatusBadRequest, "Password is required")
		return
	}

	if !h.auth.Enabled() {
		h.sendError(w, http.StatusForbidden, "Admin access is not configured")
		return
	}

	if !h.auth.CheckPassword(req.Password) {
		h.logger.Warn("Admin login rejected", zap.String("remote", r.RemoteAddr))
		h.sendError(w, http.StatusUnauthorized, "Incorrect admin password")
		return
	}

	token, expiresAt, err := h.auth.GenerateToken()
	if err != nil {
		h.logger.Error("Failed to mint admin token", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	h.sendJSON(w, http.StatusOK, LoginResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}
