package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/amerfu/tokengate/internal/middleware"
	"github.com/amerfu/tokengate/internal/services/proxy"
)

type LLMHandler struct {
	logger    *zap.Logger
	forwarder *proxy.Forwarder
}

func NewLLMHandler(logger *zap.Logger, forwarder *proxy.Forwarder) *LLMHandler {
	return &LLMHandler{
		logger:    logger,
		forwarder: forwarder,
	}
}

// ChatCompletions proxies a chat completion to the upstream provider
// @Summary Create chat completion
// @Description Forwards the request upstream under the team's quota
// @Tags Chat
// @Accept json
// @Produce json
// @Param Authorization header string true "Team bearer token"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Failure 401 {object} map[string]interface{}
// @Failure 429 {object} map[string]interface{}
// @Failure 502 {object} map[string]interface{}
// @Router /v1/chat/completions [post]
func (h *LLMHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	team, ok := middleware.TeamFromContext(r.Context())
	if !ok {
		// Routing error: this handler is always mounted behind team auth.
		h.logger.Error("Chat completion request reached handler without a team")
		sendError(w, http.StatusUnauthorized, "authentication_error", "invalid_api_key",
			"Missing bearer token")
		return
	}

	h.forwarder.ChatCompletions(w, r, team)
}

func sendError(w http.ResponseWriter, status int, errType, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	})
}
