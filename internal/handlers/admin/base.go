package admin

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Admin responses use a plain {"error": message} envelope, unlike the
// OpenAI-shaped errors on the proxy surface.
type baseHandler struct {
	logger *zap.Logger
}

func (h *baseHandler) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *baseHandler) sendError(w http.ResponseWriter, status int, message string) {
	h.sendJSON(w, status, map[string]string{
		"error": message,
	})
}
