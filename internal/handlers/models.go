package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type ModelsHandler struct {
	logger  *zap.Logger
	allowed []string
	created int64
}

func NewModelsHandler(logger *zap.Logger, allowedModels []string) *ModelsHandler {
	return &ModelsHandler{
		logger:  logger,
		allowed: allowedModels,
		created: time.Now().Unix(),
	}
}

type modelObject struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ListModels lists the models the proxy will forward
// @Summary List available models
// @Description Returns the configured model allow-list
// @Tags Models
// @Produce json
// @Param Authorization header string true "Team bearer token"
// @Success 200 {object} map[string]interface{}
// @Router /v1/models [get]
func (h *ModelsHandler) ListModels(w http.ResponseWriter, r *http.Request) {
	data := make([]modelObject, 0, len(h.allowed))
	for _, id := range h.allowed {
		data = append(data, modelObject{
			ID:      id,
			Object:  "model",
			Created: h.created,
			OwnedBy: "upstream",
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"object": "list",
		"data":   data,
	}); err != nil {
		h.logger.Error("Failed to encode models response", zap.Error(err))
	}
}
