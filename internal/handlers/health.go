package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"gorm.io/gorm"

	"github.com/amerfu/tokengate/internal/services/upstream"
)

type HealthResponse struct {
	Status   string                   `json:"status"`
	Services map[string]ServiceHealth `json:"services"`
}

type ServiceHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type HealthHandler struct {
	db       *gorm.DB
	upstream *upstream.Client
}

func NewHealthHandler(db *gorm.DB, upstreamClient *upstream.Client) *HealthHandler {
	return &HealthHandler{db: db, upstream: upstreamClient}
}

func (h *HealthHandler) dbHealthy() bool {
	if h.db == nil {
		return false
	}
	sqlDB, err := h.db.DB()
	if err != nil {
		return false
	}
	return sqlDB.Ping() == nil
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:   "ok",
		Services: make(map[string]ServiceHealth),
	}

	// Check database
	if h.dbHealthy() {
		response.Services["database"] = ServiceHealth{Status: "healthy"}
	} else {
		response.Services["database"] = ServiceHealth{Status: "unhealthy", Message: "Database connection failed"}
		response.Status = "degraded"
	}

	// Check upstream breaker state; an open breaker means recent failures
	if h.upstream != nil {
		if open, failures := h.upstream.BreakerState(); open {
			response.Services["upstream"] = ServiceHealth{
				Status:  "unhealthy",
				Message: fmt.Sprintf("Circuit breaker open after %d failures", failures),
			}
			response.Status = "degraded"
		} else {
			response.Services["upstream"] = ServiceHealth{Status: "healthy"}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if response.Status == "ok" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(response)
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if !h.dbHealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "not_ready",
			"error":  "Database not ready",
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "ready",
	})
}
