package admin

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/amerfu/tokengate/internal/services/requestlog"
)

type LogsHandler struct {
	baseHandler
	logs requestlog.Store
}

func NewLogsHandler(logger *zap.Logger, logs requestlog.Store) *LogsHandler {
	return &LogsHandler{
		baseHandler: baseHandler{logger: logger},
		logs:        logs,
	}
}

// ListLogs pages through the request log, newest first. Filters: team,
// model, outcome, since, until (RFC 3339).
func (h *LogsHandler) ListLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	since, err := parseTimeParam(q.Get("since"))
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid since timestamp, want RFC 3339")
		return
	}
	until, err := parseTimeParam(q.Get("until"))
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid until timestamp, want RFC 3339")
		return
	}

	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 1000 {
		limit = 50
	}

	entries, total, err := h.logs.List(r.Context(), requestlog.Filter{
		TeamName: q.Get("team"),
		Model:    q.Get("model"),
		Outcome:  q.Get("outcome"),
		Since:    since,
		Until:    until,
		Page:     page,
		PageSize: limit,
	})
	if err != nil {
		h.logger.Error("Failed to list request logs", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to list request logs")
		return
	}

	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  entries,
		"total": total,
		"page":  page,
		"limit": limit,
	})
}

func parseTimeParam(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, value)
}
