package admin

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/amerfu/tokengate/internal/services/registry"
	"github.com/amerfu/tokengate/internal/services/requestlog"
)

type StatsHandler struct {
	baseHandler
	registry *registry.Service
	logs     requestlog.Store
}

func NewStatsHandler(logger *zap.Logger, reg *registry.Service, logs requestlog.Store) *StatsHandler {
	return &StatsHandler{
		baseHandler: baseHandler{logger: logger},
		registry:    reg,
		logs:        logs,
	}
}

// Stats assembles the fleet totals document: registry counts plus a
// request log rollup. An optional since parameter (RFC 3339) narrows the
// log side; the registry counters are always current.
func (h *StatsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	since, err := parseTimeParam(r.URL.Query().Get("since"))
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid since timestamp, want RFC 3339")
		return
	}

	totals, err := h.registry.Totals(r.Context())
	if err != nil {
		h.logger.Error("Failed to aggregate teams", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to compute stats")
		return
	}

	summary, err := h.logs.Summarize(r.Context(), "", since)
	if err != nil {
		h.logger.Error("Failed to summarize request logs", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to compute stats")
		return
	}

	resp := map[string]interface{}{
		"teams":           totals.Teams,
		"active_teams":    totals.ActiveTeams,
		"quota_allotted":  totals.QuotaAllotted,
		"quota_used":      totals.QuotaUsed,
		"requests":        summary.Requests,
		"tokens_consumed": summary.TokensConsumed,
		"by_outcome":      summary.ByOutcome,
		"by_model":        summary.ByModel,
	}
	if !since.IsZero() {
		resp["since"] = since
	}

	h.sendJSON(w, http.StatusOK, resp)
}
