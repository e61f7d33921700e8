// Package proxy drives a completion request end to end: admission against
// the team's quota, the upstream call, usage measurement, and settlement of
// the reservation. Authentication happens before the forwarder runs; a
// request that reaches it always has a team attached.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/amerfu/tokengate/internal/config"
	"github.com/amerfu/tokengate/internal/models"
	"github.com/amerfu/tokengate/internal/services/ledger"
	"github.com/amerfu/tokengate/internal/services/meter"
	"github.com/amerfu/tokengate/internal/services/monitoring"
	"github.com/amerfu/tokengate/internal/services/requestlog"
	"github.com/amerfu/tokengate/internal/services/upstream"
)

type Forwarder struct {
	proxyCfg  *config.ProxyConfig
	upstream  *upstream.Client
	ledger    *ledger.Ledger
	estimator *meter.Estimator
	logs      requestlog.Store
	logger    *zap.Logger
	auditMax  int
}

type Config struct {
	Proxy     *config.ProxyConfig
	Upstream  *upstream.Client
	Ledger    *ledger.Ledger
	Estimator *meter.Estimator
	Logs      requestlog.Store
	Logger    *zap.Logger
}

func New(cfg *Config) *Forwarder {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	auditMax := cfg.Proxy.AuditMaxBytes
	if auditMax <= 0 {
		auditMax = 4096
	}

	return &Forwarder{
		proxyCfg:  cfg.Proxy,
		upstream:  cfg.Upstream,
		ledger:    cfg.Ledger,
		estimator: cfg.Estimator,
		logs:      cfg.Logs,
		logger:    logger,
		auditMax:  auditMax,
	}
}

// flight carries one request through the admission, forward, measure and
// finalize phases.
type flight struct {
	team    *models.Team
	model   string
	body    []byte
	res     *ledger.Reservation
	started time.Time
}

// ChatCompletions proxies one completion request for an authenticated team.
// The response is written here, streamed or not; callers only route.
func (f *Forwarder) ChatCompletions(w http.ResponseWriter, r *http.Request, team *models.Team) {
	started := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		f.writeError(w, http.StatusBadRequest, "failed to read request body", "invalid_request_error", "")
		return
	}

	if !gjson.ValidBytes(body) {
		f.writeError(w, http.StatusBadRequest, "request body is not valid JSON", "invalid_request_error", "")
		f.record(team, "", 0, started, models.OutcomeClientError, body, nil)
		return
	}

	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		f.writeError(w, http.StatusBadRequest, "you must provide a model parameter", "invalid_request_error", "")
		f.record(team, "", 0, started, models.OutcomeClientError, body, nil)
		return
	}

	// The allow-list is checked before any upstream traffic or quota hold.
	if !f.proxyCfg.ModelAllowed(model) {
		f.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("model %q is not available through this proxy", model),
			"invalid_request_error", "model_not_allowed")
		f.record(team, model, 0, started, models.OutcomeClientError, body, nil)
		return
	}

	estimate := f.estimator.EstimateRequest(body)
	res, err := f.ledger.Reserve(r.Context(), team.ID, estimate)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrQuotaExceeded):
			monitoring.RecordQuotaRejection(team.Name)
			f.writeError(w, http.StatusTooManyRequests,
				fmt.Sprintf("team %s has exhausted its token quota", team.Name),
				"insufficient_quota", "quota_exceeded")
			f.record(team, model, 0, started, models.OutcomeQuotaExceeded, body, nil)
		case errors.Is(err, ledger.ErrTeamNotFound):
			f.writeError(w, http.StatusUnauthorized, "team no longer exists", "invalid_request_error", "invalid_api_key")
		default:
			f.logger.Error("admission failed",
				zap.String("team", team.Name),
				zap.Error(err))
			f.writeError(w, http.StatusInternalServerError, "admission failed", "server_error", "")
		}
		return
	}

	fl := &flight{team: team, model: model, body: body, res: res, started: started}

	if gjson.GetBytes(body, "stream").Bool() {
		f.forwardStream(w, r, fl)
		return
	}
	f.forwardOnce(w, r, fl)
}

// forwardOnce handles the buffered, non-streaming path.
func (f *Forwarder) forwardOnce(w http.ResponseWriter, r *http.Request, fl *flight) {
	resp, err := f.upstream.ChatCompletions(r.Context(), fl.body, false)
	if err != nil {
		f.failBeforeContent(w, r, fl, err)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		f.failBeforeContent(w, r, fl, err)
		return
	}

	if resp.StatusCode != http.StatusOK {
		f.relayUpstreamError(w, r, fl, resp.StatusCode, resp.Header.Get("Content-Type"), respBody)
		return
	}

	cost := meter.CostFromResponse(respBody)

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(respBody); err != nil {
		f.logger.Debug("client went away before the response landed",
			zap.String("team", fl.team.Name))
	}

	f.settle(fl, cost, models.OutcomeSuccess, respBody)
}

// forwardStream relays SSE chunks to the client as they arrive while the
// accumulator watches the same bytes for billing.
func (f *Forwarder) forwardStream(w http.ResponseWriter, r *http.Request, fl *flight) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		f.release(fl)
		f.writeError(w, http.StatusInternalServerError, "streaming is not supported on this connection", "server_error", "")
		f.record(fl.team, fl.model, 0, fl.started, models.OutcomeClientError, fl.body, nil)
		return
	}

	// The one payload rewrite the proxy allows itself: ask the provider for
	// a trailing usage chunk so streams are billed from provider numbers
	// instead of the character heuristic.
	upstreamBody := fl.body
	if !gjson.GetBytes(fl.body, "stream_options.include_usage").Exists() {
		if injected, err := sjson.SetBytes(fl.body, "stream_options.include_usage", true); err == nil {
			upstreamBody = injected
		}
	}

	resp, err := f.upstream.ChatCompletions(ctx, upstreamBody, true)
	if err != nil {
		f.failBeforeContent(w, r, fl, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		f.relayUpstreamError(w, r, fl, resp.StatusCode, resp.Header.Get("Content-Type"), respBody)
		return
	}

	monitoring.StreamStarted()
	defer monitoring.StreamEnded()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	acc := meter.NewStreamAccumulator()
	reader := bufio.NewReader(resp.Body)
	clientGone := false

	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			acc.Observe([]byte(line))

			if !clientGone {
				if _, werr := io.WriteString(w, line); werr != nil {
					clientGone = true
					f.logger.Debug("client disconnected mid-stream",
						zap.String("team", fl.team.Name),
						zap.Int("chunks_relayed", acc.Chunks()))
				} else {
					flusher.Flush()
				}
			}
		}

		if err == nil {
			continue
		}

		if errors.Is(err, io.EOF) {
			// Upstream finished cleanly; the [DONE] marker was relayed as a
			// normal line.
			f.settle(fl, acc.FinalCost(), models.OutcomeSuccess, f.streamAudit(acc))
			return
		}

		// The stream broke mid-flight. Whatever was measured so far is
		// billed; only the outcome depends on whose side failed.
		cost := acc.FinalCost()
		if ctx.Err() != nil {
			f.logger.Info("client disconnected, billing partial stream",
				zap.String("team", fl.team.Name),
				zap.Int("chunks", acc.Chunks()),
				zap.Int64("cost", cost))
			f.settle(fl, cost, models.OutcomeClientError, f.streamAudit(acc))
			return
		}

		f.logger.Warn("upstream stream interrupted, billing partial stream",
			zap.String("team", fl.team.Name),
			zap.String("model", fl.model),
			zap.Int("chunks", acc.Chunks()),
			zap.Int64("cost", cost),
			zap.Error(err))
		if !clientGone {
			fmt.Fprintf(w, "data: {\"error\": {\"message\": \"upstream stream interrupted\", \"type\": \"upstream_error\", \"code\": \"partial_stream_failure\"}}\n\n")
			flusher.Flush()
		}
		f.settle(fl, cost, models.OutcomePartialFailure, f.streamAudit(acc))
		return
	}
}

// failBeforeContent resolves a request that died before any content reached
// the client: the hold is released and nothing is billed.
func (f *Forwarder) failBeforeContent(w http.ResponseWriter, r *http.Request, fl *flight, err error) {
	f.release(fl)

	if errors.Is(err, context.Canceled) || r.Context().Err() != nil {
		f.logger.Debug("client disconnected before upstream response",
			zap.String("team", fl.team.Name))
		f.record(fl.team, fl.model, 0, fl.started, models.OutcomeClientError, fl.body, nil)
		return
	}

	switch {
	case errors.Is(err, upstream.ErrTimeout):
		f.writeError(w, http.StatusGatewayTimeout, "upstream request timed out", "upstream_error", "upstream_timeout")
	case errors.Is(err, upstream.ErrConnect):
		f.writeError(w, http.StatusBadGateway, "upstream is unreachable", "upstream_error", "upstream_unreachable")
	default:
		f.logger.Error("upstream request failed",
			zap.String("team", fl.team.Name),
			zap.String("model", fl.model),
			zap.Error(err))
		f.writeError(w, http.StatusBadGateway, "upstream request failed", "upstream_error", "")
	}
	f.record(fl.team, fl.model, 0, fl.started, models.OutcomeUpstreamError, fl.body, nil)
}

// relayUpstreamError passes a non-200 upstream answer through verbatim.
func (f *Forwarder) relayUpstreamError(w http.ResponseWriter, _ *http.Request, fl *flight, status int, contentType string, body []byte) {
	f.release(fl)

	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if len(body) > 0 {
		w.Write(body)
	}

	f.record(fl.team, fl.model, 0, fl.started, models.OutcomeUpstreamError, fl.body, body)
}

// settle commits the measured cost and records the outcome. A commit that
// fails leaves the reservation open; the janitor resolves it if no retry
// does, and the log entry still carries what was measured.
func (f *Forwarder) settle(fl *flight, cost int64, outcome string, respBody []byte) {
	if err := f.ledger.Commit(context.Background(), fl.res, cost); err != nil {
		f.logger.Error("failed to commit reservation",
			zap.String("team", fl.team.Name),
			zap.String("reservation_id", fl.res.ID.String()),
			zap.Int64("cost", cost),
			zap.Error(err))
	}
	f.record(fl.team, fl.model, cost, fl.started, outcome, fl.body, respBody)
}

func (f *Forwarder) release(fl *flight) {
	if err := f.ledger.Release(context.Background(), fl.res); err != nil {
		f.logger.Warn("failed to release reservation",
			zap.String("team", fl.team.Name),
			zap.Error(err))
	}
}

// record appends the request log entry. Uses a background context so a
// client disconnect cannot take the accounting row with it.
func (f *Forwarder) record(team *models.Team, model string, tokens int64, started time.Time, outcome string, reqBody, respBody []byte) {
	entry := &models.RequestLog{
		TeamID:         team.ID,
		TeamName:       team.Name,
		Model:          model,
		TokensConsumed: tokens,
		Timestamp:      started,
		Outcome:        outcome,
		RequestBody:    models.AuditJSON(reqBody, f.auditMax),
		ResponseBody:   models.AuditJSON(respBody, f.auditMax),
	}

	if err := f.logs.Append(context.Background(), entry); err != nil {
		f.logger.Error("failed to append request log",
			zap.String("team", team.Name),
			zap.String("outcome", outcome),
			zap.Error(err))
	}

	monitoring.RecordRequest(team.Name, model, outcome, tokens, time.Since(started).Seconds())
}

func (f *Forwarder) streamAudit(acc *meter.StreamAccumulator) []byte {
	audit, err := json.Marshal(map[string]interface{}{
		"stream":        true,
		"chunks":        acc.Chunks(),
		"content_chars": acc.ContentChars(),
		"billed_tokens": acc.FinalCost(),
	})
	if err != nil {
		return nil
	}
	return audit
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func (f *Forwarder) writeError(w http.ResponseWriter, status int, message, errType, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorResponse{
		Error: apiError{Message: message, Type: errType, Code: code},
	}); err != nil {
		f.logger.Error("failed to encode error response", zap.Error(err))
	}
}
