package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/amerfu/tokengate/internal/config"
	"github.com/amerfu/tokengate/internal/middleware"
	"github.com/amerfu/tokengate/internal/models"
	"github.com/amerfu/tokengate/internal/services/ledger"
	"github.com/amerfu/tokengate/internal/services/registration"
	"github.com/amerfu/tokengate/internal/services/registry"
	"github.com/amerfu/tokengate/internal/testutil"
)

func newRegistry(db *gorm.DB) (*registry.Service, *ledger.Ledger) {
	led := ledger.New(&ledger.Config{Store: ledger.NewGormStore(db)})
	return registry.NewService(db, led, zap.NewNop()), led
}

// usageRequest builds a GET /v1/usage/{teamName} request the way the router
// delivers it: teamName in the chi route context, the authenticated team in
// the request context.
func usageRequest(pathName string, caller *models.Team) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/v1/usage/"+pathName, nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("teamName", pathName)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, rctx)
	if caller != nil {
		ctx = middleware.WithTeam(ctx, caller)
	}
	return req.WithContext(ctx)
}

func errorCode(t *testing.T, body *bytes.Buffer) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body.Bytes(), &resp))
	return resp.Error.Code
}

func TestModelsHandler_ListModels(t *testing.T) {
	handler := NewModelsHandler(zap.NewNop(), []string{"gpt-4", "gpt-3.5-turbo"})

	w := httptest.NewRecorder()
	handler.ListModels(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			Object  string `json:"object"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "list", resp.Object)
	require.Len(t, resp.Data, 2)

	// Configured order is preserved
	assert.Equal(t, "gpt-4", resp.Data[0].ID)
	assert.Equal(t, "gpt-3.5-turbo", resp.Data[1].ID)
	assert.Equal(t, "model", resp.Data[0].Object)
	assert.Equal(t, "upstream", resp.Data[0].OwnedBy)
}

func TestModelsHandler_EmptyAllowList(t *testing.T) {
	handler := NewModelsHandler(zap.NewNop(), nil)

	w := httptest.NewRecorder()
	handler.ListModels(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data []json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotNil(t, resp.Data)
	assert.Empty(t, resp.Data)
}

func TestUsageHandler_GetUsage(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()
	reg, led := newRegistry(db)
	handler := NewUsageHandler(zap.NewNop(), reg)
	ctx := context.Background()

	team, err := reg.Create(ctx, &registry.CreateTeamRequest{Name: "payments", QuotaLimit: 1000})
	require.NoError(t, err)
	other, err := reg.Create(ctx, &registry.CreateTeamRequest{Name: "search", QuotaLimit: 500})
	require.NoError(t, err)

	// Burn some quota so the numbers are non-trivial.
	res, err := led.Reserve(ctx, team.ID, 100)
	require.NoError(t, err)
	require.NoError(t, led.Commit(ctx, res, 250))

	t.Run("team reads its own usage", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.GetUsage(w, usageRequest("payments", team))

		require.Equal(t, http.StatusOK, w.Code)
		var resp usageResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "payments", resp.Team)
		assert.Equal(t, int64(1000), resp.QuotaLimit)
		assert.Equal(t, int64(250), resp.QuotaUsed)
		assert.Equal(t, int64(750), resp.Remaining)
	})

	t.Run("another team's usage is off limits", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.GetUsage(w, usageRequest("payments", other))

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "usage_access_denied", errorCode(t, w.Body))
	})

	t.Run("no authenticated team", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.GetUsage(w, usageRequest("payments", nil))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "invalid_api_key", errorCode(t, w.Body))
	})
}

func TestRegistrationHandler_Signup(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()
	reg, _ := newRegistry(db)

	cfg := &config.RegistrationConfig{
		Enabled:      true,
		AccessCodes:  []string{"beta-2024"},
		DefaultQuota: 5000,
	}
	handler := NewRegistrationHandler(zap.NewNop(), registration.NewService(cfg, reg, zap.NewNop()))

	t.Run("valid signup returns token once", func(t *testing.T) {
		body := bytes.NewBufferString(`{"team_name":"ml_platform","email":"ops@example.com","access_code":"beta-2024"}`)
		w := httptest.NewRecorder()
		handler.Signup(w, httptest.NewRequest(http.MethodPost, "/register", body))

		require.Equal(t, http.StatusCreated, w.Code)
		var resp signupResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "ml_platform", resp.Team.Name)
		assert.Equal(t, int64(5000), resp.Team.QuotaLimit)
		assert.True(t, strings.HasPrefix(resp.Token, registry.TokenPrefix))
		assert.Contains(t, resp.Message, "Store this token now")
		assert.Contains(t, resp.Example, resp.Token)
	})

	t.Run("wrong access code", func(t *testing.T) {
		body := bytes.NewBufferString(`{"team_name":"intruders","email":"x@example.com","access_code":"nope"}`)
		w := httptest.NewRecorder()
		handler.Signup(w, httptest.NewRequest(http.MethodPost, "/register", body))

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "invalid_access_code", errorCode(t, w.Body))
	})

	t.Run("duplicate team name", func(t *testing.T) {
		body := bytes.NewBufferString(`{"team_name":"ml_platform","email":"ops@example.com","access_code":"beta-2024"}`)
		w := httptest.NewRecorder()
		handler.Signup(w, httptest.NewRequest(http.MethodPost, "/register", body))

		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "team_name_taken", errorCode(t, w.Body))
	})

	t.Run("malformed body", func(t *testing.T) {
		body := bytes.NewBufferString(`{"team_name":`)
		w := httptest.NewRecorder()
		handler.Signup(w, httptest.NewRequest(http.MethodPost, "/register", body))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("registration disabled", func(t *testing.T) {
		disabled := NewRegistrationHandler(zap.NewNop(),
			registration.NewService(&config.RegistrationConfig{Enabled: false}, reg, zap.NewNop()))

		body := bytes.NewBufferString(`{"team_name":"late_crew","email":"x@example.com"}`)
		w := httptest.NewRecorder()
		disabled.Signup(w, httptest.NewRequest(http.MethodPost, "/register", body))

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "registration_disabled", errorCode(t, w.Body))
	})
}

func TestHealthHandler(t *testing.T) {
	t.Run("healthy database", func(t *testing.T) {
		db, cleanup := testutil.NewTestDB(t)
		defer cleanup()
		handler := NewHealthHandler(db, nil)

		w := httptest.NewRecorder()
		handler.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		require.Equal(t, http.StatusOK, w.Code)
		var resp HealthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "ok", resp.Status)
		assert.Equal(t, "healthy", resp.Services["database"].Status)

		w = httptest.NewRecorder()
		handler.Ready(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("missing database degrades health", func(t *testing.T) {
		handler := NewHealthHandler(nil, nil)

		w := httptest.NewRecorder()
		handler.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		require.Equal(t, http.StatusServiceUnavailable, w.Code)
		var resp HealthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "degraded", resp.Status)

		w = httptest.NewRecorder()
		handler.Ready(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}
