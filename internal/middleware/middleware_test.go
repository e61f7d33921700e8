package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amerfu/tokengate/internal/models"
	"github.com/amerfu/tokengate/internal/services/ratelimit"
	"github.com/amerfu/tokengate/internal/services/registry"
)

type stubLookup struct {
	teams map[string]*models.Team
	err   error
}

func (s *stubLookup) LookupByToken(_ context.Context, token string) (*models.Team, error) {
	if s.err != nil {
		return nil, s.err
	}
	team, ok := s.teams[token]
	if !ok {
		return nil, registry.ErrTeamNotFound
	}
	if !team.IsActive {
		return nil, registry.ErrTeamInactive
	}
	return team, nil
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &envelope))
	return envelope.Error.Code
}

func newTeam(name string, active bool) *models.Team {
	return &models.Team{
		BaseModel: models.BaseModel{ID: uuid.New()},
		Name:      name,
		Token:     "tg-" + name + "-token",
		IsActive:  active,
	}
}

func TestTeamAuthMiddleware(t *testing.T) {
	team := newTeam("research", true)
	dormant := newTeam("dormant", false)

	lookup := &stubLookup{teams: map[string]*models.Team{
		team.Token:    team,
		dormant.Token: dormant,
	}}
	auth := NewTeamAuth(lookup, zap.NewNop())

	var seen *models.Team
	handler := auth.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := TeamFromContext(r.Context())
		require.True(t, ok)
		seen = got
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("valid bearer token", func(t *testing.T) {
		seen = nil
		req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
		req.Header.Set("Authorization", "Bearer "+team.Token)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		require.NotNil(t, seen)
		assert.Equal(t, "research", seen.Name)
	})

	t.Run("raw token without scheme", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
		req.Header.Set("Authorization", team.Token)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("missing header", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "invalid_api_key", errorCode(t, w.Body.Bytes()))
	})

	t.Run("unknown token", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
		req.Header.Set("Authorization", "Bearer tg-not-issued")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "invalid_api_key", errorCode(t, w.Body.Bytes()))
	})

	t.Run("inactive team", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
		req.Header.Set("Authorization", "Bearer "+dormant.Token)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "team_inactive", errorCode(t, w.Body.Bytes()))
	})

	t.Run("lookup failure is not an auth failure", func(t *testing.T) {
		broken := NewTeamAuth(&stubLookup{err: errors.New("connection refused")}, zap.NewNop())
		h := broken.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not run")
		}))

		req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
		req.Header.Set("Authorization", "Bearer "+team.Token)
		w := httptest.NewRecorder()

		h.ServeHTTP(w, req)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestAdminAuthMiddleware(t *testing.T) {
	auth := NewAdminAuth("swordfish", "test-secret", time.Hour, zap.NewNop())

	handler := auth.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("password header accepted", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/admin/teams", nil)
		req.Header.Set("X-Admin-Password", "swordfish")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("wrong password rejected", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/admin/teams", nil)
		req.Header.Set("X-Admin-Password", "guppy")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("minted token round trips", func(t *testing.T) {
		token, expiresAt, err := auth.GenerateToken()
		require.NoError(t, err)
		assert.True(t, expiresAt.After(time.Now()))

		req := httptest.NewRequest("GET", "/api/admin/teams", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("garbage token rejected", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/admin/teams", nil)
		req.Header.Set("Authorization", "Bearer not.a.jwt")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("token signed with another secret rejected", func(t *testing.T) {
		other := NewAdminAuth("swordfish", "different-secret", time.Hour, zap.NewNop())
		token, _, err := other.GenerateToken()
		require.NoError(t, err)

		req := httptest.NewRequest("GET", "/api/admin/teams", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("expired token rejected", func(t *testing.T) {
		shortLived := NewAdminAuth("swordfish", "test-secret", time.Millisecond, zap.NewNop())
		token, _, err := shortLived.GenerateToken()
		require.NoError(t, err)

		time.Sleep(50 * time.Millisecond)

		req := httptest.NewRequest("GET", "/api/admin/teams", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("unconfigured admin stays closed", func(t *testing.T) {
		disabled := NewAdminAuth("", "", time.Hour, zap.NewNop())
		h := disabled.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not run")
		}))

		req := httptest.NewRequest("GET", "/api/admin/teams", nil)
		req.Header.Set("X-Admin-Password", "")
		w := httptest.NewRecorder()

		h.ServeHTTP(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "admin_disabled", errorCode(t, w.Body.Bytes()))
	})
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func (failingLimiter) AllowN(context.Context, string, int, int, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func (failingLimiter) Reset(context.Context, string) error { return nil }

func (failingLimiter) GetRemaining(context.Context, string, int, time.Duration) (int, error) {
	return 0, errors.New("redis down")
}

func TestRateLimitMiddleware(t *testing.T) {
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	do := func(handler http.Handler, team *models.Team) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
		if team != nil {
			req = req.WithContext(WithTeam(req.Context(), team))
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	t.Run("enforces team RPM", func(t *testing.T) {
		limiter := ratelimit.NewMemoryLimiter(zap.NewNop(), time.Minute)
		defer limiter.Close()

		team := newTeam("research", true)
		team.RPM = 2
		handler := RateLimit(limiter, 60, zap.NewNop())(okHandler)

		assert.Equal(t, http.StatusOK, do(handler, team).Code)
		assert.Equal(t, http.StatusOK, do(handler, team).Code)

		w := do(handler, team)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "rate_limit_exceeded", errorCode(t, w.Body.Bytes()))
		assert.NotEmpty(t, w.Header().Get("Retry-After"))
	})

	t.Run("server default applies when team has none", func(t *testing.T) {
		limiter := ratelimit.NewMemoryLimiter(zap.NewNop(), time.Minute)
		defer limiter.Close()

		team := newTeam("defaulted", true)
		handler := RateLimit(limiter, 1, zap.NewNop())(okHandler)

		assert.Equal(t, http.StatusOK, do(handler, team).Code)
		assert.Equal(t, http.StatusTooManyRequests, do(handler, team).Code)
	})

	t.Run("negative RPM disables limiting", func(t *testing.T) {
		limiter := ratelimit.NewMemoryLimiter(zap.NewNop(), time.Minute)
		defer limiter.Close()

		team := newTeam("unlimited", true)
		team.RPM = -1
		handler := RateLimit(limiter, 1, zap.NewNop())(okHandler)

		for i := 0; i < 5; i++ {
			assert.Equal(t, http.StatusOK, do(handler, team).Code)
		}
	})

	t.Run("teams are limited independently", func(t *testing.T) {
		limiter := ratelimit.NewMemoryLimiter(zap.NewNop(), time.Minute)
		defer limiter.Close()

		first := newTeam("first", true)
		first.RPM = 1
		second := newTeam("second", true)
		second.RPM = 1
		handler := RateLimit(limiter, 60, zap.NewNop())(okHandler)

		assert.Equal(t, http.StatusOK, do(handler, first).Code)
		assert.Equal(t, http.StatusTooManyRequests, do(handler, first).Code)
		assert.Equal(t, http.StatusOK, do(handler, second).Code)
	})

	t.Run("limiter outage admits the request", func(t *testing.T) {
		team := newTeam("resilient", true)
		team.RPM = 1
		handler := RateLimit(failingLimiter{}, 60, zap.NewNop())(okHandler)

		assert.Equal(t, http.StatusOK, do(handler, team).Code)
		assert.Equal(t, http.StatusOK, do(handler, team).Code)
	})

	t.Run("no team on context passes through", func(t *testing.T) {
		limiter := ratelimit.NewMemoryLimiter(zap.NewNop(), time.Minute)
		defer limiter.Close()

		handler := RateLimit(limiter, 1, zap.NewNop())(okHandler)
		assert.Equal(t, http.StatusOK, do(handler, nil).Code)
	})
}

func TestStreamingResponseWriter(t *testing.T) {
	t.Run("captures status and bytes", func(t *testing.T) {
		rec := httptest.NewRecorder()
		w := NewStreamingResponseWriter(rec)

		w.WriteHeader(http.StatusTeapot)
		n, err := w.Write([]byte("short and stout"))
		require.NoError(t, err)

		assert.Equal(t, http.StatusTeapot, w.StatusCode())
		assert.Equal(t, int64(n), w.BytesWritten())
		assert.True(t, w.Written())
	})

	t.Run("second WriteHeader is dropped", func(t *testing.T) {
		rec := httptest.NewRecorder()
		w := NewStreamingResponseWriter(rec)

		w.WriteHeader(http.StatusAccepted)
		w.WriteHeader(http.StatusInternalServerError)

		assert.Equal(t, http.StatusAccepted, w.StatusCode())
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})

	t.Run("write implies 200", func(t *testing.T) {
		rec := httptest.NewRecorder()
		w := NewStreamingResponseWriter(rec)

		_, err := w.Write([]byte("data: chunk\n\n"))
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, w.StatusCode())
	})

	t.Run("flush reaches the underlying writer", func(t *testing.T) {
		rec := httptest.NewRecorder()
		w := NewStreamingResponseWriter(rec)

		w.Flush()
		assert.True(t, rec.Flushed)
	})
}

func TestNormalizePath(t *testing.T) {
	teamID := uuid.New().String()

	tests := []struct {
		path string
		want string
	}{
		{"/v1/chat/completions", "/v1/chat/completions"},
		{"/v1/models", "/v1/models"},
		{"/v1/usage/research", "/v1/usage/{team_name}"},
		{"/register", "/register"},
		{"/health", "/health"},
		{"/api/admin/teams/" + teamID, "/api/admin/teams/{id}"},
		{"/api/admin/teams/42", "/api/admin/teams/{id}"},
		{"/debug/tg-abc123", "/debug/{id}"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizePath(tt.path))
		})
	}
}
