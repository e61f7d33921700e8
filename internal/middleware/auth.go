package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/amerfu/tokengate/internal/models"
	"github.com/amerfu/tokengate/internal/services/registry"
)

type contextKey string

const teamContextKey contextKey = "team"

// TeamLookup resolves a bearer token to the team that owns it.
type TeamLookup interface {
	LookupByToken(ctx context.Context, token string) (*models.Team, error)
}

// TeamAuth authenticates proxy requests with team bearer tokens.
type TeamAuth struct {
	teams  TeamLookup
	logger *zap.Logger
}

func NewTeamAuth(teams TeamLookup, logger *zap.Logger) *TeamAuth {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TeamAuth{
		teams:  teams,
		logger: logger,
	}
}

// Authenticate resolves the request's bearer token and stores the team
// on the context. Requests without a valid token never reach the next
// handler, so downstream code can assume a team is present.
func (m *TeamAuth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			sendError(w, http.StatusUnauthorized, "authentication_error", "invalid_api_key",
				"Missing bearer token")
			return
		}

		team, err := m.teams.LookupByToken(r.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, registry.ErrTeamNotFound):
				sendError(w, http.StatusUnauthorized, "authentication_error", "invalid_api_key",
					"Incorrect API key provided")
			case errors.Is(err, registry.ErrTeamInactive):
				sendError(w, http.StatusForbidden, "permission_error", "team_inactive",
					"Team has been deactivated")
			default:
				m.logger.Error("Token lookup failed", zap.Error(err))
				sendError(w, http.StatusInternalServerError, "api_error", "lookup_failed",
					"Unable to verify credentials")
			}
			return
		}

		next.ServeHTTP(w, r.WithContext(WithTeam(r.Context(), team)))
	})
}

// WithTeam returns a context carrying the authenticated team.
func WithTeam(ctx context.Context, team *models.Team) context.Context {
	return context.WithValue(ctx, teamContextKey, team)
}

// TeamFromContext returns the team placed on the context by Authenticate.
func TeamFromContext(ctx context.Context) (*models.Team, bool) {
	team, ok := ctx.Value(teamContextKey).(*models.Team)
	return team, ok
}

func extractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1]
	}

	// Some clients send the raw token without a scheme.
	if strings.HasPrefix(header, registry.TokenPrefix) {
		return header
	}
	return ""
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
