package middleware

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var (
	ErrAdminDisabled     = errors.New("admin access not configured")
	ErrInvalidAdminToken = errors.New("invalid admin token")
)

// AdminAuth guards the management API. Operators log in once with the
// configured password and receive a short-lived HS256 token; the raw
// password is also accepted per request via X-Admin-Password so scripts
// can skip the login round trip.
type AdminAuth struct {
	password string
	secret   []byte
	expiry   time.Duration
	logger   *zap.Logger
}

type adminClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

func NewAdminAuth(password, secret string, expiry time.Duration, logger *zap.Logger) *AdminAuth {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminAuth{
		password: password,
		secret:   []byte(secret),
		expiry:   expiry,
		logger:   logger,
	}
}

// Enabled reports whether admin credentials are configured. With no
// password set the management API stays closed.
func (a *AdminAuth) Enabled() bool {
	return a.password != "" && len(a.secret) > 0
}

func (a *AdminAuth) CheckPassword(password string) bool {
	return a.Enabled() &&
		subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) == 1
}

// GenerateToken mints a signed token for a logged-in operator.
func (a *AdminAuth) GenerateToken() (string, time.Time, error) {
	if !a.Enabled() {
		return "", time.Time{}, ErrAdminDisabled
	}

	now := time.Now()
	expiresAt := now.Add(a.expiry)
	claims := &adminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tokengate",
			Subject:   "admin",
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		Role: "admin",
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (a *AdminAuth) validateToken(tokenString string) error {
	token, err := jwt.ParseWithClaims(tokenString, &adminClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return ErrInvalidAdminToken
	}
	return nil
}

// Require rejects requests that carry neither a valid admin token nor
// the admin password.
func (a *AdminAuth) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			sendError(w, http.StatusForbidden, "permission_error", "admin_disabled",
				"Admin access is not configured")
			return
		}

		if password := r.Header.Get("X-Admin-Password"); password != "" {
			if a.CheckPassword(password) {
				next.ServeHTTP(w, r)
				return
			}
			sendError(w, http.StatusUnauthorized, "authentication_error", "invalid_admin_credentials",
				"Incorrect admin password")
			return
		}

		parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			if err := a.validateToken(parts[1]); err == nil {
				next.ServeHTTP(w, r)
				return
			}
		}

		sendError(w, http.StatusUnauthorized, "authentication_error", "invalid_admin_credentials",
			"Valid admin token or password required")
	})
}
