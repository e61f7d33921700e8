// Package registration implements self-service team signup, gated by an
// access code and an email-domain allow-list.
package registration

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/amerfu/tokengate/internal/config"
	"github.com/amerfu/tokengate/internal/models"
	"github.com/amerfu/tokengate/internal/services/registry"
)

var (
	ErrRegistrationDisabled  = errors.New("self-service registration is disabled")
	ErrInvalidAccessCode     = errors.New("invalid access code")
	ErrInvalidEmail          = errors.New("invalid email address")
	ErrEmailDomainNotAllowed = errors.New("email domain is not allowed")
)

type Service struct {
	cfg      *config.RegistrationConfig
	registry *registry.Service
	logger   *zap.Logger
}

func NewService(cfg *config.RegistrationConfig, reg *registry.Service, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{cfg: cfg, registry: reg, logger: logger}
}

type SignupRequest struct {
	TeamName   string `json:"team_name"`
	Email      string `json:"email"`
	AccessCode string `json:"access_code"`
}

// Signup validates the request against the registration policy and creates
// the team with the configured default quota. Name errors surface from the
// registry unchanged.
func (s *Service) Signup(ctx context.Context, req *SignupRequest) (*models.Team, error) {
	if !s.cfg.Enabled {
		return nil, ErrRegistrationDisabled
	}

	if len(s.cfg.AccessCodes) > 0 && !s.codeAllowed(req.AccessCode) {
		return nil, ErrInvalidAccessCode
	}

	domain, err := emailDomain(req.Email)
	if err != nil {
		return nil, err
	}
	if len(s.cfg.AllowedDomains) > 0 && !s.domainAllowed(domain) {
		return nil, ErrEmailDomainNotAllowed
	}

	team, err := s.registry.Create(ctx, &registry.CreateTeamRequest{
		Name:         req.TeamName,
		QuotaLimit:   s.cfg.DefaultQuota,
		ContactEmail: strings.ToLower(req.Email),
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("team self-registered",
		zap.String("team", team.Name),
		zap.String("email_domain", domain))

	return team, nil
}

func (s *Service) codeAllowed(code string) bool {
	for _, allowed := range s.cfg.AccessCodes {
		if code == allowed {
			return true
		}
	}
	return false
}

func (s *Service) domainAllowed(domain string) bool {
	for _, allowed := range s.cfg.AllowedDomains {
		if strings.EqualFold(domain, allowed) {
			return true
		}
	}
	return false
}

func emailDomain(email string) (string, error) {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(email[at+1:]), nil
}
