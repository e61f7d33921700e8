// Package registry owns team identity: names, tokens, quota settings and
// lifecycle. Quota arithmetic is deliberately not here; every mutation of
// quota_used routes through the ledger.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/amerfu/tokengate/internal/models"
	"github.com/amerfu/tokengate/internal/services/ledger"
)

var (
	ErrTeamNotFound          = errors.New("team not found")
	ErrTeamNameExists        = errors.New("team name already exists")
	ErrInvalidTeamName       = errors.New("team name must contain only letters, digits and underscores")
	ErrTeamInactive          = errors.New("team is deactivated")
	ErrReservationInProgress = errors.New("team has reservations in progress")
)

var teamNameRe = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

const (
	TokenPrefix = "tg-"
	tokenBytes  = 32
)

type Service struct {
	db     *gorm.DB
	ledger *ledger.Ledger
	logger *zap.Logger
}

func NewService(db *gorm.DB, led *ledger.Ledger, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: db, ledger: led, logger: logger}
}

type CreateTeamRequest struct {
	Name         string `json:"name"`
	QuotaLimit   int64  `json:"quota_limit"`
	RPM          int    `json:"rpm"`
	ContactEmail string `json:"contact_email,omitempty"`
}

// UpdateTeamRequest carries partial updates: nil fields are left alone.
type UpdateTeamRequest struct {
	QuotaLimit *int64 `json:"quota_limit,omitempty"`
	RPM        *int   `json:"rpm,omitempty"`
	IsActive   *bool  `json:"is_active,omitempty"`
}

// GenerateToken mints an opaque bearer token. 32 bytes of entropy,
// base64url without padding, prefixed so tokens are recognizable in
// configs and logs.
func GenerateToken() (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	encoded := strings.TrimRight(base64.URLEncoding.EncodeToString(raw), "=")
	return TokenPrefix + encoded, nil
}

// Create registers a new team and mints its token. The token is returned
// inside the team struct exactly once; it is never serialized afterwards.
func (s *Service) Create(ctx context.Context, req *CreateTeamRequest) (*models.Team, error) {
	if !teamNameRe.MatchString(req.Name) {
		return nil, ErrInvalidTeamName
	}

	// Names stay reserved even after deletion: request logs reference teams
	// by name, and reuse would splice two histories together.
	var count int64
	if err := s.db.WithContext(ctx).Unscoped().Model(&models.Team{}).
		Where("name = ?", req.Name).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrTeamNameExists
	}

	token, err := GenerateToken()
	if err != nil {
		return nil, err
	}

	team := &models.Team{
		Name:         req.Name,
		Token:        token,
		IsActive:     true,
		ContactEmail: req.ContactEmail,
		QuotaLimit:   req.QuotaLimit,
		RPM:          req.RPM,
	}

	if err := s.db.WithContext(ctx).Create(team).Error; err != nil {
		return nil, err
	}

	s.logger.Info("team created",
		zap.String("team", team.Name),
		zap.Int64("quota_limit", team.QuotaLimit))

	return team, nil
}

// LookupByToken resolves a bearer token to its team. Inactive teams
// resolve to ErrTeamInactive so callers can distinguish a bad credential
// from a suspended one.
func (s *Service) LookupByToken(ctx context.Context, token string) (*models.Team, error) {
	if token == "" {
		return nil, ErrTeamNotFound
	}

	var team models.Team
	err := s.db.WithContext(ctx).First(&team, "token = ?", token).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTeamNotFound
		}
		return nil, err
	}

	if !team.IsActive {
		return nil, ErrTeamInactive
	}

	return &team, nil
}

func (s *Service) GetByName(ctx context.Context, name string) (*models.Team, error) {
	var team models.Team
	err := s.db.WithContext(ctx).First(&team, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTeamNotFound
		}
		return nil, err
	}
	return &team, nil
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*models.Team, error) {
	var team models.Team
	err := s.db.WithContext(ctx).First(&team, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTeamNotFound
		}
		return nil, err
	}
	return &team, nil
}

// Update applies the non-nil fields and returns the fresh row.
func (s *Service) Update(ctx context.Context, name string, req *UpdateTeamRequest) (*models.Team, error) {
	team, err := s.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if req.QuotaLimit != nil {
		updates["quota_limit"] = *req.QuotaLimit
	}
	if req.RPM != nil {
		updates["rpm"] = *req.RPM
	}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}

	if len(updates) == 0 {
		return team, nil
	}

	if err := s.db.WithContext(ctx).Model(team).Updates(updates).Error; err != nil {
		return nil, err
	}

	return s.GetByName(ctx, name)
}

// Delete removes a team. Refused while any reservation is open so an
// in-flight request never loses the counter it will commit against.
func (s *Service) Delete(ctx context.Context, name string) error {
	team, err := s.GetByName(ctx, name)
	if err != nil {
		return err
	}

	if s.ledger != nil && s.ledger.OpenReservations(team.ID) > 0 {
		return fmt.Errorf("%w: %d open", ErrReservationInProgress, s.ledger.OpenReservations(team.ID))
	}

	result := s.db.WithContext(ctx).Delete(&models.Team{}, "id = ?", team.ID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTeamNotFound
	}

	s.logger.Info("team deleted", zap.String("team", name))
	return nil
}

// ResetUsage zeroes quota_used through the ledger so the reset serializes
// with in-flight commits.
func (s *Service) ResetUsage(ctx context.Context, name string) error {
	team, err := s.GetByName(ctx, name)
	if err != nil {
		return err
	}

	if err := s.ledger.ResetUsage(ctx, team.ID); err != nil {
		if errors.Is(err, ledger.ErrTeamNotFound) {
			return ErrTeamNotFound
		}
		return err
	}

	s.logger.Info("team usage reset", zap.String("team", name))
	return nil
}

// List returns teams in creation order. The order is stable across calls:
// ties on created_at break by id.
func (s *Service) List(ctx context.Context, page, pageSize int) ([]models.Team, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 1000 {
		pageSize = 50
	}

	var total int64
	if err := s.db.WithContext(ctx).Model(&models.Team{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var teams []models.Team
	err := s.db.WithContext(ctx).
		Order("created_at ASC, id ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&teams).Error
	if err != nil {
		return nil, 0, err
	}

	return teams, total, nil
}

// Totals is the fleet-wide rollup behind the admin stats document.
type Totals struct {
	Teams         int64 `json:"teams"`
	ActiveTeams   int64 `json:"active_teams"`
	QuotaAllotted int64 `json:"quota_allotted"`
	QuotaUsed     int64 `json:"quota_used"`
}

// Totals aggregates every live team in one query. Soft-deleted teams are
// excluded.
func (s *Service) Totals(ctx context.Context) (*Totals, error) {
	var t Totals
	err := s.db.WithContext(ctx).Model(&models.Team{}).
		Select("COUNT(*) AS teams, " +
			"COALESCE(SUM(CASE WHEN is_active THEN 1 ELSE 0 END), 0) AS active_teams, " +
			"COALESCE(SUM(quota_limit), 0) AS quota_allotted, " +
			"COALESCE(SUM(quota_used), 0) AS quota_used").
		Scan(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Stats reports a team's quota position for the admin surface.
func (s *Service) Stats(ctx context.Context, name string) (map[string]interface{}, error) {
	team, err := s.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}

	stats := map[string]interface{}{
		"team_id":     team.ID,
		"name":        team.Name,
		"quota_limit": team.QuotaLimit,
		"quota_used":  team.QuotaUsed,
		"remaining":   team.Remaining(),
		"is_active":   team.IsActive,
		"created_at":  team.CreatedAt,
	}
	if s.ledger != nil {
		stats["open_reservations"] = s.ledger.OpenReservations(team.ID)
	}
	if team.QuotaLimit > 0 {
		stats["usage_percentage"] = float64(team.QuotaUsed) / float64(team.QuotaLimit) * 100
	}

	return stats, nil
}
