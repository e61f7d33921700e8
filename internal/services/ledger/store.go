package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/amerfu/tokengate/internal/models"
)

// ErrTeamNotFound means the store has no quota row for the team.
var ErrTeamNotFound = errors.New("team not found")

// QuotaStore is the persistence the ledger mutates. The ledger owns the
// ordering of calls; implementations only need per-call atomicity.
type QuotaStore interface {
	// Quota returns the team's consumed and allotted token counts.
	Quota(ctx context.Context, teamID uuid.UUID) (used, limit int64, err error)

	// AddUsage increments the consumed counter by delta.
	AddUsage(ctx context.Context, teamID uuid.UUID, delta int64) error

	// ResetUsage zeroes the consumed counter.
	ResetUsage(ctx context.Context, teamID uuid.UUID) error
}

// GormStore backs the ledger with the teams table.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

var _ QuotaStore = (*GormStore)(nil)

func (s *GormStore) Quota(ctx context.Context, teamID uuid.UUID) (int64, int64, error) {
	var team models.Team
	err := s.db.WithContext(ctx).
		Select("quota_used", "quota_limit").
		First(&team, "id = ?", teamID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, 0, ErrTeamNotFound
		}
		return 0, 0, err
	}
	return team.QuotaUsed, team.QuotaLimit, nil
}

func (s *GormStore) AddUsage(ctx context.Context, teamID uuid.UUID, delta int64) error {
	result := s.db.WithContext(ctx).
		Model(&models.Team{}).
		Where("id = ?", teamID).
		Update("quota_used", gorm.Expr("quota_used + ?", delta))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTeamNotFound
	}
	return nil
}

func (s *GormStore) ResetUsage(ctx context.Context, teamID uuid.UUID) error {
	result := s.db.WithContext(ctx).
		Model(&models.Team{}).
		Where("id = ?", teamID).
		Update("quota_used", 0)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTeamNotFound
	}
	return nil
}
