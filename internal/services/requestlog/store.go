// Package requestlog persists the per-request accounting trail: one row per
// authenticated completion attempt with the tokens billed and the outcome.
package requestlog

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/amerfu/tokengate/internal/models"
)

// Filter narrows List queries. Zero values mean "no constraint".
type Filter struct {
	TeamName string
	Model    string
	Outcome  string
	Since    time.Time
	Until    time.Time
	Page     int
	PageSize int
}

// Summary aggregates consumption for one team, or for every team when
// no team name is given.
type Summary struct {
	TeamName       string           `json:"team_name"`
	Requests       int64            `json:"requests"`
	TokensConsumed int64            `json:"tokens_consumed"`
	ByOutcome      map[string]int64 `json:"by_outcome"`
	ByModel        map[string]int64 `json:"by_model"`
}

// Store is the persistence boundary for request log entries.
type Store interface {
	Append(ctx context.Context, entry *models.RequestLog) error
	List(ctx context.Context, f Filter) ([]models.RequestLog, int64, error)
	Summarize(ctx context.Context, teamName string, since time.Time) (*Summary, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// GormStore keeps request logs in Postgres.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

var _ Store = (*GormStore)(nil)

func (s *GormStore) Append(ctx context.Context, entry *models.RequestLog) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	return s.db.WithContext(ctx).Create(entry).Error
}

func (s *GormStore) List(ctx context.Context, f Filter) ([]models.RequestLog, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.RequestLog{})

	if f.TeamName != "" {
		query = query.Where("team_name = ?", f.TeamName)
	}
	if f.Model != "" {
		query = query.Where("model = ?", f.Model)
	}
	if f.Outcome != "" {
		query = query.Where("outcome = ?", f.Outcome)
	}
	if !f.Since.IsZero() {
		query = query.Where("timestamp >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		query = query.Where("timestamp < ?", f.Until)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := f.Page
	if page < 1 {
		page = 1
	}
	pageSize := f.PageSize
	if pageSize < 1 || pageSize > 1000 {
		pageSize = 50
	}

	var entries []models.RequestLog
	err := query.
		Order("timestamp DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&entries).Error
	if err != nil {
		return nil, 0, err
	}

	return entries, total, nil
}

func (s *GormStore) Summarize(ctx context.Context, teamName string, since time.Time) (*Summary, error) {
	base := s.db.WithContext(ctx).Model(&models.RequestLog{})
	if teamName != "" {
		base = base.Where("team_name = ?", teamName)
	}
	if !since.IsZero() {
		base = base.Where("timestamp >= ?", since)
	}
	// Session makes the accumulated conditions reusable across the three
	// aggregate queries below.
	base = base.Session(&gorm.Session{})

	var totals struct {
		Requests int64
		Tokens   int64
	}
	err := base.
		Select("COUNT(*) AS requests, COALESCE(SUM(tokens_consumed), 0) AS tokens").
		Scan(&totals).Error
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		TeamName:       teamName,
		Requests:       totals.Requests,
		TokensConsumed: totals.Tokens,
		ByOutcome:      make(map[string]int64),
		ByModel:        make(map[string]int64),
	}

	var outcomes []struct {
		Outcome string
		Count   int64
	}
	err = base.
		Select("outcome, COUNT(*) AS count").
		Group("outcome").
		Scan(&outcomes).Error
	if err != nil {
		return nil, err
	}
	for _, row := range outcomes {
		summary.ByOutcome[row.Outcome] = row.Count
	}

	var perModel []struct {
		Model  string
		Tokens int64
	}
	err = base.
		Select("model, COALESCE(SUM(tokens_consumed), 0) AS tokens").
		Group("model").
		Scan(&perModel).Error
	if err != nil {
		return nil, err
	}
	for _, row := range perModel {
		if row.Model == "" {
			continue
		}
		summary.ByModel[row.Model] = row.Tokens
	}

	return summary, nil
}

// Prune hard-deletes entries older than the cutoff and reports how many
// rows went away.
func (s *GormStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Unscoped().
		Where("timestamp < ?", olderThan).
		Delete(&models.RequestLog{})
	return result.RowsAffected, result.Error
}
