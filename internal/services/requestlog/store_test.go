package requestlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amerfu/tokengate/internal/models"
	"github.com/amerfu/tokengate/internal/testutil"
)

func TestGormStore(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewGormStore(db)

	research := &models.Team{Name: "research", Token: "tg-store-test-research", QuotaLimit: 1000}
	platform := &models.Team{Name: "platform", Token: "tg-store-test-platform", QuotaLimit: 1000}
	require.NoError(t, db.Create(research).Error)
	require.NoError(t, db.Create(platform).Error)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	seed := []*models.RequestLog{
		{
			TeamID:         research.ID,
			TeamName:       "research",
			Model:          "gpt-4",
			TokensConsumed: 100,
			Timestamp:      base,
			Outcome:        models.OutcomeSuccess,
			RequestBody:    models.AuditJSON([]byte(`{"model":"gpt-4"}`), 4096),
		},
		{
			TeamID:         research.ID,
			TeamName:       "research",
			Model:          "gpt-4",
			TokensConsumed: 40,
			Timestamp:      base.Add(1 * time.Hour),
			Outcome:        models.OutcomePartialFailure,
		},
		{
			TeamID:         research.ID,
			TeamName:       "research",
			Model:          "gpt-4-mini",
			TokensConsumed: 0,
			Timestamp:      base.Add(2 * time.Hour),
			Outcome:        models.OutcomeQuotaExceeded,
		},
		{
			TeamID:         platform.ID,
			TeamName:       "platform",
			Model:          "gpt-4",
			TokensConsumed: 25,
			Timestamp:      base.Add(3 * time.Hour),
			Outcome:        models.OutcomeSuccess,
		},
	}
	for _, entry := range seed {
		require.NoError(t, store.Append(ctx, entry))
	}

	t.Run("list newest first", func(t *testing.T) {
		entries, total, err := store.List(ctx, Filter{})
		require.NoError(t, err)
		require.Equal(t, int64(4), total)
		require.Len(t, entries, 4)

		assert.Equal(t, "platform", entries[0].TeamName)
		assert.Equal(t, "research", entries[3].TeamName)
		assert.True(t, entries[0].Timestamp.After(entries[3].Timestamp))

		// Audit payload survives the round trip untouched.
		assert.JSONEq(t, `{"model":"gpt-4"}`, string(entries[3].RequestBody))
	})

	t.Run("pagination", func(t *testing.T) {
		first, total, err := store.List(ctx, Filter{Page: 1, PageSize: 2})
		require.NoError(t, err)
		assert.Equal(t, int64(4), total, "total counts the whole result set, not the page")
		require.Len(t, first, 2)

		second, _, err := store.List(ctx, Filter{Page: 2, PageSize: 2})
		require.NoError(t, err)
		require.Len(t, second, 2)

		assert.NotEqual(t, first[0].ID, second[0].ID)
		assert.True(t, first[1].Timestamp.After(second[0].Timestamp))
	})

	t.Run("filter by team", func(t *testing.T) {
		entries, total, err := store.List(ctx, Filter{TeamName: "research"})
		require.NoError(t, err)
		assert.Equal(t, int64(3), total)
		for _, entry := range entries {
			assert.Equal(t, "research", entry.TeamName)
		}
	})

	t.Run("filter by outcome", func(t *testing.T) {
		entries, total, err := store.List(ctx, Filter{Outcome: models.OutcomeQuotaExceeded})
		require.NoError(t, err)
		require.Equal(t, int64(1), total)
		assert.Equal(t, "gpt-4-mini", entries[0].Model)
	})

	t.Run("since inclusive, until exclusive", func(t *testing.T) {
		entries, total, err := store.List(ctx, Filter{
			Since: base.Add(1 * time.Hour),
			Until: base.Add(2 * time.Hour),
		})
		require.NoError(t, err)
		require.Equal(t, int64(1), total)
		assert.Equal(t, models.OutcomePartialFailure, entries[0].Outcome)
	})

	t.Run("summarize one team", func(t *testing.T) {
		summary, err := store.Summarize(ctx, "research", time.Time{})
		require.NoError(t, err)

		assert.Equal(t, int64(3), summary.Requests)
		assert.Equal(t, int64(140), summary.TokensConsumed)
		assert.Equal(t, map[string]int64{
			models.OutcomeSuccess:        1,
			models.OutcomePartialFailure: 1,
			models.OutcomeQuotaExceeded:  1,
		}, summary.ByOutcome)
		assert.Equal(t, map[string]int64{
			"gpt-4":      140,
			"gpt-4-mini": 0,
		}, summary.ByModel)
	})

	t.Run("summarize all teams", func(t *testing.T) {
		summary, err := store.Summarize(ctx, "", time.Time{})
		require.NoError(t, err)

		assert.Equal(t, int64(4), summary.Requests)
		assert.Equal(t, int64(165), summary.TokensConsumed)
	})

	t.Run("summarize windowed", func(t *testing.T) {
		summary, err := store.Summarize(ctx, "research", base.Add(90*time.Minute))
		require.NoError(t, err)

		assert.Equal(t, int64(1), summary.Requests)
		assert.Equal(t, int64(0), summary.TokensConsumed)
	})

	t.Run("prune removes old rows for good", func(t *testing.T) {
		removed, err := store.Prune(ctx, base.Add(90*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(2), removed)

		_, total, err := store.List(ctx, Filter{})
		require.NoError(t, err)
		assert.Equal(t, int64(2), total)

		// A second prune with the same cutoff finds nothing left.
		removed, err = store.Prune(ctx, base.Add(90*time.Minute))
		require.NoError(t, err)
		assert.Zero(t, removed)
	})

	t.Run("append stamps a missing timestamp", func(t *testing.T) {
		entry := &models.RequestLog{
			TeamID:   research.ID,
			TeamName: "research",
			Model:    "gpt-4",
			Outcome:  models.OutcomeUpstreamError,
		}
		require.NoError(t, store.Append(ctx, entry))
		assert.False(t, entry.Timestamp.IsZero())
	})
}
