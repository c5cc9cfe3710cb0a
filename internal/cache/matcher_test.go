package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/semcache/internal/models"
	"github.com/developer-mesh/semcache/internal/observability"
	"github.com/developer-mesh/semcache/internal/repository"
)

func testEntry(tier models.Tier, score float64, emb models.Vector) *models.CacheEntry {
	now := time.Now().UTC()
	return &models.CacheEntry{
		ID:              uuid.New(),
		QueryHash:       uuid.NewString(),
		Query:           "q",
		Response:        "r",
		Embedding:       emb,
		Model:           "gpt-4",
		Provider:        "openai",
		AccessCount:     1,
		PopularityScore: score,
		RankingVersion:  models.RankingV1,
		Tier:            tier,
		QualityScore:    50,
		CreatedAt:       now,
		LastAccessed:    now,
	}
}

func TestFindMatchPrefersHigherTier(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()

	// The warm entry is a closer match, but the hot entry clears the
	// threshold so lower tiers are never reached.
	hot := testEntry(models.TierHot, 90, models.Vector{0.9, 0.4359, 0})
	warm := testEntry(models.TierWarm, 70, models.Vector{1, 0, 0})
	require.NoError(t, store.Insert(ctx, hot))
	require.NoError(t, store.Insert(ctx, warm))

	m := NewMatcher(store, 50, observability.NewNoopLogger())
	match := m.FindMatch(ctx, models.Vector{1, 0, 0}, "gpt-4", "openai", 0.85)

	require.NotNil(t, match)
	assert.Equal(t, hot.ID, match.Entry.ID)
	assert.InDelta(t, 0.9, match.Similarity, 0.001)
}

func TestFindMatchScopedToModelAndProvider(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()

	// An identical embedding cached for gpt-4 must never answer a claude-3
	// lookup, even at similarity 1.0.
	entry := testEntry(models.TierHot, 90, models.Vector{1, 0, 0})
	require.NoError(t, store.Insert(ctx, entry))

	m := NewMatcher(store, 50, observability.NewNoopLogger())
	assert.Nil(t, m.FindMatch(ctx, models.Vector{1, 0, 0}, "claude-3", "anthropic", 0.85))
	assert.Nil(t, m.FindMatch(ctx, models.Vector{1, 0, 0}, "gpt-4", "azure", 0.85))

	match := m.FindMatch(ctx, models.Vector{1, 0, 0}, "gpt-4", "openai", 0.85)
	require.NotNil(t, match)
	assert.Equal(t, entry.ID, match.Entry.ID)
}

func TestFindMatchBelowThresholdIsMiss(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()

	entry := testEntry(models.TierHot, 90, models.Vector{0, 1, 0})
	require.NoError(t, store.Insert(ctx, entry))

	m := NewMatcher(store, 50, observability.NewNoopLogger())
	assert.Nil(t, m.FindMatch(ctx, models.Vector{1, 0, 0}, "gpt-4", "openai", 0.85))
}

func TestFindMatchDescendsToLowerTiers(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()

	// A cold entry needs popularity above the plan's floor of 5 to be
	// searched at all.
	cold := testEntry(models.TierCold, 8, models.Vector{1, 0, 0})
	require.NoError(t, store.Insert(ctx, cold))

	m := NewMatcher(store, 50, observability.NewNoopLogger())
	match := m.FindMatch(ctx, models.Vector{1, 0, 0}, "gpt-4", "openai", 0.85)

	require.NotNil(t, match)
	assert.Equal(t, cold.ID, match.Entry.ID)
}

func TestFindMatchSkipsColdBelowPopularityFloor(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()

	cold := testEntry(models.TierCold, 2, models.Vector{1, 0, 0})
	require.NoError(t, store.Insert(ctx, cold))

	m := NewMatcher(store, 50, observability.NewNoopLogger())
	assert.Nil(t, m.FindMatch(ctx, models.Vector{1, 0, 0}, "gpt-4", "openai", 0.85))
}

func TestBestCandidateTieBreaksOnPopularity(t *testing.T) {
	query := models.Vector{1, 0, 0}
	low := testEntry(models.TierHot, 60, models.Vector{1, 0, 0})
	high := testEntry(models.TierHot, 95, models.Vector{1, 0, 0})

	match := bestCandidate(query, []*models.CacheEntry{low, high}, 0.85)
	require.NotNil(t, match)
	assert.Equal(t, high.ID, match.Entry.ID)
}

// failingEntryRepo breaks tiered search so the flat-scan path runs
type failingEntryRepo struct {
	repository.EntryRepository
}

func (f *failingEntryRepo) SearchTier(context.Context, models.Vector, string, string, models.Tier, float64, int) ([]*models.CacheEntry, error) {
	return nil, errors.New("index unavailable")
}

func TestFindMatchFallsBackToFlatScan(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()

	entry := testEntry(models.TierFrozen, 1, models.Vector{1, 0, 0})
	require.NoError(t, store.Insert(ctx, entry))

	m := NewMatcher(&failingEntryRepo{store}, 50, observability.NewNoopLogger())
	match := m.FindMatch(ctx, models.Vector{1, 0, 0}, "gpt-4", "openai", 0.85)

	require.NotNil(t, match)
	assert.Equal(t, entry.ID, match.Entry.ID)
}
