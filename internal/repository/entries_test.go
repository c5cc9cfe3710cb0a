package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/semcache/internal/models"
	"github.com/developer-mesh/semcache/internal/observability"
)

func newMockRepo(t *testing.T) (*PostgresEntryRepository, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sqlxDB := sqlx.NewDb(db, "sqlmock")
	return NewEntryRepository(sqlxDB, observability.NewNoopLogger()), mock
}

func entryRows(entries ...*models.CacheEntry) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "query_hash", "query", "response", "embedding", "model", "provider", "user_id",
		"access_count", "popularity_score", "ranking_version", "tier", "quality_score",
		"feedback_count", "negative_votes", "cost_saved", "is_archived",
		"created_at", "last_accessed", "last_score_update",
	})
	for _, e := range entries {
		rows.AddRow(
			e.ID, e.QueryHash, e.Query, e.Response, "[1,0,0]", e.Model, e.Provider, e.UserID,
			e.AccessCount, e.PopularityScore, e.RankingVersion, e.Tier, e.QualityScore,
			e.FeedbackCount, e.NegativeVotes, e.CostSaved, e.IsArchived,
			e.CreatedAt, e.LastAccessed, e.LastScoreUpdate,
		)
	}
	return rows
}

func sampleEntry() *models.CacheEntry {
	now := time.Now().UTC()
	return &models.CacheEntry{
		ID:              uuid.New(),
		QueryHash:       "hash-1",
		Query:           "what is kubernetes",
		Response:        "a container orchestrator",
		Embedding:       models.Vector{1, 0, 0},
		Model:           "gpt-4",
		Provider:        "openai",
		AccessCount:     3,
		PopularityScore: 42,
		RankingVersion:  models.RankingV1,
		Tier:            models.TierCool,
		QualityScore:    50,
		CostSaved:       0.002,
		CreatedAt:       now,
		LastAccessed:    now,
		LastScoreUpdate: now,
	}
}

func TestEntryRepositoryInsert(t *testing.T) {
	repo, mock := newMockRepo(t)
	entry := sampleEntry()

	mock.ExpectExec("INSERT INTO cache_entries").
		WithArgs(
			entry.ID, entry.QueryHash, entry.Query, entry.Response, entry.Embedding,
			entry.Model, entry.Provider, entry.UserID,
			entry.AccessCount, entry.PopularityScore, entry.RankingVersion, entry.Tier,
			entry.QualityScore, entry.FeedbackCount, entry.NegativeVotes, entry.CostSaved,
			entry.IsArchived, entry.CreatedAt, entry.LastAccessed, sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.Insert(context.Background(), entry)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntryRepositoryGetByIDNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM cache_entries WHERE id").
		WithArgs(id).
		WillReturnRows(entryRows())

	_, err := repo.GetByID(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntryRepositoryGetByQueryHash(t *testing.T) {
	repo, mock := newMockRepo(t)
	entry := sampleEntry()

	mock.ExpectQuery("SELECT (.+) FROM cache_entries").
		WithArgs(entry.QueryHash, entry.Model, entry.Provider).
		WillReturnRows(entryRows(entry))

	got, err := repo.GetByQueryHash(context.Background(), entry.QueryHash, entry.Model, entry.Provider)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, got.ID)
	assert.Equal(t, entry.Response, got.Response)
	assert.Equal(t, models.Vector{1, 0, 0}, got.Embedding)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntryRepositorySearchTierOrdersByDistance(t *testing.T) {
	repo, mock := newMockRepo(t)
	entry := sampleEntry()
	emb := models.Vector{1, 0, 0}

	mock.ExpectQuery(`ORDER BY embedding <=> \$1::vector`).
		WithArgs(emb, "gpt-4", "openai", models.TierHot, 0.0, 50).
		WillReturnRows(entryRows(entry))

	got, err := repo.SearchTier(context.Background(), emb, "gpt-4", "openai", models.TierHot, 0, 50)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, entry.ID, got[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntryRepositorySearchTierScopedToModel(t *testing.T) {
	repo, mock := newMockRepo(t)
	emb := models.Vector{1, 0, 0}

	// The model and provider predicates must be part of the query text, not
	// applied after the fact.
	mock.ExpectQuery(`WHERE model = \$2\s+AND provider = \$3`).
		WithArgs(emb, "claude-3", "anthropic", models.TierHot, 0.0, 50).
		WillReturnRows(entryRows())

	got, err := repo.SearchTier(context.Background(), emb, "claude-3", "anthropic", models.TierHot, 0, 50)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntryRepositoryTopByPopularityScopedToModel(t *testing.T) {
	repo, mock := newMockRepo(t)
	entry := sampleEntry()

	mock.ExpectQuery(`WHERE model = \$1 AND provider = \$2`).
		WithArgs(entry.Model, entry.Provider, 50).
		WillReturnRows(entryRows(entry))

	got, err := repo.TopByPopularity(context.Background(), entry.Model, entry.Provider, 50)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, entry.ID, got[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntryRepositoryRecordAccessAtomicIncrement(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectExec(`SET access_count = access_count \+ 1`).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.RecordAccess(context.Background(), id))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntryRepositoryRecordAccessMissingEntry(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectExec(`SET access_count = access_count \+ 1`).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, repo.RecordAccess(context.Background(), id), ErrNotFound)
}

func TestEntryRepositoryUpdateScore(t *testing.T) {
	repo, mock := newMockRepo(t)
	update := ScoreUpdate{ID: uuid.New(), Score: 85, Tier: models.TierHot, Version: models.RankingV2}

	mock.ExpectExec("UPDATE cache_entries").
		WithArgs(update.ID, update.Score, update.Tier, update.Version).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.UpdateScore(context.Background(), update))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntryRepositoryDeleteAged(t *testing.T) {
	repo, mock := newMockRepo(t)
	cutoff := time.Now().UTC().Add(-90 * 24 * time.Hour)

	mock.ExpectQuery("DELETE FROM cache_entries WHERE created_at").
		WithArgs(cutoff, 2).
		WillReturnRows(sqlmock.NewRows([]string{"query_hash"}).
			AddRow("hash-1").
			AddRow("hash-2"))

	hashes, err := repo.DeleteAged(context.Background(), cutoff, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"hash-1", "hash-2"}, hashes)
}

func TestEntryRepositoryTierCounts(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT tier, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"tier", "count"}).
			AddRow("hot", 12).
			AddRow("frozen", 340))

	counts, err := repo.TierCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, counts[models.TierHot])
	assert.Equal(t, 340, counts[models.TierFrozen])
}

func TestEntryRepositoryMetrics(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT").
		WillReturnRows(sqlmock.NewRows([]string{"total_entries", "total_queries", "average_access_count"}).
			AddRow(100, 450, 4.5))

	m, err := repo.Metrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, m.TotalEntries)
	assert.Equal(t, 450, m.TotalQueries)
	assert.InDelta(t, 4.5, m.AverageAccessCount, 1e-9)
}
