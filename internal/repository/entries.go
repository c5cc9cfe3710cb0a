package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/developer-mesh/semcache/internal/models"
	"github.com/developer-mesh/semcache/internal/observability"
)

const entryColumns = `id, query_hash, query, response, embedding, model, provider, user_id,
	access_count, popularity_score, ranking_version, tier, quality_score, feedback_count,
	negative_votes, cost_saved, is_archived, created_at, last_accessed, last_score_update`

// PostgresEntryRepository implements EntryRepository over pgvector
var _ EntryRepository = (*PostgresEntryRepository)(nil)

type PostgresEntryRepository struct {
	db     *sqlx.DB
	logger observability.Logger
}

// NewEntryRepository creates a new entry repository
func NewEntryRepository(db *sqlx.DB, logger observability.Logger) *PostgresEntryRepository {
	if logger == nil {
		logger = observability.NewLogger("repository.entries")
	}
	return &PostgresEntryRepository{db: db, logger: logger}
}

// Insert stores a new cache entry. Racing inserts for the same novel query
// may create duplicates; that is tolerated and the duplicates diverge in
// score over time.
func (r *PostgresEntryRepository) Insert(ctx context.Context, entry *models.CacheEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.LastAccessed.IsZero() {
		entry.LastAccessed = now
	}
	entry.LastScoreUpdate = now

	query := `
		INSERT INTO cache_entries (
			id, query_hash, query, response, embedding, model, provider, user_id,
			access_count, popularity_score, ranking_version, tier, quality_score,
			feedback_count, negative_votes, cost_saved, is_archived,
			created_at, last_accessed, last_score_update
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

	_, err := r.db.ExecContext(ctx, query,
		entry.ID, entry.QueryHash, entry.Query, entry.Response, entry.Embedding,
		entry.Model, entry.Provider, entry.UserID,
		entry.AccessCount, entry.PopularityScore, entry.RankingVersion, entry.Tier,
		entry.QualityScore, entry.FeedbackCount, entry.NegativeVotes, entry.CostSaved,
		entry.IsArchived, entry.CreatedAt, entry.LastAccessed, entry.LastScoreUpdate,
	)
	if err != nil {
		return fmt.Errorf("failed to insert cache entry: %w", err)
	}
	return nil
}

// GetByID retrieves an entry by id
func (r *PostgresEntryRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.CacheEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM cache_entries WHERE id = $1`, entryColumns)

	var entry models.CacheEntry
	if err := r.db.GetContext(ctx, &entry, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return &entry, nil
}

// GetByQueryHash returns the newest non-archived exact-hash match
func (r *PostgresEntryRepository) GetByQueryHash(ctx context.Context, queryHash, model, provider string) (*models.CacheEntry, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM cache_entries
		WHERE query_hash = $1 AND model = $2 AND provider = $3 AND is_archived = false
		ORDER BY created_at DESC
		LIMIT 1`, entryColumns)

	var entry models.CacheEntry
	if err := r.db.GetContext(ctx, &entry, query, queryHash, model, provider); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get entry by query hash: %w", err)
	}
	return &entry, nil
}

// SearchTier returns tier candidates for one model/provider pair nearest to
// the query embedding. Archived entries are excluded from all searches.
func (r *PostgresEntryRepository) SearchTier(ctx context.Context, embedding models.Vector, model, provider string, tier models.Tier, minScore float64, limit int) ([]*models.CacheEntry, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM cache_entries
		WHERE model = $2
			AND provider = $3
			AND tier = $4
			AND is_archived = false
			AND popularity_score >= $5
		ORDER BY embedding <=> $1::vector
		LIMIT $6`, entryColumns)

	var entries []*models.CacheEntry
	if err := r.db.SelectContext(ctx, &entries, query, embedding, model, provider, tier, minScore, limit); err != nil {
		return nil, fmt.Errorf("failed to search tier %s: %w", tier, err)
	}
	return entries, nil
}

// TopByPopularity returns the highest-scored non-archived entries for one
// model/provider pair.
func (r *PostgresEntryRepository) TopByPopularity(ctx context.Context, model, provider string, limit int) ([]*models.CacheEntry, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM cache_entries
		WHERE model = $1 AND provider = $2 AND is_archived = false
		ORDER BY popularity_score DESC
		LIMIT $3`, entryColumns)

	var entries []*models.CacheEntry
	if err := r.db.SelectContext(ctx, &entries, query, model, provider, limit); err != nil {
		return nil, fmt.Errorf("failed to fetch top entries: %w", err)
	}
	return entries, nil
}

// RecordAccess increments access_count atomically at the store level so
// concurrent hits cannot lose updates.
func (r *PostgresEntryRepository) RecordAccess(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE cache_entries
		SET access_count = access_count + 1, last_accessed = NOW()
		WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to record access: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateScore persists a recomputed score and tier
func (r *PostgresEntryRepository) UpdateScore(ctx context.Context, update ScoreUpdate) error {
	query := `
		UPDATE cache_entries
		SET popularity_score = $2, tier = $3, ranking_version = $4, last_score_update = NOW()
		WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, update.ID, update.Score, update.Tier, update.Version); err != nil {
		return fmt.Errorf("failed to update score: %w", err)
	}
	return nil
}

// UpdateQuality persists a feedback-adjusted quality score
func (r *PostgresEntryRepository) UpdateQuality(ctx context.Context, id uuid.UUID, quality float64, feedbackCount, negativeVotes int) error {
	query := `
		UPDATE cache_entries
		SET quality_score = $2, feedback_count = $3, negative_votes = $4
		WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id, quality, feedbackCount, negativeVotes)
	if err != nil {
		return fmt.Errorf("failed to update quality: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListBatch pages non-archived entries in id order for sweep iteration
func (r *PostgresEntryRepository) ListBatch(ctx context.Context, afterID uuid.UUID, limit int) ([]*models.CacheEntry, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM cache_entries
		WHERE is_archived = false AND id > $1
		ORDER BY id
		LIMIT $2`, entryColumns)

	var entries []*models.CacheEntry
	if err := r.db.SelectContext(ctx, &entries, query, afterID, limit); err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	return entries, nil
}

// Archive soft-removes entries from active search, retaining them for audit
func (r *PostgresEntryRepository) Archive(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}

	query := `UPDATE cache_entries SET is_archived = true WHERE id = ANY($1)`
	res, err := r.db.ExecContext(ctx, query, pq.Array(strIDs))
	if err != nil {
		return 0, fmt.Errorf("failed to archive entries: %w", err)
	}
	return res.RowsAffected()
}

// DeleteAged permanently removes low-traffic entries past the retention age
// and returns their query hashes for lookaside invalidation.
func (r *PostgresEntryRepository) DeleteAged(ctx context.Context, olderThan time.Time, minAccessCount int) ([]string, error) {
	query := `
		DELETE FROM cache_entries
		WHERE created_at < $1 AND access_count < $2
		RETURNING query_hash`

	var hashes []string
	if err := r.db.SelectContext(ctx, &hashes, query, olderThan, minAccessCount); err != nil {
		return nil, fmt.Errorf("failed to delete aged entries: %w", err)
	}
	return hashes, nil
}

// DeleteNegative permanently removes entries with accumulated negative
// feedback and returns their query hashes for lookaside invalidation.
func (r *PostgresEntryRepository) DeleteNegative(ctx context.Context, negativeVotes int) ([]string, error) {
	query := `
		DELETE FROM cache_entries
		WHERE negative_votes >= $1
		RETURNING query_hash`

	var hashes []string
	if err := r.db.SelectContext(ctx, &hashes, query, negativeVotes); err != nil {
		return nil, fmt.Errorf("failed to delete negative entries: %w", err)
	}
	return hashes, nil
}

// TierCounts returns the number of non-archived entries per tier
func (r *PostgresEntryRepository) TierCounts(ctx context.Context) (models.TierCountMap, error) {
	query := `
		SELECT tier, COUNT(*) AS count FROM cache_entries
		WHERE is_archived = false
		GROUP BY tier`

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count tiers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(models.TierCountMap)
	for rows.Next() {
		var tier models.Tier
		var count int
		if err := rows.Scan(&tier, &count); err != nil {
			return nil, fmt.Errorf("failed to scan tier count: %w", err)
		}
		counts[tier] = count
	}
	return counts, rows.Err()
}

// Metrics returns current cache volume statistics
func (r *PostgresEntryRepository) Metrics(ctx context.Context) (*models.CacheMetrics, error) {
	query := `
		SELECT
			COUNT(*) AS total_entries,
			COALESCE(SUM(access_count), 0) AS total_queries,
			COALESCE(AVG(access_count), 0) AS average_access_count
		FROM cache_entries
		WHERE is_archived = false`

	var m models.CacheMetrics
	if err := r.db.GetContext(ctx, &m, query); err != nil {
		return nil, fmt.Errorf("failed to compute cache metrics: %w", err)
	}
	return &m, nil
}
