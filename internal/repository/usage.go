package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/developer-mesh/semcache/internal/models"
)

// PostgresUsageRepository implements UsageRepository
var _ UsageRepository = (*PostgresUsageRepository)(nil)

type PostgresUsageRepository struct {
	db *sqlx.DB
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *sqlx.DB) *PostgresUsageRepository {
	return &PostgresUsageRepository{db: db}
}

// Insert stores a usage record
func (r *PostgresUsageRepository) Insert(ctx context.Context, entry *models.UsageLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO usage_logs (id, user_id, query_hash, query, model, provider, cache_hit, tokens_saved, cost, response_time_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.db.ExecContext(ctx, query,
		entry.ID, entry.UserID, entry.QueryHash, entry.Query, entry.Model, entry.Provider,
		entry.CacheHit, entry.TokensSaved, entry.Cost, entry.ResponseTimeMs, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage log: %w", err)
	}
	return nil
}

// TotalQueries returns the all-time query count
func (r *PostgresUsageRepository) TotalQueries(ctx context.Context) (int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM usage_logs`); err != nil {
		return 0, fmt.Errorf("failed to count queries: %w", err)
	}
	return total, nil
}

// RecurringQueries aggregates queries seen repeatedly in the lookback
// window, with the typical second-of-day each query arrives at. The
// prewarmer uses the cadence to schedule predictions.
func (r *PostgresUsageRepository) RecurringQueries(ctx context.Context, since time.Time, minOccurrences, limit int) ([]*RecurringQuery, error) {
	query := `
		SELECT
			query_hash,
			MAX(query) AS query,
			MAX(model) AS model,
			MAX(provider) AS provider,
			COUNT(*) AS occurrences,
			AVG(EXTRACT(EPOCH FROM created_at::time)) AS avg_second_of_day
		FROM usage_logs
		WHERE created_at >= $1 AND query <> ''
		GROUP BY query_hash
		HAVING COUNT(*) >= $2
		ORDER BY COUNT(*) DESC
		LIMIT $3`

	var results []*RecurringQuery
	if err := r.db.SelectContext(ctx, &results, query, since, minOccurrences, limit); err != nil {
		return nil, fmt.Errorf("failed to aggregate recurring queries: %w", err)
	}
	return results, nil
}
