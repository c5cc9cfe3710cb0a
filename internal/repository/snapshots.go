package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/developer-mesh/semcache/internal/models"
)

// PostgresSnapshotRepository implements SnapshotRepository. Snapshots are
// append-only; there is no update or delete path.
var _ SnapshotRepository = (*PostgresSnapshotRepository)(nil)

type PostgresSnapshotRepository struct {
	db *sqlx.DB
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *sqlx.DB) *PostgresSnapshotRepository {
	return &PostgresSnapshotRepository{db: db}
}

// Insert persists a new health snapshot
func (r *PostgresSnapshotRepository) Insert(ctx context.Context, snapshot *models.CacheHealthSnapshot) error {
	if snapshot.ID == uuid.Nil {
		snapshot.ID = uuid.New()
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO cache_health_snapshots (id, snapshot_date, tier_counts, total_entries, avg_access_count, avg_age_days, health_score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.db.ExecContext(ctx, query,
		snapshot.ID, snapshot.SnapshotDate, snapshot.TierCounts, snapshot.TotalEntries,
		snapshot.AvgAccessCount, snapshot.AvgAgeDays, snapshot.HealthScore, snapshot.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert health snapshot: %w", err)
	}
	return nil
}

// Latest returns the most recent snapshot, or ErrNotFound
func (r *PostgresSnapshotRepository) Latest(ctx context.Context) (*models.CacheHealthSnapshot, error) {
	query := `
		SELECT id, snapshot_date, tier_counts, total_entries, avg_access_count, avg_age_days, health_score, created_at
		FROM cache_health_snapshots
		ORDER BY created_at DESC
		LIMIT 1`

	var snapshot models.CacheHealthSnapshot
	if err := r.db.GetContext(ctx, &snapshot, query); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}
	return &snapshot, nil
}

// ListSince returns snapshots on or after the cutoff, oldest first
func (r *PostgresSnapshotRepository) ListSince(ctx context.Context, since time.Time) ([]*models.CacheHealthSnapshot, error) {
	query := `
		SELECT id, snapshot_date, tier_counts, total_entries, avg_access_count, avg_age_days, health_score, created_at
		FROM cache_health_snapshots
		WHERE created_at >= $1
		ORDER BY created_at`

	var snapshots []*models.CacheHealthSnapshot
	if err := r.db.SelectContext(ctx, &snapshots, query, since); err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return snapshots, nil
}
