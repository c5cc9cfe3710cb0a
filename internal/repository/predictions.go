package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/developer-mesh/semcache/internal/models"
)

// PostgresPredictionRepository implements PredictionRepository
var _ PredictionRepository = (*PostgresPredictionRepository)(nil)

type PostgresPredictionRepository struct {
	db *sqlx.DB
}

// NewPredictionRepository creates a new prediction repository
func NewPredictionRepository(db *sqlx.DB) *PostgresPredictionRepository {
	return &PostgresPredictionRepository{db: db}
}

// Insert stores a new prediction record
func (r *PostgresPredictionRepository) Insert(ctx context.Context, record *models.PredictionRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if record.Outcome == "" {
		record.Outcome = models.OutcomePending
	}

	query := `
		INSERT INTO prediction_records (id, query, query_hash, predicted_for, window_seconds, confidence, outcome, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.db.ExecContext(ctx, query,
		record.ID, record.Query, record.QueryHash, record.PredictedFor,
		record.WindowSeconds, record.Confidence, record.Outcome, record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert prediction: %w", err)
	}
	return nil
}

// Pending returns unresolved predictions whose window includes now
func (r *PostgresPredictionRepository) Pending(ctx context.Context, now time.Time) ([]*models.PredictionRecord, error) {
	query := `
		SELECT id, query, query_hash, predicted_for, window_seconds, confidence, outcome, created_at
		FROM prediction_records
		WHERE outcome = $1
			AND predicted_for - (window_seconds / 2) * INTERVAL '1 second' <= $2
			AND predicted_for + (window_seconds / 2) * INTERVAL '1 second' >= $2`

	var records []*models.PredictionRecord
	if err := r.db.SelectContext(ctx, &records, query, models.OutcomePending, now); err != nil {
		return nil, fmt.Errorf("failed to list pending predictions: %w", err)
	}
	return records, nil
}

// HasPending reports whether an unresolved prediction for the hash already
// covers the given instant
func (r *PostgresPredictionRepository) HasPending(ctx context.Context, queryHash string, at time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM prediction_records
			WHERE query_hash = $1
				AND outcome = $2
				AND predicted_for - (window_seconds / 2) * INTERVAL '1 second' <= $3
				AND predicted_for + (window_seconds / 2) * INTERVAL '1 second' >= $3)`

	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, queryHash, models.OutcomePending, at); err != nil {
		return false, fmt.Errorf("failed to check pending predictions: %w", err)
	}
	return exists, nil
}

// ResolveOutcome marks a prediction hit or miss. Records are mutated once,
// so only pending rows are eligible.
func (r *PostgresPredictionRepository) ResolveOutcome(ctx context.Context, id uuid.UUID, outcome models.PredictionOutcome) error {
	query := `UPDATE prediction_records SET outcome = $2 WHERE id = $1 AND outcome = $3`

	if _, err := r.db.ExecContext(ctx, query, id, outcome, models.OutcomePending); err != nil {
		return fmt.Errorf("failed to resolve prediction: %w", err)
	}
	return nil
}

// ExpirePending marks pending predictions whose window has elapsed as misses
func (r *PostgresPredictionRepository) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE prediction_records SET outcome = $1
		WHERE outcome = $2
			AND predicted_for + (window_seconds / 2) * INTERVAL '1 second' < $3`

	res, err := r.db.ExecContext(ctx, query, models.OutcomeMiss, models.OutcomePending, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire predictions: %w", err)
	}
	return res.RowsAffected()
}

// Purge removes records created before the cutoff
func (r *PostgresPredictionRepository) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `DELETE FROM prediction_records WHERE created_at < $1`

	res, err := r.db.ExecContext(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to purge predictions: %w", err)
	}
	return res.RowsAffected()
}

// Accuracy returns resolved hit and miss counts
func (r *PostgresPredictionRepository) Accuracy(ctx context.Context) (hits, misses int, err error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE outcome = 'hit') AS hits,
			COUNT(*) FILTER (WHERE outcome = 'miss') AS misses
		FROM prediction_records`

	row := r.db.QueryRowxContext(ctx, query)
	if err := row.Scan(&hits, &misses); err != nil {
		return 0, 0, fmt.Errorf("failed to compute prediction accuracy: %w", err)
	}
	return hits, misses, nil
}
