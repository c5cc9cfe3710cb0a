package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/developer-mesh/semcache/internal/models"
)

// PostgresFeatureRepository implements FeatureRepository
var _ FeatureRepository = (*PostgresFeatureRepository)(nil)

type PostgresFeatureRepository struct {
	db *sqlx.DB
}

// NewFeatureRepository creates a new feature repository
func NewFeatureRepository(db *sqlx.DB) *PostgresFeatureRepository {
	return &PostgresFeatureRepository{db: db}
}

// Get retrieves a feature flag by name
func (r *PostgresFeatureRepository) Get(ctx context.Context, name string) (*models.RankingFeature, error) {
	query := `SELECT name, is_enabled, config, updated_at FROM ranking_features WHERE name = $1`

	var feature models.RankingFeature
	if err := r.db.GetContext(ctx, &feature, query, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get feature %s: %w", name, err)
	}
	return &feature, nil
}

// List retrieves all feature flags
func (r *PostgresFeatureRepository) List(ctx context.Context) ([]*models.RankingFeature, error) {
	query := `SELECT name, is_enabled, config, updated_at FROM ranking_features ORDER BY name`

	var features []*models.RankingFeature
	if err := r.db.SelectContext(ctx, &features, query); err != nil {
		return nil, fmt.Errorf("failed to list features: %w", err)
	}
	return features, nil
}

// SetEnabled toggles a flag, creating it if absent
func (r *PostgresFeatureRepository) SetEnabled(ctx context.Context, name string, enabled bool, config models.FeatureConfig) error {
	query := `
		INSERT INTO ranking_features (name, is_enabled, config, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (name)
		DO UPDATE SET is_enabled = $2, config = $3, updated_at = NOW()`

	if _, err := r.db.ExecContext(ctx, query, name, enabled, config); err != nil {
		return fmt.Errorf("failed to set feature %s: %w", name, err)
	}
	return nil
}
