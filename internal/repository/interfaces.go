// Package repository provides data access for the semantic cache over a
// relational store with a vector-similarity-capable index (pgvector).
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/developer-mesh/semcache/internal/models"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// ScoreUpdate carries one entry's recomputed ranking state
type ScoreUpdate struct {
	ID      uuid.UUID
	Score   float64
	Tier    models.Tier
	Version models.RankingVersion
}

// EntryRepository persists cache entries
type EntryRepository interface {
	Insert(ctx context.Context, entry *models.CacheEntry) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.CacheEntry, error)

	// GetByQueryHash returns the newest non-archived entry with this exact
	// hash, model and provider, or ErrNotFound.
	GetByQueryHash(ctx context.Context, queryHash, model, provider string) (*models.CacheEntry, error)

	// SearchTier returns non-archived candidates for one model/provider pair
	// in a tier with at least the given popularity score, nearest to the
	// query embedding first. A response cached for one model must never be
	// served for another.
	SearchTier(ctx context.Context, embedding models.Vector, model, provider string, tier models.Tier, minScore float64, limit int) ([]*models.CacheEntry, error)

	// TopByPopularity returns the highest-scored non-archived entries for one
	// model/provider pair across all tiers, used by the flat-scan fallback.
	TopByPopularity(ctx context.Context, model, provider string, limit int) ([]*models.CacheEntry, error)

	// RecordAccess atomically increments access_count and refreshes
	// last_accessed at the store level, so concurrent hits on the same entry
	// cannot lose updates.
	RecordAccess(ctx context.Context, id uuid.UUID) error

	// UpdateScore persists a recomputed score, tier and ranking version
	UpdateScore(ctx context.Context, update ScoreUpdate) error

	// UpdateQuality persists a feedback-adjusted quality score
	UpdateQuality(ctx context.Context, id uuid.UUID, quality float64, feedbackCount, negativeVotes int) error

	// ListBatch pages through non-archived entries by id for sweep
	// iteration. Pass uuid.Nil to start from the beginning.
	ListBatch(ctx context.Context, afterID uuid.UUID, limit int) ([]*models.CacheEntry, error)

	// Archive soft-removes entries from active search
	Archive(ctx context.Context, ids []uuid.UUID) (int64, error)

	// DeleteAged permanently removes entries older than the retention age
	// with fewer than minAccessCount accesses, returning the query hashes of
	// the deleted rows so fast-path cache keys can be invalidated.
	DeleteAged(ctx context.Context, olderThan time.Time, minAccessCount int) ([]string, error)

	// DeleteNegative permanently removes entries with at least the given
	// number of negative feedback votes, returning the deleted query hashes.
	DeleteNegative(ctx context.Context, negativeVotes int) ([]string, error)

	TierCounts(ctx context.Context) (models.TierCountMap, error)
	Metrics(ctx context.Context) (*models.CacheMetrics, error)
}

// FeatureRepository persists ranking feature flags
type FeatureRepository interface {
	Get(ctx context.Context, name string) (*models.RankingFeature, error)
	List(ctx context.Context) ([]*models.RankingFeature, error)

	// SetEnabled toggles a flag, creating it if absent. Flags are never
	// deleted.
	SetEnabled(ctx context.Context, name string, enabled bool, config models.FeatureConfig) error
}

// PredictionRepository persists prewarmer forecasts
type PredictionRepository interface {
	Insert(ctx context.Context, record *models.PredictionRecord) error

	// Pending returns unresolved predictions whose window includes now
	Pending(ctx context.Context, now time.Time) ([]*models.PredictionRecord, error)

	// HasPending reports whether an unresolved prediction for the query hash
	// already covers the given instant, so repeated prediction passes do not
	// pile up duplicate records for the same slot.
	HasPending(ctx context.Context, queryHash string, at time.Time) (bool, error)

	// ResolveOutcome marks a prediction hit or miss
	ResolveOutcome(ctx context.Context, id uuid.UUID, outcome models.PredictionOutcome) error

	// ExpirePending marks pending predictions whose window has fully elapsed
	// as misses.
	ExpirePending(ctx context.Context, now time.Time) (int64, error)

	// Purge removes records created before the cutoff
	Purge(ctx context.Context, olderThan time.Time) (int64, error)

	// Accuracy returns resolved hit and miss counts
	Accuracy(ctx context.Context) (hits, misses int, err error)
}

// SnapshotRepository persists append-only daily health rollups
type SnapshotRepository interface {
	Insert(ctx context.Context, snapshot *models.CacheHealthSnapshot) error
	Latest(ctx context.Context) (*models.CacheHealthSnapshot, error)

	// ListSince returns snapshots on or after the cutoff, oldest first
	ListSince(ctx context.Context, since time.Time) ([]*models.CacheHealthSnapshot, error)
}

// UsageRepository persists per-request usage records
type UsageRepository interface {
	Insert(ctx context.Context, entry *models.UsageLog) error
	TotalQueries(ctx context.Context) (int, error)

	// RecurringQueries returns queries seen at least minOccurrences times in
	// the lookback window, with their typical time of day, most frequent
	// first.
	RecurringQueries(ctx context.Context, since time.Time, minOccurrences, limit int) ([]*RecurringQuery, error)
}

// RecurringQuery is an aggregate over usage logs used for prewarm prediction
type RecurringQuery struct {
	QueryHash      string  `db:"query_hash"`
	Query          string  `db:"query"`
	Model          string  `db:"model"`
	Provider       string  `db:"provider"`
	Occurrences    int     `db:"occurrences"`
	AvgSecondOfDay float64 `db:"avg_second_of_day"`
}
