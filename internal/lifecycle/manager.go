// Package lifecycle runs the scheduled tier maintenance sweeps: rescoring,
// archival, deletion and health snapshots.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/developer-mesh/semcache/internal/features"
	"github.com/developer-mesh/semcache/internal/metrics"
	"github.com/developer-mesh/semcache/internal/models"
	"github.com/developer-mesh/semcache/internal/observability"
	"github.com/developer-mesh/semcache/internal/ranking"
	"github.com/developer-mesh/semcache/internal/repository"
)

// Config carries the operator-tuned sweep policy
type Config struct {
	BatchSize             int
	ArchiveBelowScore     float64
	ArchiveAfter          time.Duration
	MaxRetentionAge       time.Duration
	MinAccessCount        int
	NegativeFeedbackLimit int
	TrendLookback         time.Duration
}

// Invalidator removes a fast-path cache key for a query hash. The cache
// package's Redis lookaside implements it; entries leaving active serving
// must not keep being served from the exact-match path.
type Invalidator interface {
	Delete(ctx context.Context, queryHash string) error
}

// Manager owns the recurring maintenance work over the entry population.
// Sweeps are designed to be run one at a time; the scheduler guarantees
// non-overlapping executions of each sweep type.
type Manager struct {
	entries   repository.EntryRepository
	snapshots repository.SnapshotRepository
	flags     *features.Controller
	lookaside Invalidator // nil when Redis is disabled
	logger    observability.Logger
	metrics   *metrics.Metrics
	cfg       Config

	now func() time.Time
}

// NewManager creates a lifecycle manager. lookaside may be nil.
func NewManager(
	entries repository.EntryRepository,
	snapshots repository.SnapshotRepository,
	flags *features.Controller,
	lookaside Invalidator,
	cfg Config,
	logger observability.Logger,
	m *metrics.Metrics,
) *Manager {
	if logger == nil {
		logger = observability.NewLogger("lifecycle")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.TrendLookback <= 0 {
		cfg.TrendLookback = 30 * 24 * time.Hour
	}
	if cfg.ArchiveBelowScore <= 0 {
		cfg.ArchiveBelowScore = 10
	}
	if cfg.ArchiveAfter <= 0 {
		cfg.ArchiveAfter = 7 * 24 * time.Hour
	}
	if cfg.MaxRetentionAge <= 0 {
		cfg.MaxRetentionAge = 90 * 24 * time.Hour
	}
	if cfg.MinAccessCount <= 0 {
		cfg.MinAccessCount = 2
	}
	if cfg.NegativeFeedbackLimit <= 0 {
		cfg.NegativeFeedbackLimit = 5
	}

	return &Manager{
		entries:   entries,
		snapshots: snapshots,
		flags:     flags,
		lookaside: lookaside,
		logger:    logger,
		metrics:   m,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SweepResult summarizes one rebalance sweep. A sweep that hits per-entry
// failures still reports the progress it made.
type SweepResult struct {
	Scanned     int           `json:"scanned"`
	Rescored    int           `json:"rescored"`
	TierChanges int           `json:"tier_changes"`
	Failures    int           `json:"failures"`
	Duration    time.Duration `json:"duration"`
}

// Rebalance recomputes score and tier for every non-archived entry under
// the active scoring algorithm, then persists a health snapshot built from
// the aggregates gathered along the way. A single entry failure never
// aborts the sweep.
func (m *Manager) Rebalance(ctx context.Context) (*SweepResult, error) {
	start := m.now()
	algo := m.flags.ActiveAlgorithm(ctx)
	result := &SweepResult{}
	agg := newSweepAggregates()

	afterID := uuid.Nil
	for {
		batch, err := m.entries.ListBatch(ctx, afterID, m.cfg.BatchSize)
		if err != nil {
			// Partial progress is kept; the next scheduled sweep resumes
			result.Duration = m.now().Sub(start)
			return result, fmt.Errorf("sweep aborted after %d entries: %w", result.Scanned, err)
		}
		if len(batch) == 0 {
			break
		}

		for _, entry := range batch {
			result.Scanned++
			agg.observe(entry, start)

			score := algo.Score(ranking.ScoreInput{
				AccessCount:  entry.AccessCount,
				CreatedAt:    entry.CreatedAt,
				LastAccessed: entry.LastAccessed,
				CostSaved:    entry.CostSaved,
				QualityScore: qualityFor(entry),
				Now:          start,
			})
			tier := ranking.TierForScore(score)
			agg.count(tier)

			err := m.entries.UpdateScore(ctx, repository.ScoreUpdate{
				ID:      entry.ID,
				Score:   score,
				Tier:    tier,
				Version: algo.Version(),
			})
			if err != nil {
				result.Failures++
				m.logger.Warn("Failed to rescore entry, continuing sweep", map[string]interface{}{
					"entry_id": entry.ID.String(),
					"error":    err.Error(),
				})
				continue
			}

			result.Rescored++
			if tier != entry.Tier {
				result.TierChanges++
			}
		}

		afterID = batch[len(batch)-1].ID
	}

	result.Duration = m.now().Sub(start)

	if m.metrics != nil {
		m.metrics.SweepDuration.Observe(result.Duration.Seconds())
		m.metrics.EntriesRescored.Add(float64(result.Rescored))
		for tier, n := range agg.tierCounts {
			m.metrics.TierEntries.WithLabelValues(string(tier)).Set(float64(n))
		}
	}

	if err := m.snapshot(ctx, agg, start); err != nil {
		m.logger.Warn("Failed to persist health snapshot", map[string]interface{}{
			"error": err.Error(),
		})
	}

	m.logger.Info("Rebalance sweep complete", map[string]interface{}{
		"scanned":      result.Scanned,
		"rescored":     result.Rescored,
		"tier_changes": result.TierChanges,
		"failures":     result.Failures,
		"duration_ms":  result.Duration.Milliseconds(),
	})
	return result, nil
}

// Archive marks entries whose score has stayed below the archival floor
// for the configured duration. Gated on the tier archival feature flag;
// returns 0 without touching the store when the flag is off.
func (m *Manager) Archive(ctx context.Context) (int64, error) {
	if !m.flags.IsEnabled(ctx, models.FeatureTierArchival) {
		m.logger.Debug("Tier archival disabled, skipping", nil)
		return 0, nil
	}

	now := m.now()
	cutoff := now.Add(-m.cfg.ArchiveAfter)
	var toArchive []uuid.UUID
	var hashes []string

	afterID := uuid.Nil
	for {
		batch, err := m.entries.ListBatch(ctx, afterID, m.cfg.BatchSize)
		if err != nil {
			return 0, fmt.Errorf("archival scan failed: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, entry := range batch {
			// An entry not accessed since the cutoff has had no chance to
			// climb back above the floor.
			if entry.PopularityScore < m.cfg.ArchiveBelowScore && entry.LastAccessed.Before(cutoff) {
				toArchive = append(toArchive, entry.ID)
				hashes = append(hashes, entry.QueryHash)
			}
		}
		afterID = batch[len(batch)-1].ID
	}

	if len(toArchive) == 0 {
		return 0, nil
	}

	archived, err := m.entries.Archive(ctx, toArchive)
	if err != nil {
		return 0, fmt.Errorf("archival failed: %w", err)
	}
	m.invalidateLookaside(ctx, hashes)

	if m.metrics != nil {
		m.metrics.EntriesArchived.Add(float64(archived))
	}
	m.logger.Info("Archived low-score entries", map[string]interface{}{
		"archived": archived,
	})
	return archived, nil
}

// CleanupResult summarizes one deletion pass
type CleanupResult struct {
	DeletedAged     int64 `json:"deleted_aged"`
	DeletedNegative int64 `json:"deleted_negative"`
}

// Cleanup permanently removes entries past the retention age with low
// access counts, and entries that accumulated too much negative feedback.
// Deleted entries are evicted from the lookaside so the fast path cannot
// keep serving them.
func (m *Manager) Cleanup(ctx context.Context) (*CleanupResult, error) {
	result := &CleanupResult{}
	cutoff := m.now().Add(-m.cfg.MaxRetentionAge)

	aged, err := m.entries.DeleteAged(ctx, cutoff, m.cfg.MinAccessCount)
	if err != nil {
		return result, fmt.Errorf("aged deletion failed: %w", err)
	}
	result.DeletedAged = int64(len(aged))
	m.invalidateLookaside(ctx, aged)

	negative, err := m.entries.DeleteNegative(ctx, m.cfg.NegativeFeedbackLimit)
	if err != nil {
		return result, fmt.Errorf("negative-feedback deletion failed: %w", err)
	}
	result.DeletedNegative = int64(len(negative))
	m.invalidateLookaside(ctx, negative)

	if m.metrics != nil {
		m.metrics.EntriesDeleted.Add(float64(result.DeletedAged + result.DeletedNegative))
	}
	m.logger.Info("Cleanup complete", map[string]interface{}{
		"deleted_aged":     result.DeletedAged,
		"deleted_negative": result.DeletedNegative,
	})
	return result, nil
}

// invalidateLookaside drops fast-path keys for entries that left active
// serving. Best effort: keys that survive a Redis failure age out on TTL.
func (m *Manager) invalidateLookaside(ctx context.Context, hashes []string) {
	if m.lookaside == nil {
		return
	}
	for _, hash := range hashes {
		if err := m.lookaside.Delete(ctx, hash); err != nil {
			m.logger.Warn("Failed to invalidate lookaside entry", map[string]interface{}{
				"query_hash": hash,
				"error":      err.Error(),
			})
		}
	}
}

// Trend directions for the health report
const (
	TrendUp     = "up"
	TrendDown   = "down"
	TrendStable = "stable"
)

// HealthReport is the operator-facing view of cache health
type HealthReport struct {
	TierCounts      models.TierCountMap `json:"tier_counts"`
	TotalEntries    int                 `json:"total_entries"`
	HealthScore     float64             `json:"health_score"`
	Trend           string              `json:"trend"`
	Recommendations []string            `json:"recommendations"`
	AsOf            time.Time           `json:"as_of"`
}

// Health builds the current health report. The score and trend come from
// persisted snapshots so the report is cheap and stable between sweeps;
// tier counts are read live.
func (m *Manager) Health(ctx context.Context) (*HealthReport, error) {
	counts, err := m.entries.TierCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read tier counts: %w", err)
	}

	total := 0
	for _, n := range counts {
		total += n
	}

	report := &HealthReport{
		TierCounts:   counts,
		TotalEntries: total,
		HealthScore:  healthScore(counts, total),
		Trend:        TrendStable,
		AsOf:         m.now(),
	}

	since := m.now().Add(-m.cfg.TrendLookback)
	history, err := m.snapshots.ListSince(ctx, since)
	if err != nil {
		m.logger.Warn("Failed to load snapshot history, reporting stable trend", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		report.Trend = trendOf(history, report.HealthScore)
	}

	report.Recommendations = recommendations(counts, total, report.Trend)
	return report, nil
}

func (m *Manager) snapshot(ctx context.Context, agg *sweepAggregates, at time.Time) error {
	return m.snapshots.Insert(ctx, &models.CacheHealthSnapshot{
		ID:             uuid.New(),
		SnapshotDate:   at,
		TierCounts:     agg.tierCounts,
		TotalEntries:   agg.total,
		AvgAccessCount: agg.avgAccessCount(),
		AvgAgeDays:     agg.avgAgeDays(),
		HealthScore:    healthScore(agg.tierCounts, agg.total),
		CreatedAt:      at,
	})
}

// sweepAggregates accumulates population statistics during a rebalance so
// the snapshot needs no second pass over the table.
type sweepAggregates struct {
	total      int
	accessSum  int
	ageDaysSum float64
	tierCounts models.TierCountMap
}

func newSweepAggregates() *sweepAggregates {
	return &sweepAggregates{tierCounts: models.TierCountMap{}}
}

func (a *sweepAggregates) observe(entry *models.CacheEntry, now time.Time) {
	a.total++
	a.accessSum += entry.AccessCount
	a.ageDaysSum += now.Sub(entry.CreatedAt).Hours() / 24
}

func (a *sweepAggregates) count(tier models.Tier) {
	a.tierCounts[tier]++
}

func (a *sweepAggregates) avgAccessCount() float64 {
	if a.total == 0 {
		return 0
	}
	return float64(a.accessSum) / float64(a.total)
}

func (a *sweepAggregates) avgAgeDays() float64 {
	if a.total == 0 {
		return 0
	}
	return a.ageDaysSum / float64(a.total)
}

// tierWeights value each tier by how much traffic it absorbs. The health
// score is the weighted share of the population in productive tiers,
// scaled to 0-100.
var tierWeights = map[models.Tier]float64{
	models.TierHot:    1.0,
	models.TierWarm:   0.8,
	models.TierCool:   0.5,
	models.TierCold:   0.25,
	models.TierFrozen: 0.05,
}

func healthScore(counts models.TierCountMap, total int) float64 {
	if total == 0 {
		return 100
	}
	weighted := 0.0
	for tier, n := range counts {
		weighted += tierWeights[tier] * float64(n)
	}
	return 100 * weighted / float64(total)
}

// trendOf compares the current health score against the oldest snapshot in
// the lookback window. Changes within 5% are reported as stable.
func trendOf(history []*models.CacheHealthSnapshot, current float64) string {
	if len(history) == 0 {
		return TrendStable
	}

	baseline := history[0].HealthScore
	if baseline <= 0 {
		return TrendStable
	}

	change := (current - baseline) / baseline
	switch {
	case change > 0.05:
		return TrendUp
	case change < -0.05:
		return TrendDown
	default:
		return TrendStable
	}
}

func recommendations(counts models.TierCountMap, total int, trend string) []string {
	var recs []string
	if total == 0 {
		return recs
	}

	frozenShare := float64(counts[models.TierFrozen]) / float64(total)
	hotWarmShare := float64(counts[models.TierHot]+counts[models.TierWarm]) / float64(total)

	if frozenShare > 0.5 {
		recs = append(recs, "stale percentage high - tighten retention or lower the archival floor")
	}
	if hotWarmShare < 0.05 {
		recs = append(recs, "few entries reach hot or warm tiers - review similarity threshold and query normalization")
	}
	if trend == TrendDown {
		recs = append(recs, "health score declining over the lookback window - inspect recent sweep results")
	}
	return recs
}

func qualityFor(entry *models.CacheEntry) *float64 {
	if entry.FeedbackCount == 0 {
		return nil
	}
	q := entry.QualityScore
	return &q
}
