package cache

import (
	"context"
	"time"

	"github.com/developer-mesh/semcache/internal/embedding"
	"github.com/developer-mesh/semcache/internal/models"
	"github.com/developer-mesh/semcache/internal/observability"
	"github.com/developer-mesh/semcache/internal/repository"
)

// tierSearchPlan describes how each tier is searched: higher-value tiers
// get larger candidate caps, lower tiers carry a popularity floor so the
// scan stays cheap.
type tierSearchStep struct {
	tier     models.Tier
	limit    int
	minScore float64
}

var defaultSearchPlan = []tierSearchStep{
	{models.TierHot, 100, 0},
	{models.TierWarm, 50, 0},
	{models.TierCool, 25, 15},
	{models.TierCold, 10, 5},
}

// MatchResult is a similarity match against a stored entry
type MatchResult struct {
	Entry      *models.CacheEntry
	Similarity float64
}

// Matcher finds the best existing cache entry above a similarity threshold,
// preferring higher-value tiers. If tiered search fails it degrades to a
// flat scan of the most popular entries.
type Matcher struct {
	entries       repository.EntryRepository
	plan          []tierSearchStep
	flatScanLimit int
	logger        observability.Logger
}

// NewMatcher creates a matcher over the given entry repository
func NewMatcher(entries repository.EntryRepository, flatScanLimit int, logger observability.Logger) *Matcher {
	if logger == nil {
		logger = observability.NewLogger("cache.matcher")
	}
	if flatScanLimit <= 0 {
		flatScanLimit = 50
	}
	return &Matcher{
		entries:       entries,
		plan:          defaultSearchPlan,
		flatScanLimit: flatScanLimit,
		logger:        logger,
	}
}

// FindMatch searches tiers in descending value order and returns the first
// qualifying entry, or nil if nothing reaches the threshold. Candidates are
// scoped to the model/provider pair: a response cached for one model is
// never served for another. A hit in the hot or warm tier short-circuits
// the lower tiers to bound latency.
func (m *Matcher) FindMatch(ctx context.Context, queryEmbedding models.Vector, model, provider string, threshold float64) *MatchResult {
	for _, step := range m.plan {
		stepCtx, cancel := context.WithTimeout(ctx, searchTimeout)
		candidates, err := m.entries.SearchTier(stepCtx, queryEmbedding, model, provider, step.tier, step.minScore, step.limit)
		cancel()
		if err != nil {
			m.logger.Warn("Tiered search failed, falling back to flat scan", map[string]interface{}{
				"tier":  step.tier,
				"error": err.Error(),
			})
			return m.flatScan(ctx, queryEmbedding, model, provider, threshold)
		}

		if match := bestCandidate(queryEmbedding, candidates, threshold); match != nil {
			return match
		}
	}
	return nil
}

// flatScan is the degraded path: fetch the model's top entries by
// popularity across all tiers and compare against all of them.
func (m *Matcher) flatScan(ctx context.Context, queryEmbedding models.Vector, model, provider string, threshold float64) *MatchResult {
	scanCtx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	candidates, err := m.entries.TopByPopularity(scanCtx, model, provider, m.flatScanLimit)
	if err != nil {
		m.logger.Error("Flat scan failed, treating as miss", map[string]interface{}{
			"error": err.Error(),
		})
		return nil
	}
	return bestCandidate(queryEmbedding, candidates, threshold)
}

// bestCandidate picks the most similar candidate at or above the threshold.
// Ties are broken by higher popularity score, then by more recent access.
func bestCandidate(queryEmbedding models.Vector, candidates []*models.CacheEntry, threshold float64) *MatchResult {
	const tieEpsilon = 1e-9

	var best *MatchResult
	for _, candidate := range candidates {
		sim := embedding.CosineSimilarity(queryEmbedding, candidate.Embedding)
		if sim < threshold {
			continue
		}
		if best == nil || sim > best.Similarity+tieEpsilon || (sim >= best.Similarity-tieEpsilon && betterTieBreak(candidate, best.Entry)) {
			best = &MatchResult{Entry: candidate, Similarity: sim}
		}
	}
	return best
}

func betterTieBreak(a, b *models.CacheEntry) bool {
	if a.PopularityScore != b.PopularityScore {
		return a.PopularityScore > b.PopularityScore
	}
	return a.LastAccessed.After(b.LastAccessed)
}

// searchTimeout bounds each store query so no lookup blocks indefinitely
const searchTimeout = 2 * time.Second
