package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/developer-mesh/semcache/internal/embedding"
	"github.com/developer-mesh/semcache/internal/features"
	"github.com/developer-mesh/semcache/internal/metrics"
	"github.com/developer-mesh/semcache/internal/models"
	"github.com/developer-mesh/semcache/internal/observability"
	"github.com/developer-mesh/semcache/internal/ranking"
	"github.com/developer-mesh/semcache/internal/repository"
)

// Validation errors, rejected synchronously and never retried
var (
	ErrEmptyQuery      = errors.New("query must not be empty")
	ErrInvalidFeedback = errors.New("feedback must be one of helpful, outdated, incorrect")
)

// AccuracyTracker is notified of every real incoming query so prediction
// outcomes can be resolved. The prewarmer implements it.
type AccuracyTracker interface {
	TrackAccuracy(ctx context.Context, queryHash string)
}

// Service is the semantic cache core. It embeds inbound queries, matches
// them against stored entries tier by tier, and maintains access statistics
// and scores as side effects off the request path.
type Service struct {
	entries    repository.EntryRepository
	usage      repository.UsageRepository
	generator  *embedding.Generator
	matcher    *Matcher
	lookaside  *Lookaside // nil when Redis is disabled
	features   *features.Controller
	normalizer QueryNormalizer
	tracker    AccuracyTracker // nil until predictive caching is wired
	logger     observability.Logger
	metrics    *metrics.Metrics

	threshold        float64
	defaultCostSaved float64

	// In-process counters for the stats endpoint
	hitCount  atomic.Int64
	missCount atomic.Int64
}

// ServiceConfig configures a cache service
type ServiceConfig struct {
	SimilarityThreshold float64
	FlatScanLimit       int
	DefaultCostSaved    float64
}

// NewService creates the cache service. lookaside and tracker may be nil.
func NewService(
	entries repository.EntryRepository,
	usage repository.UsageRepository,
	generator *embedding.Generator,
	flags *features.Controller,
	lookaside *Lookaside,
	cfg ServiceConfig,
	logger observability.Logger,
	m *metrics.Metrics,
) *Service {
	if logger == nil {
		logger = observability.NewLogger("cache.service")
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.85
	}

	return &Service{
		entries:          entries,
		usage:            usage,
		generator:        generator,
		matcher:          NewMatcher(entries, cfg.FlatScanLimit, logger.WithPrefix("cache.matcher")),
		lookaside:        lookaside,
		features:         flags,
		normalizer:       NewQueryNormalizer(),
		logger:           logger,
		metrics:          m,
		threshold:        cfg.SimilarityThreshold,
		defaultCostSaved: cfg.DefaultCostSaved,
	}
}

// SetAccuracyTracker wires the prewarmer's accuracy tracking into the
// lookup path. Called once during startup.
func (s *Service) SetAccuracyTracker(tracker AccuracyTracker) {
	s.tracker = tracker
}

// LookupResult is the outcome of a cache lookup
type LookupResult struct {
	Response   string      `json:"response,omitempty"`
	CacheHit   bool        `json:"cache_hit"`
	EntryID    *uuid.UUID  `json:"entry_id,omitempty"`
	Tier       models.Tier `json:"tier,omitempty"`
	Similarity float64     `json:"similarity,omitempty"`
}

// LookupOptions carries optional per-request attributes
type LookupOptions struct {
	UserID    *uuid.UUID
	Threshold float64 // 0 means the configured default
}

// Lookup finds a cached response for a query. A cache subsystem failure is
// never surfaced: the worst outcome is a miss and the caller falls through
// to the upstream model.
func (s *Service) Lookup(ctx context.Context, query, model, provider string, opts LookupOptions) (*LookupResult, error) {
	if query == "" {
		return nil, ErrEmptyQuery
	}

	start := time.Now()
	normalized := s.normalizer.Normalize(query)
	queryHash := QueryHash(normalized, model, provider)
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = s.threshold
	}

	if s.tracker != nil {
		go func() {
			trackCtx, cancel := context.WithTimeout(detachedContext(), 5*time.Second)
			defer cancel()
			s.tracker.TrackAccuracy(trackCtx, queryHash)
		}()
	}

	result := s.lookup(ctx, normalized, queryHash, model, provider, threshold)

	if s.metrics != nil {
		s.metrics.LookupDuration.Observe(time.Since(start).Seconds())
	}

	s.logUsage(queryHash, query, model, provider, opts.UserID, result, time.Since(start))

	if result.CacheHit {
		s.hitCount.Add(1)
	} else {
		s.missCount.Add(1)
	}
	return result, nil
}

func (s *Service) lookup(ctx context.Context, normalized, queryHash, model, provider string, threshold float64) *LookupResult {
	// Exact-hash lookaside first: repeat queries skip embedding entirely
	if s.lookaside != nil {
		if cached, err := s.lookaside.Get(ctx, queryHash); err == nil {
			s.recordHit(cached.EntryID, "exact_hit", 1.0)
			return &LookupResult{
				Response:   cached.Response,
				CacheHit:   true,
				EntryID:    &cached.EntryID,
				Tier:       cached.Tier,
				Similarity: 1.0,
			}
		} else if !errors.Is(err, ErrLookasideMiss) {
			s.logger.Warn("Lookaside unavailable, continuing with store", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	// Exact duplicate in the store
	if entry, err := s.entries.GetByQueryHash(ctx, queryHash, model, provider); err == nil {
		s.populateLookaside(queryHash, entry)
		s.recordHit(entry.ID, "exact_hit", 1.0)
		return &LookupResult{
			Response:   entry.Response,
			CacheHit:   true,
			EntryID:    &entry.ID,
			Tier:       entry.Tier,
			Similarity: 1.0,
		}
	} else if !errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("Exact-match query failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	// Similarity search over tiers
	embedStart := time.Now()
	vec, degraded := s.generator.Embed(ctx, normalized)
	if s.metrics != nil {
		s.metrics.EmbeddingDuration.Observe(time.Since(embedStart).Seconds())
		if degraded {
			s.metrics.EmbeddingFallbacks.Inc()
		}
	}

	match := s.matcher.FindMatch(ctx, vec, model, provider, threshold)
	if match == nil {
		if s.metrics != nil {
			s.metrics.LookupsTotal.WithLabelValues("miss").Inc()
		}
		return &LookupResult{CacheHit: false}
	}

	s.recordHit(match.Entry.ID, "similar_hit", match.Similarity)
	return &LookupResult{
		Response:   match.Entry.Response,
		CacheHit:   true,
		EntryID:    &match.Entry.ID,
		Tier:       match.Entry.Tier,
		Similarity: match.Similarity,
	}
}

// recordHit updates access stats and the popularity score off the request
// path. Returning the match never blocks on these updates; the counters are
// eventually consistent under concurrent hits.
func (s *Service) recordHit(entryID uuid.UUID, kind string, similarity float64) {
	if s.metrics != nil {
		s.metrics.LookupsTotal.WithLabelValues(kind).Inc()
		s.metrics.SimilarityScores.Observe(similarity)
	}

	go func() {
		ctx, cancel := context.WithTimeout(detachedContext(), 5*time.Second)
		defer cancel()

		if err := s.entries.RecordAccess(ctx, entryID); err != nil {
			s.logger.Warn("Failed to record access", map[string]interface{}{
				"entry_id": entryID.String(),
				"error":    err.Error(),
			})
			return
		}
		s.rescoreEntry(ctx, entryID)
	}()
}

// rescoreEntry recomputes one entry's score and tier under the active
// algorithm after an access.
func (s *Service) rescoreEntry(ctx context.Context, entryID uuid.UUID) {
	entry, err := s.entries.GetByID(ctx, entryID)
	if err != nil {
		return
	}

	algo := s.features.ActiveAlgorithm(ctx)
	score := algo.Score(ranking.ScoreInput{
		AccessCount:  entry.AccessCount,
		CreatedAt:    entry.CreatedAt,
		LastAccessed: entry.LastAccessed,
		CostSaved:    entry.CostSaved,
		QualityScore: qualityFor(entry),
		Now:          time.Now().UTC(),
	})

	err = s.entries.UpdateScore(ctx, repository.ScoreUpdate{
		ID:      entry.ID,
		Score:   score,
		Tier:    ranking.TierForScore(score),
		Version: algo.Version(),
	})
	if err != nil {
		s.logger.Warn("Failed to update score after access", map[string]interface{}{
			"entry_id": entryID.String(),
			"error":    err.Error(),
		})
	}
}

// StoreInput describes a fresh upstream response to cache
type StoreInput struct {
	Query     string
	Response  string
	Model     string
	Provider  string
	UserID    *uuid.UUID
	CostSaved float64
	LatencyMs int
}

// Store caches a fresh upstream response and returns the new entry id.
// Racing stores for the same novel query may create duplicates; they are
// left to diverge in score and decay.
func (s *Service) Store(ctx context.Context, in StoreInput) (uuid.UUID, error) {
	if in.Query == "" {
		return uuid.Nil, ErrEmptyQuery
	}
	if in.Response == "" {
		return uuid.Nil, errors.New("response must not be empty")
	}

	normalized := s.normalizer.Normalize(in.Query)
	queryHash := QueryHash(normalized, in.Model, in.Provider)

	vec, degraded := s.generator.Embed(ctx, normalized)
	if degraded && s.metrics != nil {
		s.metrics.EmbeddingFallbacks.Inc()
	}

	costSaved := in.CostSaved
	if costSaved <= 0 {
		costSaved = s.defaultCostSaved
	}

	now := time.Now().UTC()
	algo := s.features.ActiveAlgorithm(ctx)
	score := algo.Score(ranking.ScoreInput{
		AccessCount:  1,
		CreatedAt:    now,
		LastAccessed: now,
		CostSaved:    costSaved,
		Now:          now,
	})

	entry := &models.CacheEntry{
		ID:              uuid.New(),
		QueryHash:       queryHash,
		Query:           in.Query,
		Response:        in.Response,
		Embedding:       vec,
		Model:           in.Model,
		Provider:        in.Provider,
		UserID:          in.UserID,
		AccessCount:     1,
		PopularityScore: score,
		RankingVersion:  algo.Version(),
		Tier:            ranking.TierForScore(score),
		QualityScore:    50,
		CostSaved:       costSaved,
		CreatedAt:       now,
		LastAccessed:    now,
	}

	if err := s.entries.Insert(ctx, entry); err != nil {
		return uuid.Nil, fmt.Errorf("failed to store cache entry: %w", err)
	}

	s.populateLookaside(queryHash, entry)

	// The upstream call that produced this response was a cache miss; its
	// reported latency and cost become the miss-side usage history.
	s.recordUsage(&models.UsageLog{
		UserID:         in.UserID,
		QueryHash:      queryHash,
		Query:          in.Query,
		Model:          in.Model,
		Provider:       in.Provider,
		CacheHit:       false,
		Cost:           costSaved,
		ResponseTimeMs: in.LatencyMs,
	})
	return entry.ID, nil
}

// FeedbackResult is the outcome of submitting feedback
type FeedbackResult struct {
	NewQualityScore float64 `json:"new_quality_score"`
	FeedbackCount   int     `json:"feedback_count"`
}

// SubmitFeedback adjusts an entry's quality score by one vote and folds the
// change into its popularity score and tier immediately.
func (s *Service) SubmitFeedback(ctx context.Context, entryID uuid.UUID, fb models.Feedback) (*FeedbackResult, error) {
	if !fb.Valid() {
		return nil, ErrInvalidFeedback
	}

	entry, err := s.entries.GetByID(ctx, entryID)
	if err != nil {
		return nil, err
	}

	count := entry.FeedbackCount + 1
	quality := ranking.ApplyFeedback(entry.QualityScore, count, fb)
	negatives := entry.NegativeVotes
	if fb.Negative() {
		negatives++
	}

	if err := s.entries.UpdateQuality(ctx, entryID, quality, count, negatives); err != nil {
		return nil, err
	}

	// Tier must stay consistent with the score under the active algorithm
	algo := s.features.ActiveAlgorithm(ctx)
	score := algo.Score(ranking.ScoreInput{
		AccessCount:  entry.AccessCount,
		CreatedAt:    entry.CreatedAt,
		LastAccessed: entry.LastAccessed,
		CostSaved:    entry.CostSaved,
		QualityScore: &quality,
		Now:          time.Now().UTC(),
	})
	if err := s.entries.UpdateScore(ctx, repository.ScoreUpdate{
		ID:      entryID,
		Score:   score,
		Tier:    ranking.TierForScore(score),
		Version: algo.Version(),
	}); err != nil {
		s.logger.Warn("Failed to fold feedback into score", map[string]interface{}{
			"entry_id": entryID.String(),
			"error":    err.Error(),
		})
	}

	// Distrusted responses must not be served from the fast path
	if fb.Negative() && s.lookaside != nil {
		if err := s.lookaside.Delete(ctx, entry.QueryHash); err != nil {
			s.logger.Warn("Failed to invalidate lookaside entry", map[string]interface{}{
				"query_hash": entry.QueryHash,
				"error":      err.Error(),
			})
		}
	}

	return &FeedbackResult{NewQualityScore: quality, FeedbackCount: count}, nil
}

// Stats summarizes in-process hit/miss counters and store volume
type Stats struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	HitRate      float64 `json:"hit_rate"`
	TotalEntries int     `json:"total_entries"`
}

// Stats returns current cache statistics
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	m, err := s.entries.Metrics(ctx)
	if err != nil {
		return nil, err
	}

	hits := s.hitCount.Load()
	misses := s.missCount.Load()
	stats := &Stats{
		Hits:         hits,
		Misses:       misses,
		TotalEntries: m.TotalEntries,
	}
	if hits+misses > 0 {
		stats.HitRate = float64(hits) / float64(hits+misses)
	}
	return stats, nil
}

func (s *Service) populateLookaside(queryHash string, entry *models.CacheEntry) {
	if s.lookaside == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(detachedContext(), 2*time.Second)
		defer cancel()

		err := s.lookaside.Set(ctx, queryHash, &LookasideEntry{
			EntryID:  entry.ID,
			Response: entry.Response,
			Tier:     entry.Tier,
		})
		if err != nil {
			s.logger.Debug("Failed to populate lookaside", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
}

func (s *Service) logUsage(queryHash, query, model, provider string, userID *uuid.UUID, result *LookupResult, elapsed time.Duration) {
	s.recordUsage(&models.UsageLog{
		UserID:         userID,
		QueryHash:      queryHash,
		Query:          query,
		Model:          model,
		Provider:       provider,
		CacheHit:       result.CacheHit,
		ResponseTimeMs: int(elapsed.Milliseconds()),
	})
}

// recordUsage inserts a usage record off the request path. The usage log
// feeds the prewarmer's recurrence analysis and auto-enable volume counts,
// so both hits and upstream misses must land here.
func (s *Service) recordUsage(log *models.UsageLog) {
	go func() {
		ctx, cancel := context.WithTimeout(detachedContext(), 5*time.Second)
		defer cancel()

		if err := s.usage.Insert(ctx, log); err != nil {
			s.logger.Debug("Failed to log usage", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
}

func qualityFor(entry *models.CacheEntry) *float64 {
	if entry.FeedbackCount == 0 {
		return nil
	}
	q := entry.QualityScore
	return &q
}

// detachedContext returns a fresh background context for side-effect work
// that must survive the request context being cancelled.
func detachedContext() context.Context {
	return context.Background()
}
