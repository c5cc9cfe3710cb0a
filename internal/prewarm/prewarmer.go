// Package prewarm predicts recurring queries from usage history and caches
// their responses ahead of the expected traffic.
package prewarm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/developer-mesh/semcache/internal/cache"
	"github.com/developer-mesh/semcache/internal/features"
	"github.com/developer-mesh/semcache/internal/metrics"
	"github.com/developer-mesh/semcache/internal/models"
	"github.com/developer-mesh/semcache/internal/observability"
	"github.com/developer-mesh/semcache/internal/repository"
)

// UpstreamFunc produces a fresh response for a query, typically by calling
// the generative model the cache fronts.
type UpstreamFunc func(ctx context.Context, query, model, provider string) (string, error)

// Config carries prewarm policy
type Config struct {
	MaxPredictions  int
	MinOccurrences  int
	WindowSeconds   int
	HistoryLookback time.Duration
	RecordRetention time.Duration
}

// Prewarmer forecasts recurring queries and warms the cache before they
// arrive. All of its work is gated on the predictive caching feature flag.
type Prewarmer struct {
	usage       repository.UsageRepository
	predictions repository.PredictionRepository
	entries     repository.EntryRepository
	svc         *cache.Service
	upstream    UpstreamFunc
	flags       *features.Controller
	logger      observability.Logger
	metrics     *metrics.Metrics
	cfg         Config

	now func() time.Time
}

// prewarmWorkers bounds concurrent upstream calls during a prewarm pass
const prewarmWorkers = 4

// NewPrewarmer creates a prewarmer. upstream may be nil, in which case
// predictions are recorded for accuracy tracking but nothing is warmed.
func NewPrewarmer(
	usage repository.UsageRepository,
	predictions repository.PredictionRepository,
	entries repository.EntryRepository,
	svc *cache.Service,
	upstream UpstreamFunc,
	flags *features.Controller,
	cfg Config,
	logger observability.Logger,
	m *metrics.Metrics,
) *Prewarmer {
	if logger == nil {
		logger = observability.NewLogger("prewarm")
	}
	if cfg.MaxPredictions <= 0 {
		cfg.MaxPredictions = 20
	}
	if cfg.MinOccurrences <= 0 {
		cfg.MinOccurrences = 3
	}
	if cfg.WindowSeconds <= 0 {
		cfg.WindowSeconds = 3600
	}
	if cfg.HistoryLookback <= 0 {
		cfg.HistoryLookback = 7 * 24 * time.Hour
	}
	if cfg.RecordRetention <= 0 {
		cfg.RecordRetention = 30 * 24 * time.Hour
	}

	return &Prewarmer{
		usage:       usage,
		predictions: predictions,
		entries:     entries,
		svc:         svc,
		upstream:    upstream,
		flags:       flags,
		logger:      logger,
		metrics:     m,
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Prediction pairs a persisted record with the query attributes needed to
// actually warm it.
type Prediction struct {
	Record   *models.PredictionRecord
	Query    string
	Model    string
	Provider string
}

// Predict derives likely upcoming queries from recurring patterns in the
// usage log and records one prediction per pattern, ranked most frequent
// first. Each prediction is anchored at the query's typical time of day.
func (p *Prewarmer) Predict(ctx context.Context) ([]*Prediction, error) {
	if !p.flags.IsEnabled(ctx, models.FeaturePredictiveCaching) {
		p.logger.Debug("Predictive caching disabled, skipping prediction", nil)
		return nil, nil
	}

	now := p.now()
	since := now.Add(-p.cfg.HistoryLookback)
	recurring, err := p.usage.RecurringQueries(ctx, since, p.cfg.MinOccurrences, p.cfg.MaxPredictions)
	if err != nil {
		return nil, fmt.Errorf("failed to load recurring queries: %w", err)
	}

	predictions := make([]*Prediction, 0, len(recurring))
	for _, rq := range recurring {
		predictedFor := nextOccurrence(now, rq.AvgSecondOfDay)

		// A pending prediction already covering the slot means a previous
		// pass got here first. Inserting again would double-count the
		// outcome and skew the accuracy gauge.
		if exists, err := p.predictions.HasPending(ctx, rq.QueryHash, predictedFor); err != nil {
			p.logger.Warn("Failed to check existing predictions, skipping", map[string]interface{}{
				"query_hash": rq.QueryHash,
				"error":      err.Error(),
			})
			continue
		} else if exists {
			continue
		}

		record := &models.PredictionRecord{
			ID:            uuid.New(),
			Query:         rq.Query,
			QueryHash:     rq.QueryHash,
			PredictedFor:  predictedFor,
			WindowSeconds: p.cfg.WindowSeconds,
			Confidence:    confidenceFor(rq.Occurrences, p.cfg.MinOccurrences),
			Outcome:       models.OutcomePending,
			CreatedAt:     now,
		}
		if err := p.predictions.Insert(ctx, record); err != nil {
			p.logger.Warn("Failed to record prediction, continuing", map[string]interface{}{
				"query_hash": rq.QueryHash,
				"error":      err.Error(),
			})
			continue
		}
		predictions = append(predictions, &Prediction{
			Record:   record,
			Query:    rq.Query,
			Model:    rq.Model,
			Provider: rq.Provider,
		})
	}

	if p.metrics != nil {
		p.metrics.PredictionsMade.Add(float64(len(predictions)))
	}
	p.logger.Info("Recorded predictions", map[string]interface{}{
		"count": len(predictions),
	})
	return predictions, nil
}

// Prewarm fetches and caches responses for predictions that are not cached
// yet, and returns how many entries it actually added. Queries already
// cached under their hash are skipped so prewarming never duplicates.
func (p *Prewarmer) Prewarm(ctx context.Context, predictions []*Prediction) int {
	if p.upstream == nil || len(predictions) == 0 {
		return 0
	}

	var (
		warmed int64
		mu     sync.Mutex
		wg     sync.WaitGroup
	)
	work := make(chan *Prediction)

	for i := 0; i < prewarmWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pred := range work {
				if p.warmOne(ctx, pred) {
					mu.Lock()
					warmed++
					mu.Unlock()
				}
			}
		}()
	}

	for _, pred := range predictions {
		select {
		case work <- pred:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(work)
	wg.Wait()

	if p.metrics != nil {
		p.metrics.PrewarmedEntries.Add(float64(warmed))
	}
	p.logger.Info("Prewarm pass complete", map[string]interface{}{
		"predicted": len(predictions),
		"warmed":    warmed,
	})
	return int(warmed)
}

func (p *Prewarmer) warmOne(ctx context.Context, pred *Prediction) bool {
	_, err := p.entries.GetByQueryHash(ctx, pred.Record.QueryHash, pred.Model, pred.Provider)
	if err == nil {
		return false
	}
	if !errors.Is(err, repository.ErrNotFound) {
		p.logger.Warn("Failed to check for existing entry, skipping", map[string]interface{}{
			"query_hash": pred.Record.QueryHash,
			"error":      err.Error(),
		})
		return false
	}

	response, err := p.upstream(ctx, pred.Query, pred.Model, pred.Provider)
	if err != nil {
		p.logger.Warn("Upstream call failed during prewarm", map[string]interface{}{
			"query_hash": pred.Record.QueryHash,
			"error":      err.Error(),
		})
		return false
	}

	_, err = p.svc.Store(ctx, cache.StoreInput{
		Query:    pred.Query,
		Response: response,
		Model:    pred.Model,
		Provider: pred.Provider,
	})
	if err != nil {
		p.logger.Warn("Failed to store prewarmed entry", map[string]interface{}{
			"query_hash": pred.Record.QueryHash,
			"error":      err.Error(),
		})
		return false
	}
	return true
}

// TrackAccuracy resolves any pending prediction whose window covers now and
// whose hash matches the incoming query. Called on every real lookup; must
// stay cheap and never disturb the request.
func (p *Prewarmer) TrackAccuracy(ctx context.Context, queryHash string) {
	now := p.now()
	pending, err := p.predictions.Pending(ctx, now)
	if err != nil {
		p.logger.Debug("Failed to load pending predictions", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	for _, record := range pending {
		if record.QueryHash != queryHash {
			continue
		}
		if err := p.predictions.ResolveOutcome(ctx, record.ID, models.OutcomeHit); err != nil {
			p.logger.Debug("Failed to resolve prediction outcome", map[string]interface{}{
				"prediction_id": record.ID.String(),
				"error":         err.Error(),
			})
		}
	}
}

// CleanupResult summarizes one prediction maintenance pass
type CleanupResult struct {
	Expired int64 `json:"expired"`
	Purged  int64 `json:"purged"`
}

// Cleanup expires pending predictions whose windows have elapsed, purges
// old records, and refreshes the accuracy gauge.
func (p *Prewarmer) Cleanup(ctx context.Context) (*CleanupResult, error) {
	result := &CleanupResult{}
	now := p.now()

	expired, err := p.predictions.ExpirePending(ctx, now)
	if err != nil {
		return result, fmt.Errorf("failed to expire predictions: %w", err)
	}
	result.Expired = expired

	purged, err := p.predictions.Purge(ctx, now.Add(-p.cfg.RecordRetention))
	if err != nil {
		return result, fmt.Errorf("failed to purge prediction records: %w", err)
	}
	result.Purged = purged

	if hits, misses, err := p.predictions.Accuracy(ctx); err == nil && hits+misses > 0 {
		accuracy := float64(hits) / float64(hits+misses)
		if p.metrics != nil {
			p.metrics.PredictionAccuracy.Set(accuracy)
		}
		p.logger.Info("Prediction accuracy", map[string]interface{}{
			"hits":     hits,
			"misses":   misses,
			"accuracy": accuracy,
		})
	}
	return result, nil
}

// Accuracy reports resolved prediction outcomes as a hit ratio
func (p *Prewarmer) Accuracy(ctx context.Context) (float64, error) {
	hits, misses, err := p.predictions.Accuracy(ctx)
	if err != nil {
		return 0, err
	}
	if hits+misses == 0 {
		return 0, nil
	}
	return float64(hits) / float64(hits+misses), nil
}

// nextOccurrence projects a typical second-of-day onto the next future
// calendar slot.
func nextOccurrence(now time.Time, secondOfDay float64) time.Time {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	at := midnight.Add(time.Duration(secondOfDay) * time.Second)
	if !at.After(now) {
		at = at.Add(24 * time.Hour)
	}
	return at
}

// confidenceFor grows with observed occurrences above the minimum, capped
// at 0.95 so no prediction reports certainty.
func confidenceFor(occurrences, minOccurrences int) float64 {
	if occurrences <= minOccurrences {
		return 0.5
	}
	confidence := 0.5 + 0.05*float64(occurrences-minOccurrences)
	if confidence > 0.95 {
		confidence = 0.95
	}
	return confidence
}
