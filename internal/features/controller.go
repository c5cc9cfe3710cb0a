// Package features gates which scoring and lifecycle algorithm versions are
// active, auto-enabling more advanced algorithms as the cache grows.
package features

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/developer-mesh/semcache/internal/models"
	"github.com/developer-mesh/semcache/internal/observability"
	"github.com/developer-mesh/semcache/internal/ranking"
	"github.com/developer-mesh/semcache/internal/repository"
)

// Auto-enable thresholds over current cache metrics
const (
	v2ScoringMinQueries        = 10000
	tierArchivalMinQueries     = 50000
	predictiveMinQueries       = 100000
	predictiveMinAverageAccess = 2.0
)

// ErrUnknownFeature is returned for feature names outside the known set
var ErrUnknownFeature = errors.New("unknown feature")

var knownFeatures = map[string]bool{
	models.FeatureMetadataCollection: true,
	models.FeatureV2Scoring:          true,
	models.FeatureTierArchival:       true,
	models.FeaturePredictiveCaching:  true,
}

// Controller reads and toggles ranking features. Reads are cached briefly so
// the request path does not hit the store per lookup.
type Controller struct {
	repo    repository.FeatureRepository
	entries repository.EntryRepository
	usage   repository.UsageRepository
	logger  observability.Logger

	mu       sync.RWMutex
	cached   map[string]bool
	cachedAt time.Time
	cacheTTL time.Duration
}

// NewController creates a feature flag controller. The usage repository is
// the source of query volume for the auto-enable sweep.
func NewController(repo repository.FeatureRepository, entries repository.EntryRepository, usage repository.UsageRepository, logger observability.Logger) *Controller {
	if logger == nil {
		logger = observability.NewLogger("features")
	}
	return &Controller{
		repo:     repo,
		entries:  entries,
		usage:    usage,
		logger:   logger,
		cached:   make(map[string]bool),
		cacheTTL: 30 * time.Second,
	}
}

// IsEnabled reports whether a feature flag is enabled. Unknown or unreadable
// flags report false. A fresh cache is authoritative for absent names too:
// a flag with no row yet is disabled, and must not force a store read on
// every call from the request path.
func (c *Controller) IsEnabled(ctx context.Context, name string) bool {
	c.mu.RLock()
	if time.Since(c.cachedAt) < c.cacheTTL {
		enabled := c.cached[name]
		c.mu.RUnlock()
		return enabled
	}
	c.mu.RUnlock()

	return c.refresh(ctx, name)
}

func (c *Controller) refresh(ctx context.Context, name string) bool {
	flags, err := c.repo.List(ctx)
	if err != nil {
		c.logger.Warn("Failed to load feature flags", map[string]interface{}{
			"error": err.Error(),
		})
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.cached[name]
	}

	fresh := make(map[string]bool, len(flags))
	for _, f := range flags {
		fresh[f.Name] = f.IsEnabled
	}

	c.mu.Lock()
	c.cached = fresh
	c.cachedAt = time.Now()
	c.mu.Unlock()

	return fresh[name]
}

// ActiveAlgorithm returns the scoring algorithm selected by the
// use_v2_scoring flag.
func (c *Controller) ActiveAlgorithm(ctx context.Context) ranking.Algorithm {
	if c.IsEnabled(ctx, models.FeatureV2Scoring) {
		return ranking.V2{}
	}
	return ranking.V1{}
}

// Override toggles a flag by explicit operator action, in either direction
func (c *Controller) Override(ctx context.Context, name string, enabled bool) error {
	if !knownFeatures[name] {
		return fmt.Errorf("%w: %s", ErrUnknownFeature, name)
	}
	if err := c.repo.SetEnabled(ctx, name, enabled, nil); err != nil {
		return err
	}
	c.invalidate()
	return nil
}

// AutoEnableResult summarizes one auto-enable sweep
type AutoEnableResult struct {
	TotalQueries       int      `json:"total_queries"`
	AverageAccessCount float64  `json:"average_access_count"`
	Enabled            []string `json:"enabled"`
}

// AutoEnable inspects current cache metrics and enables features whose
// thresholds are crossed. It never disables anything; downgrades are a
// manual override.
func (c *Controller) AutoEnable(ctx context.Context) (*AutoEnableResult, error) {
	totalQueries, err := c.usage.TotalQueries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count queries: %w", err)
	}
	m, err := c.entries.Metrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache metrics: %w", err)
	}

	result := &AutoEnableResult{
		TotalQueries:       totalQueries,
		AverageAccessCount: m.AverageAccessCount,
	}

	targets := []struct {
		name string
		want bool
	}{
		{models.FeatureMetadataCollection, totalQueries > 0},
		{models.FeatureV2Scoring, totalQueries >= v2ScoringMinQueries},
		{models.FeatureTierArchival, totalQueries >= tierArchivalMinQueries},
		{models.FeaturePredictiveCaching, totalQueries >= predictiveMinQueries && m.AverageAccessCount >= predictiveMinAverageAccess},
	}

	for _, target := range targets {
		if !target.want || c.IsEnabled(ctx, target.name) {
			continue
		}
		if err := c.repo.SetEnabled(ctx, target.name, true, nil); err != nil {
			c.logger.Error("Failed to auto-enable feature", map[string]interface{}{
				"feature": target.name,
				"error":   err.Error(),
			})
			continue
		}
		c.logger.Info("Auto-enabled feature", map[string]interface{}{
			"feature":       target.name,
			"total_queries": totalQueries,
		})
		result.Enabled = append(result.Enabled, target.name)
	}

	c.invalidate()
	return result, nil
}

func (c *Controller) invalidate() {
	c.mu.Lock()
	c.cachedAt = time.Time{}
	c.mu.Unlock()
}
