// Package metrics provides Prometheus metrics for the semantic cache service
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service
type Metrics struct {
	// Lookup metrics
	LookupsTotal     *prometheus.CounterVec // result: exact_hit, similar_hit, miss
	LookupDuration   prometheus.Histogram
	SimilarityScores prometheus.Histogram

	// Embedding metrics
	EmbeddingDuration  prometheus.Histogram
	EmbeddingFallbacks prometheus.Counter

	// Tier metrics
	TierEntries *prometheus.GaugeVec

	// Lifecycle metrics
	SweepDuration   prometheus.Histogram
	EntriesRescored prometheus.Counter
	EntriesArchived prometheus.Counter
	EntriesDeleted  prometheus.Counter

	// Prewarm metrics
	PredictionsMade    prometheus.Counter
	PrewarmedEntries   prometheus.Counter
	PredictionAccuracy prometheus.Gauge
}

// New creates and registers all metrics on the default registry
func New() *Metrics {
	return NewWithRegistry(nil)
}

// NewWithRegistry creates metrics on a specific registry, or the default
// registry if nil. Tests pass their own registry to avoid duplicate
// registration.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	if reg == nil {
		factory = promauto.With(prometheus.DefaultRegisterer)
	}

	return &Metrics{
		LookupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "semcache_lookups_total",
			Help: "Cache lookups by result",
		}, []string{"result"}),
		LookupDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "semcache_lookup_duration_seconds",
			Help:    "Time spent serving lookups",
			Buckets: prometheus.DefBuckets,
		}),
		SimilarityScores: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "semcache_match_similarity",
			Help:    "Similarity of accepted matches",
			Buckets: prometheus.LinearBuckets(0.80, 0.02, 11),
		}),
		EmbeddingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "semcache_embedding_duration_seconds",
			Help:    "Time spent generating embeddings",
			Buckets: prometheus.DefBuckets,
		}),
		EmbeddingFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "semcache_embedding_fallbacks_total",
			Help: "Embeddings served by the degraded deterministic fallback",
		}),
		TierEntries: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "semcache_tier_entries",
			Help: "Non-archived entries per tier",
		}, []string{"tier"}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "semcache_sweep_duration_seconds",
			Help:    "Time spent on lifecycle sweeps",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		EntriesRescored: factory.NewCounter(prometheus.CounterOpts{
			Name: "semcache_entries_rescored_total",
			Help: "Entries rescored by lifecycle sweeps",
		}),
		EntriesArchived: factory.NewCounter(prometheus.CounterOpts{
			Name: "semcache_entries_archived_total",
			Help: "Entries archived by lifecycle sweeps",
		}),
		EntriesDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "semcache_entries_deleted_total",
			Help: "Entries permanently deleted by lifecycle sweeps",
		}),
		PredictionsMade: factory.NewCounter(prometheus.CounterOpts{
			Name: "semcache_predictions_total",
			Help: "Prewarm predictions recorded",
		}),
		PrewarmedEntries: factory.NewCounter(prometheus.CounterOpts{
			Name: "semcache_prewarmed_entries_total",
			Help: "Entries stored by prewarming",
		}),
		PredictionAccuracy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "semcache_prediction_accuracy",
			Help: "Fraction of resolved predictions that were hits",
		}),
	}
}
