// Package models defines the persisted data model for the semantic cache.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Tier is the discrete value bucket an entry belongs to. Tiers bound and
// prioritize similarity search: higher tiers are searched first with larger
// candidate caps.
type Tier string

const (
	TierHot    Tier = "hot"
	TierWarm   Tier = "warm"
	TierCool   Tier = "cool"
	TierCold   Tier = "cold"
	TierFrozen Tier = "frozen"
	TierStale  Tier = "stale"
)

// SearchTiers is the order in which tiers are considered during lookup.
var SearchTiers = []Tier{TierHot, TierWarm, TierCool, TierCold}

// RankingVersion identifies which scoring algorithm produced a score
type RankingVersion string

const (
	RankingV1 RankingVersion = "v1"
	RankingV2 RankingVersion = "v2"
)

// CacheEntry is the unit of caching: a prior (query, response) pair keyed by
// a vector fingerprint plus its ranking state.
type CacheEntry struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	QueryHash string     `json:"query_hash" db:"query_hash"`
	Query     string     `json:"query" db:"query"`
	Response  string     `json:"response" db:"response"`
	Embedding Vector     `json:"-" db:"embedding"`
	Model     string     `json:"model" db:"model"`
	Provider  string     `json:"provider" db:"provider"`
	UserID    *uuid.UUID `json:"user_id,omitempty" db:"user_id"`

	AccessCount     int            `json:"access_count" db:"access_count"`
	PopularityScore float64        `json:"popularity_score" db:"popularity_score"`
	RankingVersion  RankingVersion `json:"ranking_version" db:"ranking_version"`
	Tier            Tier           `json:"tier" db:"tier"`
	QualityScore    float64        `json:"quality_score" db:"quality_score"`
	FeedbackCount   int            `json:"feedback_count" db:"feedback_count"`
	NegativeVotes   int            `json:"negative_votes" db:"negative_votes"`

	CostSaved  float64 `json:"cost_saved" db:"cost_saved"`
	IsArchived bool    `json:"is_archived" db:"is_archived"`

	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	LastAccessed    time.Time `json:"last_accessed" db:"last_accessed"`
	LastScoreUpdate time.Time `json:"last_score_update" db:"last_score_update"`
}

// Feedback is an explicit user judgement on a cached response
type Feedback string

const (
	FeedbackHelpful   Feedback = "helpful"
	FeedbackOutdated  Feedback = "outdated"
	FeedbackIncorrect Feedback = "incorrect"
)

// Valid reports whether f is a known feedback kind
func (f Feedback) Valid() bool {
	switch f {
	case FeedbackHelpful, FeedbackOutdated, FeedbackIncorrect:
		return true
	}
	return false
}

// Delta returns the raw quality-score adjustment for this feedback kind,
// before feedback-count weighting.
func (f Feedback) Delta() float64 {
	switch f {
	case FeedbackHelpful:
		return 10
	case FeedbackOutdated:
		return -15
	case FeedbackIncorrect:
		return -25
	}
	return 0
}

// Negative reports whether this feedback kind counts toward deletion
func (f Feedback) Negative() bool {
	return f == FeedbackOutdated || f == FeedbackIncorrect
}

// RankingFeature is a named toggle controlling which algorithm variant is
// active. Features are never deleted, only toggled.
type RankingFeature struct {
	Name      string            `json:"name" db:"name"`
	IsEnabled bool              `json:"is_enabled" db:"is_enabled"`
	Config    FeatureConfig     `json:"config" db:"config"`
	UpdatedAt time.Time         `json:"updated_at" db:"updated_at"`
}

// Well-known ranking feature names
const (
	FeatureMetadataCollection = "metadata_collection"
	FeatureV2Scoring          = "use_v2_scoring"
	FeatureTierArchival       = "use_tier_archival"
	FeaturePredictiveCaching  = "predictive_caching"
)

// PredictionOutcome records whether a predicted query actually arrived
// within its window
type PredictionOutcome string

const (
	OutcomePending PredictionOutcome = "pending"
	OutcomeHit     PredictionOutcome = "hit"
	OutcomeMiss    PredictionOutcome = "miss"
)

// PredictionRecord represents a forecast that a given query will recur
type PredictionRecord struct {
	ID            uuid.UUID         `json:"id" db:"id"`
	Query         string            `json:"query" db:"query"`
	QueryHash     string            `json:"query_hash" db:"query_hash"`
	PredictedFor  time.Time         `json:"predicted_for" db:"predicted_for"`
	WindowSeconds int               `json:"window_seconds" db:"window_seconds"`
	Confidence    float64           `json:"confidence" db:"confidence"`
	Outcome       PredictionOutcome `json:"outcome" db:"outcome"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
}

// Window returns the time span in which the predicted query is expected
func (p *PredictionRecord) Window() (start, end time.Time) {
	half := time.Duration(p.WindowSeconds) * time.Second / 2
	return p.PredictedFor.Add(-half), p.PredictedFor.Add(half)
}

// CacheHealthSnapshot is an immutable daily rollup of cache health
type CacheHealthSnapshot struct {
	ID             uuid.UUID    `json:"id" db:"id"`
	SnapshotDate   time.Time    `json:"snapshot_date" db:"snapshot_date"`
	TierCounts     TierCountMap `json:"tier_counts" db:"tier_counts"`
	TotalEntries   int          `json:"total_entries" db:"total_entries"`
	AvgAccessCount float64      `json:"avg_access_count" db:"avg_access_count"`
	AvgAgeDays     float64      `json:"avg_age_days" db:"avg_age_days"`
	HealthScore    float64      `json:"health_score" db:"health_score"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
}

// UsageLog is a per-request usage record. It feeds the prewarmer's
// historical query patterns and the feature controller's volume metrics.
type UsageLog struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	UserID         *uuid.UUID `json:"user_id,omitempty" db:"user_id"`
	QueryHash      string     `json:"query_hash" db:"query_hash"`
	Query          string     `json:"query" db:"query"`
	Model          string     `json:"model" db:"model"`
	Provider       string     `json:"provider" db:"provider"`
	CacheHit       bool       `json:"cache_hit" db:"cache_hit"`
	TokensSaved    int        `json:"tokens_saved" db:"tokens_saved"`
	Cost           float64    `json:"cost" db:"cost"`
	ResponseTimeMs int        `json:"response_time_ms" db:"response_time_ms"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// CacheMetrics summarizes current cache volume, used by feature auto-enable
type CacheMetrics struct {
	TotalEntries       int     `json:"total_entries" db:"total_entries"`
	TotalQueries       int     `json:"total_queries" db:"total_queries"`
	AverageAccessCount float64 `json:"average_access_count" db:"average_access_count"`
}
