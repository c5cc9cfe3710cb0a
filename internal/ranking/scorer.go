// Package ranking implements popularity scoring and tier assignment for
// cache entries.
package ranking

import (
	"math"
	"time"

	"github.com/developer-mesh/semcache/internal/models"
)

// Tier score thresholds. This mapping is the single source of truth for
// tier assignment; every place that (re)computes tiers goes through
// TierForScore.
const (
	HotThreshold  = 80.0
	WarmThreshold = 60.0
	CoolThreshold = 40.0
	ColdThreshold = 20.0
)

// ScoreInput carries the entry attributes a scorer consumes
type ScoreInput struct {
	AccessCount  int
	CreatedAt    time.Time
	LastAccessed time.Time
	CostSaved    float64
	QualityScore *float64 // 0-100; nil means no feedback adjustment
	Now          time.Time
}

// Algorithm computes a popularity score for a cache entry. Implementations
// are pure functions of their input.
type Algorithm interface {
	Version() models.RankingVersion
	Score(in ScoreInput) float64
}

// ForVersion returns the algorithm for a ranking version
func ForVersion(v models.RankingVersion) Algorithm {
	if v == models.RankingV2 {
		return V2{}
	}
	return V1{}
}

// V1 is the original additive scoring formula
type V1 struct{}

// Version returns the ranking version tag
func (V1) Version() models.RankingVersion { return models.RankingV1 }

// Score computes frequency + recency + value, floored at 0
func (V1) Score(in ScoreInput) float64 {
	daysSinceAccess := daysBetween(in.LastAccessed, in.Now)

	frequency := math.Min(float64(in.AccessCount)*10, 50)
	recency := math.Max(50-daysSinceAccess*2, 0)
	value := math.Min(in.CostSaved*1000, 20)

	score := frequency + recency + value
	if score < 0 {
		score = 0
	}
	return applyQuality(score, in.QualityScore)
}

// V2 adds exponential recency decay, age discounting and a trending bonus
type V2 struct{}

// Version returns the ranking version tag
func (V2) Version() models.RankingVersion { return models.RankingV2 }

// Score computes (frequency + recencyBoost + value) * ageDiscount + trendingBonus
func (V2) Score(in ScoreInput) float64 {
	daysSinceAccess := daysBetween(in.LastAccessed, in.Now)
	ageDays := daysBetween(in.CreatedAt, in.Now)

	frequency := math.Min(float64(in.AccessCount)*8, 40)
	recencyBoost := 30 * math.Exp(-daysSinceAccess/7)
	ageDiscount := math.Max(1-ageDays/365, 0.1)
	value := math.Min(in.CostSaved*1200, 25)

	trendingBonus := 0.0
	if in.AccessCount > 5 && daysSinceAccess < 1 {
		trendingBonus = 15
	}

	score := (frequency+recencyBoost+value)*ageDiscount + trendingBonus
	if score < 0 {
		score = 0
	}
	return applyQuality(score, in.QualityScore)
}

// applyQuality multiplies the base score by 0.5x-1.5x depending on the
// feedback-adjusted quality score, so negative feedback can suppress an
// otherwise popular entry.
func applyQuality(score float64, quality *float64) float64 {
	if quality == nil {
		return score
	}
	return score * (0.5 + *quality/100)
}

// TierForScore maps a popularity score to its tier. Total, monotonic and
// deterministic.
func TierForScore(score float64) models.Tier {
	switch {
	case score >= HotThreshold:
		return models.TierHot
	case score >= WarmThreshold:
		return models.TierWarm
	case score >= CoolThreshold:
		return models.TierCool
	case score >= ColdThreshold:
		return models.TierCold
	default:
		return models.TierFrozen
	}
}

// ApplyFeedback computes the new quality score after one feedback vote.
// Deltas are weighted by min(1, 5/feedbackCount) so early votes carry more
// leverage, and the result is clamped to [0, 100]. feedbackCount is the
// count including this vote.
func ApplyFeedback(current float64, feedbackCount int, fb models.Feedback) float64 {
	if feedbackCount < 1 {
		feedbackCount = 1
	}
	weight := math.Min(1.0, 5.0/float64(feedbackCount))
	next := current + fb.Delta()*weight
	if next > 100 {
		next = 100
	}
	if next < 0 {
		next = 0
	}
	return next
}

func daysBetween(from, to time.Time) float64 {
	if from.IsZero() || to.Before(from) {
		return 0
	}
	return to.Sub(from).Hours() / 24
}
