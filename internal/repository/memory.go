package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/developer-mesh/semcache/internal/embedding"
	"github.com/developer-mesh/semcache/internal/models"
)

// MemoryStore is an in-memory implementation of every repository interface,
// used by tests to substitute the relational store. Similarity search is a
// brute-force cosine scan, which is exact for the small populations tests
// work with.
type MemoryStore struct {
	mu          sync.RWMutex
	entries     map[uuid.UUID]*models.CacheEntry
	features    map[string]*models.RankingFeature
	predictions map[uuid.UUID]*models.PredictionRecord
	snapshots   []*models.CacheHealthSnapshot
	usage       []*models.UsageLog
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:     make(map[uuid.UUID]*models.CacheEntry),
		features:    make(map[string]*models.RankingFeature),
		predictions: make(map[uuid.UUID]*models.PredictionRecord),
	}
}

// The Insert signatures differ per interface, so the prediction, snapshot
// and usage views are thin wrappers around the shared store.
type memPredictions struct{ *MemoryStore }
type memSnapshots struct{ *MemoryStore }
type memUsage struct{ *MemoryStore }

// Predictions returns the store's PredictionRepository view
func (s *MemoryStore) Predictions() PredictionRepository { return memPredictions{s} }

// Snapshots returns the store's SnapshotRepository view
func (s *MemoryStore) Snapshots() SnapshotRepository { return memSnapshots{s} }

// Usage returns the store's UsageRepository view
func (s *MemoryStore) Usage() UsageRepository { return memUsage{s} }

var (
	_ EntryRepository      = (*MemoryStore)(nil)
	_ FeatureRepository    = (*MemoryStore)(nil)
	_ PredictionRepository = memPredictions{}
	_ SnapshotRepository   = memSnapshots{}
	_ UsageRepository      = memUsage{}
)

func copyEntry(e *models.CacheEntry) *models.CacheEntry {
	c := *e
	c.Embedding = append(models.Vector(nil), e.Embedding...)
	return &c
}

// Insert stores a new cache entry
func (s *MemoryStore) Insert(_ context.Context, entry *models.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.LastAccessed.IsZero() {
		entry.LastAccessed = now
	}
	entry.LastScoreUpdate = now

	s.entries[entry.ID] = copyEntry(entry)
	return nil
}

// GetByID retrieves an entry by id
func (s *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*models.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEntry(entry), nil
}

// GetByQueryHash returns the newest non-archived exact-hash match
func (s *MemoryStore) GetByQueryHash(_ context.Context, queryHash, model, provider string) (*models.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *models.CacheEntry
	for _, e := range s.entries {
		if e.IsArchived || e.QueryHash != queryHash || e.Model != model || e.Provider != provider {
			continue
		}
		if best == nil || e.CreatedAt.After(best.CreatedAt) {
			best = e
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return copyEntry(best), nil
}

// SearchTier returns tier candidates for the model/provider pair nearest to
// the query embedding
func (s *MemoryStore) SearchTier(_ context.Context, emb models.Vector, model, provider string, tier models.Tier, minScore float64, limit int) ([]*models.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []*models.CacheEntry
	for _, e := range s.entries {
		if e.IsArchived || e.Model != model || e.Provider != provider || e.Tier != tier || e.PopularityScore < minScore {
			continue
		}
		candidates = append(candidates, copyEntry(e))
	}

	sort.Slice(candidates, func(i, j int) bool {
		return embedding.CosineSimilarity(emb, candidates[i].Embedding) >
			embedding.CosineSimilarity(emb, candidates[j].Embedding)
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// TopByPopularity returns the highest-scored non-archived entries for the
// model/provider pair
func (s *MemoryStore) TopByPopularity(_ context.Context, model, provider string, limit int) ([]*models.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []*models.CacheEntry
	for _, e := range s.entries {
		if e.IsArchived || e.Model != model || e.Provider != provider {
			continue
		}
		candidates = append(candidates, copyEntry(e))
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].PopularityScore > candidates[j].PopularityScore
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// RecordAccess increments access stats
func (s *MemoryStore) RecordAccess(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	entry.AccessCount++
	entry.LastAccessed = time.Now().UTC()
	return nil
}

// UpdateScore persists a recomputed score and tier
func (s *MemoryStore) UpdateScore(_ context.Context, update ScoreUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[update.ID]
	if !ok {
		return ErrNotFound
	}
	entry.PopularityScore = update.Score
	entry.Tier = update.Tier
	entry.RankingVersion = update.Version
	entry.LastScoreUpdate = time.Now().UTC()
	return nil
}

// UpdateQuality persists a feedback-adjusted quality score
func (s *MemoryStore) UpdateQuality(_ context.Context, id uuid.UUID, quality float64, feedbackCount, negativeVotes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	entry.QualityScore = quality
	entry.FeedbackCount = feedbackCount
	entry.NegativeVotes = negativeVotes
	return nil
}

// ListBatch pages non-archived entries in id order
func (s *MemoryStore) ListBatch(_ context.Context, afterID uuid.UUID, limit int) ([]*models.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.CacheEntry
	for _, e := range s.entries {
		if e.IsArchived {
			continue
		}
		if afterID != uuid.Nil && e.ID.String() <= afterID.String() {
			continue
		}
		out = append(out, copyEntry(e))
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})

	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Archive soft-removes entries from active search
func (s *MemoryStore) Archive(_ context.Context, ids []uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, id := range ids {
		if entry, ok := s.entries[id]; ok && !entry.IsArchived {
			entry.IsArchived = true
			n++
		}
	}
	return n, nil
}

// DeleteAged removes low-traffic entries past the retention age
func (s *MemoryStore) DeleteAged(_ context.Context, olderThan time.Time, minAccessCount int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var hashes []string
	for id, e := range s.entries {
		if e.CreatedAt.Before(olderThan) && e.AccessCount < minAccessCount {
			hashes = append(hashes, e.QueryHash)
			delete(s.entries, id)
		}
	}
	return hashes, nil
}

// DeleteNegative removes entries with accumulated negative feedback
func (s *MemoryStore) DeleteNegative(_ context.Context, negativeVotes int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var hashes []string
	for id, e := range s.entries {
		if e.NegativeVotes >= negativeVotes {
			hashes = append(hashes, e.QueryHash)
			delete(s.entries, id)
		}
	}
	return hashes, nil
}

// TierCounts returns the number of non-archived entries per tier
func (s *MemoryStore) TierCounts(_ context.Context) (models.TierCountMap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(models.TierCountMap)
	for _, e := range s.entries {
		if !e.IsArchived {
			counts[e.Tier]++
		}
	}
	return counts, nil
}

// Metrics returns current cache volume statistics
func (s *MemoryStore) Metrics(_ context.Context) (*models.CacheMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := &models.CacheMetrics{}
	for _, e := range s.entries {
		if e.IsArchived {
			continue
		}
		m.TotalEntries++
		m.TotalQueries += e.AccessCount
	}
	if m.TotalEntries > 0 {
		m.AverageAccessCount = float64(m.TotalQueries) / float64(m.TotalEntries)
	}
	return m, nil
}

// Get retrieves a feature flag by name
func (s *MemoryStore) Get(_ context.Context, name string) (*models.RankingFeature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.features[name]
	if !ok {
		return nil, ErrNotFound
	}
	c := *f
	return &c, nil
}

// List retrieves all feature flags
func (s *MemoryStore) List(_ context.Context) ([]*models.RankingFeature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.RankingFeature, 0, len(s.features))
	for _, f := range s.features {
		c := *f
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SetEnabled toggles a flag, creating it if absent
func (s *MemoryStore) SetEnabled(_ context.Context, name string, enabled bool, config models.FeatureConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.features[name] = &models.RankingFeature{
		Name:      name,
		IsEnabled: enabled,
		Config:    config,
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

// Insert stores a new prediction record
func (s memPredictions) Insert(_ context.Context, record *models.PredictionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if record.Outcome == "" {
		record.Outcome = models.OutcomePending
	}
	c := *record
	s.predictions[record.ID] = &c
	return nil
}

// Pending returns unresolved predictions whose window includes now
func (s *MemoryStore) Pending(_ context.Context, now time.Time) ([]*models.PredictionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.PredictionRecord
	for _, p := range s.predictions {
		if p.Outcome != models.OutcomePending {
			continue
		}
		start, end := p.Window()
		if !now.Before(start) && !now.After(end) {
			c := *p
			out = append(out, &c)
		}
	}
	return out, nil
}

// HasPending reports whether an unresolved prediction for the hash already
// covers the given instant
func (s *MemoryStore) HasPending(_ context.Context, queryHash string, at time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.predictions {
		if p.Outcome != models.OutcomePending || p.QueryHash != queryHash {
			continue
		}
		start, end := p.Window()
		if !at.Before(start) && !at.After(end) {
			return true, nil
		}
	}
	return false, nil
}

// ResolveOutcome marks a prediction hit or miss
func (s *MemoryStore) ResolveOutcome(_ context.Context, id uuid.UUID, outcome models.PredictionOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.predictions[id]
	if !ok || p.Outcome != models.OutcomePending {
		return nil
	}
	p.Outcome = outcome
	return nil
}

// ExpirePending marks pending predictions whose window has elapsed as misses
func (s *MemoryStore) ExpirePending(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, p := range s.predictions {
		if p.Outcome != models.OutcomePending {
			continue
		}
		if _, end := p.Window(); end.Before(now) {
			p.Outcome = models.OutcomeMiss
			n++
		}
	}
	return n, nil
}

// Purge removes records created before the cutoff
func (s *MemoryStore) Purge(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, p := range s.predictions {
		if p.CreatedAt.Before(olderThan) {
			delete(s.predictions, id)
			n++
		}
	}
	return n, nil
}

// Accuracy returns resolved hit and miss counts
func (s *MemoryStore) Accuracy(_ context.Context) (hits, misses int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.predictions {
		switch p.Outcome {
		case models.OutcomeHit:
			hits++
		case models.OutcomeMiss:
			misses++
		}
	}
	return hits, misses, nil
}

// Insert persists a new health snapshot
func (s memSnapshots) Insert(_ context.Context, snapshot *models.CacheHealthSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snapshot.ID == uuid.Nil {
		snapshot.ID = uuid.New()
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}
	c := *snapshot
	s.snapshots = append(s.snapshots, &c)
	return nil
}

// Latest returns the most recent snapshot
func (s *MemoryStore) Latest(_ context.Context) (*models.CacheHealthSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.snapshots) == 0 {
		return nil, ErrNotFound
	}
	c := *s.snapshots[len(s.snapshots)-1]
	return &c, nil
}

// ListSince returns snapshots on or after the cutoff, oldest first
func (s *MemoryStore) ListSince(_ context.Context, since time.Time) ([]*models.CacheHealthSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.CacheHealthSnapshot
	for _, snap := range s.snapshots {
		if !snap.CreatedAt.Before(since) {
			c := *snap
			out = append(out, &c)
		}
	}
	return out, nil
}

// Insert stores a usage record
func (s memUsage) Insert(_ context.Context, entry *models.UsageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	c := *entry
	s.usage = append(s.usage, &c)
	return nil
}

// TotalQueries returns the all-time query count
func (s *MemoryStore) TotalQueries(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.usage), nil
}

// UsageLogs returns a copy of every recorded usage log in insertion order
func (s *MemoryStore) UsageLogs() []*models.UsageLog {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.UsageLog, 0, len(s.usage))
	for _, u := range s.usage {
		c := *u
		out = append(out, &c)
	}
	return out
}

// RecurringQueries aggregates queries seen repeatedly in the lookback window
func (s *MemoryStore) RecurringQueries(_ context.Context, since time.Time, minOccurrences, limit int) ([]*RecurringQuery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type agg struct {
		rq      *RecurringQuery
		seconds float64
	}
	byHash := make(map[string]*agg)
	for _, u := range s.usage {
		if u.CreatedAt.Before(since) || u.Query == "" {
			continue
		}
		a, ok := byHash[u.QueryHash]
		if !ok {
			a = &agg{rq: &RecurringQuery{
				QueryHash: u.QueryHash,
				Query:     u.Query,
				Model:     u.Model,
				Provider:  u.Provider,
			}}
			byHash[u.QueryHash] = a
		}
		a.rq.Occurrences++
		h, m, sec := u.CreatedAt.Clock()
		a.seconds += float64(h*3600 + m*60 + sec)
	}

	var out []*RecurringQuery
	for _, a := range byHash {
		if a.rq.Occurrences < minOccurrences {
			continue
		}
		a.rq.AvgSecondOfDay = a.seconds / float64(a.rq.Occurrences)
		out = append(out, a.rq)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Occurrences > out[j].Occurrences })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
