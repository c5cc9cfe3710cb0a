package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/semcache/internal/embedding"
	"github.com/developer-mesh/semcache/internal/features"
	"github.com/developer-mesh/semcache/internal/models"
	"github.com/developer-mesh/semcache/internal/observability"
	"github.com/developer-mesh/semcache/internal/repository"
)

type serviceHarness struct {
	svc   *Service
	store *repository.MemoryStore
}

func newServiceHarness(t *testing.T, lookaside *Lookaside) *serviceHarness {
	t.Helper()

	store := repository.NewMemoryStore()
	gen, err := embedding.NewGenerator(nil, embedding.GeneratorConfig{Dimensions: 384}, observability.NewNoopLogger())
	require.NoError(t, err)

	flags := features.NewController(store, store, store.Usage(), observability.NewNoopLogger())
	svc := NewService(
		store,
		store.Usage(),
		gen,
		flags,
		lookaside,
		ServiceConfig{SimilarityThreshold: 0.85, FlatScanLimit: 50, DefaultCostSaved: 0.01},
		observability.NewNoopLogger(),
		nil,
	)
	return &serviceHarness{svc: svc, store: store}
}

func TestLookupEmptyQueryRejected(t *testing.T) {
	h := newServiceHarness(t, nil)

	_, err := h.svc.Lookup(context.Background(), "", "gpt-4", "openai", LookupOptions{})
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestStoreThenLookupRoundTrip(t *testing.T) {
	h := newServiceHarness(t, nil)
	ctx := context.Background()

	id, err := h.svc.Store(ctx, StoreInput{
		Query:    "What is the capital of France?",
		Response: "Paris",
		Model:    "gpt-4",
		Provider: "openai",
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	result, err := h.svc.Lookup(ctx, "What is the capital of France?", "gpt-4", "openai", LookupOptions{})
	require.NoError(t, err)
	assert.True(t, result.CacheHit)
	require.NotNil(t, result.EntryID)
	assert.Equal(t, id, *result.EntryID)
	assert.Equal(t, "Paris", result.Response)
	assert.InDelta(t, 1.0, result.Similarity, 1e-9)
}

func TestLookupMatchesSimilarPhrasing(t *testing.T) {
	h := newServiceHarness(t, nil)
	ctx := context.Background()

	id, err := h.svc.Store(ctx, StoreInput{
		Query:    "What's the capital of France?",
		Response: "Paris",
		Model:    "gpt-4",
		Provider: "openai",
	})
	require.NoError(t, err)

	// Different surface form, same intent: must clear the default 0.85
	// threshold via the similarity path, not exact hash.
	result, err := h.svc.Lookup(ctx, "capital of France?", "gpt-4", "openai", LookupOptions{})
	require.NoError(t, err)
	assert.True(t, result.CacheHit)
	require.NotNil(t, result.EntryID)
	assert.Equal(t, id, *result.EntryID)
	assert.GreaterOrEqual(t, result.Similarity, 0.85)
	assert.Less(t, result.Similarity, 1.0)
}

func TestLookupMissOnUnrelatedQuery(t *testing.T) {
	h := newServiceHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.Store(ctx, StoreInput{
		Query:    "What is the capital of France?",
		Response: "Paris",
		Model:    "gpt-4",
		Provider: "openai",
	})
	require.NoError(t, err)

	result, err := h.svc.Lookup(ctx, "explain raft consensus leader election", "gpt-4", "openai", LookupOptions{})
	require.NoError(t, err)
	assert.False(t, result.CacheHit)
	assert.Empty(t, result.Response)
}

func TestLookupScopedByModelAndProvider(t *testing.T) {
	h := newServiceHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.Store(ctx, StoreInput{
		Query:    "What is the capital of France?",
		Response: "Paris",
		Model:    "gpt-4",
		Provider: "openai",
	})
	require.NoError(t, err)

	// Both the exact-hash and the similarity path are scoped by model and
	// provider: the identical query under a different model is a miss and
	// falls through to that model's upstream.
	result, err := h.svc.Lookup(ctx, "What is the capital of France?", "claude-3", "anthropic", LookupOptions{})
	require.NoError(t, err)
	assert.False(t, result.CacheHit)
	assert.Empty(t, result.Response)

	result, err = h.svc.Lookup(ctx, "What is the capital of France?", "gpt-4", "openai", LookupOptions{})
	require.NoError(t, err)
	assert.True(t, result.CacheHit)
}

func TestLookupHitIncrementsAccessCount(t *testing.T) {
	h := newServiceHarness(t, nil)
	ctx := context.Background()

	id, err := h.svc.Store(ctx, StoreInput{
		Query:    "What is the capital of France?",
		Response: "Paris",
		Model:    "gpt-4",
		Provider: "openai",
	})
	require.NoError(t, err)

	_, err = h.svc.Lookup(ctx, "What is the capital of France?", "gpt-4", "openai", LookupOptions{})
	require.NoError(t, err)

	// Access recording is asynchronous off the request path
	require.Eventually(t, func() bool {
		entry, err := h.store.GetByID(ctx, id)
		return err == nil && entry.AccessCount == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLookupUsesLookasideForRepeatQueries(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	lookaside := NewLookaside(client, time.Hour, observability.NewNoopLogger())

	h := newServiceHarness(t, lookaside)
	ctx := context.Background()

	id, err := h.svc.Store(ctx, StoreInput{
		Query:    "What is the capital of France?",
		Response: "Paris",
		Model:    "gpt-4",
		Provider: "openai",
	})
	require.NoError(t, err)

	// Store populates the lookaside asynchronously
	require.Eventually(t, func() bool {
		_, err := lookaside.Get(ctx, QueryHash("what is the capital of france", "gpt-4", "openai"))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	result, err := h.svc.Lookup(ctx, "What is the capital of France?", "gpt-4", "openai", LookupOptions{})
	require.NoError(t, err)
	assert.True(t, result.CacheHit)
	assert.Equal(t, id, *result.EntryID)
	assert.Equal(t, "Paris", result.Response)
}

func TestLookupSurvivesRedisOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	lookaside := NewLookaside(client, time.Hour, observability.NewNoopLogger())

	h := newServiceHarness(t, lookaside)
	ctx := context.Background()

	_, err := h.svc.Store(ctx, StoreInput{
		Query:    "What is the capital of France?",
		Response: "Paris",
		Model:    "gpt-4",
		Provider: "openai",
	})
	require.NoError(t, err)

	mr.Close()

	result, err := h.svc.Lookup(ctx, "What is the capital of France?", "gpt-4", "openai", LookupOptions{})
	require.NoError(t, err)
	assert.True(t, result.CacheHit, "lookup must degrade to the store when Redis is down")
}

func TestStoreRecordsMissSideUsage(t *testing.T) {
	h := newServiceHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.Store(ctx, StoreInput{
		Query:     "What is the capital of France?",
		Response:  "Paris",
		Model:     "gpt-4",
		Provider:  "openai",
		CostSaved: 0.002,
		LatencyMs: 1200,
	})
	require.NoError(t, err)

	// The upstream latency and cost land in the usage log asynchronously
	require.Eventually(t, func() bool {
		return len(h.store.UsageLogs()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	logs := h.store.UsageLogs()
	assert.False(t, logs[0].CacheHit)
	assert.Equal(t, 1200, logs[0].ResponseTimeMs)
	assert.InDelta(t, 0.002, logs[0].Cost, 1e-9)
	assert.Equal(t, QueryHash("what is the capital of france", "gpt-4", "openai"), logs[0].QueryHash)
}

func TestStoreRejectsEmptyInput(t *testing.T) {
	h := newServiceHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.Store(ctx, StoreInput{Query: "", Response: "r"})
	assert.ErrorIs(t, err, ErrEmptyQuery)

	_, err = h.svc.Store(ctx, StoreInput{Query: "q", Response: ""})
	assert.Error(t, err)
}

func TestSubmitFeedbackAdjustsQuality(t *testing.T) {
	h := newServiceHarness(t, nil)
	ctx := context.Background()

	id, err := h.svc.Store(ctx, StoreInput{
		Query:    "What is the capital of France?",
		Response: "Paris",
		Model:    "gpt-4",
		Provider: "openai",
	})
	require.NoError(t, err)

	res, err := h.svc.SubmitFeedback(ctx, id, models.FeedbackHelpful)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FeedbackCount)
	assert.InDelta(t, 60, res.NewQualityScore, 1e-9)

	res, err = h.svc.SubmitFeedback(ctx, id, models.FeedbackIncorrect)
	require.NoError(t, err)
	assert.Equal(t, 2, res.FeedbackCount)
	assert.InDelta(t, 35, res.NewQualityScore, 1e-9)

	entry, err := h.store.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.NegativeVotes)
}

func TestSubmitFeedbackRejectsInvalid(t *testing.T) {
	h := newServiceHarness(t, nil)

	_, err := h.svc.SubmitFeedback(context.Background(), uuid.New(), models.Feedback("meh"))
	assert.ErrorIs(t, err, ErrInvalidFeedback)
}

func TestSubmitFeedbackUnknownEntry(t *testing.T) {
	h := newServiceHarness(t, nil)

	_, err := h.svc.SubmitFeedback(context.Background(), uuid.New(), models.FeedbackHelpful)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestNegativeFeedbackInvalidatesLookaside(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	lookaside := NewLookaside(client, time.Hour, observability.NewNoopLogger())

	h := newServiceHarness(t, lookaside)
	ctx := context.Background()

	id, err := h.svc.Store(ctx, StoreInput{
		Query:    "What is the capital of France?",
		Response: "Paris",
		Model:    "gpt-4",
		Provider: "openai",
	})
	require.NoError(t, err)

	queryHash := QueryHash("what is the capital of france", "gpt-4", "openai")
	require.Eventually(t, func() bool {
		_, err := lookaside.Get(ctx, queryHash)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	_, err = h.svc.SubmitFeedback(ctx, id, models.FeedbackIncorrect)
	require.NoError(t, err)

	_, err = lookaside.Get(ctx, queryHash)
	assert.ErrorIs(t, err, ErrLookasideMiss)
}

func TestStatsTracksHitsAndMisses(t *testing.T) {
	h := newServiceHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.Store(ctx, StoreInput{
		Query:    "What is the capital of France?",
		Response: "Paris",
		Model:    "gpt-4",
		Provider: "openai",
	})
	require.NoError(t, err)

	_, err = h.svc.Lookup(ctx, "What is the capital of France?", "gpt-4", "openai", LookupOptions{})
	require.NoError(t, err)
	_, err = h.svc.Lookup(ctx, "explain raft consensus leader election", "gpt-4", "openai", LookupOptions{})
	require.NoError(t, err)

	stats, err := h.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
	assert.Equal(t, 1, stats.TotalEntries)
}

// recordingTracker captures query hashes seen by the accuracy hook
type recordingTracker struct {
	ch chan string
}

func (r *recordingTracker) TrackAccuracy(_ context.Context, queryHash string) {
	r.ch <- queryHash
}

func TestLookupNotifiesAccuracyTracker(t *testing.T) {
	h := newServiceHarness(t, nil)
	tracker := &recordingTracker{ch: make(chan string, 1)}
	h.svc.SetAccuracyTracker(tracker)

	_, err := h.svc.Lookup(context.Background(), "hello world", "gpt-4", "openai", LookupOptions{})
	require.NoError(t, err)

	select {
	case hash := <-tracker.ch:
		assert.Equal(t, QueryHash("hello world", "gpt-4", "openai"), hash)
	case <-time.After(2 * time.Second):
		t.Fatal("accuracy tracker was not notified")
	}
}
