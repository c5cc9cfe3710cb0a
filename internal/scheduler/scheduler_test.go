package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/semcache/internal/features"
	"github.com/developer-mesh/semcache/internal/lifecycle"
	"github.com/developer-mesh/semcache/internal/models"
	"github.com/developer-mesh/semcache/internal/observability"
	"github.com/developer-mesh/semcache/internal/prewarm"
	"github.com/developer-mesh/semcache/internal/repository"
)

func TestSweepLoopRunsAndStops(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	logger := observability.NewNoopLogger()

	now := time.Now().UTC()
	require.NoError(t, store.Insert(ctx, &models.CacheEntry{
		ID:           uuid.New(),
		QueryHash:    "h",
		Query:        "q",
		Response:     "r",
		Embedding:    models.Vector{1},
		Model:        "m",
		Provider:     "p",
		AccessCount:  10,
		QualityScore: 50,
		CreatedAt:    now,
		LastAccessed: now,
	}))

	flags := features.NewController(store, store, store.Usage(), logger)
	manager := lifecycle.NewManager(store, store.Snapshots(), flags, nil, lifecycle.Config{BatchSize: 10}, logger, nil)
	prewarmer := prewarm.NewPrewarmer(store.Usage(), store.Predictions(), store, nil, nil, flags,
		prewarm.Config{}, logger, nil)

	sched := New(manager, prewarmer, flags, Config{
		SweepInterval:   20 * time.Millisecond,
		PrewarmInterval: 20 * time.Millisecond,
	}, logger)
	sched.Start()

	// A sweep leaves a health snapshot behind
	require.Eventually(t, func() bool {
		_, err := store.Latest(ctx)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	sched.Stop()

	// After Stop no further sweeps run
	before, err := store.ListSince(ctx, time.Time{})
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	after, err := store.ListSince(ctx, time.Time{})
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}
