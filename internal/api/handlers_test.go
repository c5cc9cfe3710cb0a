package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/semcache/internal/cache"
	"github.com/developer-mesh/semcache/internal/embedding"
	"github.com/developer-mesh/semcache/internal/features"
	"github.com/developer-mesh/semcache/internal/lifecycle"
	"github.com/developer-mesh/semcache/internal/models"
	"github.com/developer-mesh/semcache/internal/observability"
	"github.com/developer-mesh/semcache/internal/prewarm"
	"github.com/developer-mesh/semcache/internal/repository"
)

const testSecret = "test-secret"

func testRouter(t *testing.T) (*gin.Engine, *repository.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := repository.NewMemoryStore()
	logger := observability.NewNoopLogger()

	gen, err := embedding.NewGenerator(nil, embedding.GeneratorConfig{Dimensions: 384}, logger)
	require.NoError(t, err)

	flags := features.NewController(store, store, store.Usage(), logger)
	svc := cache.NewService(store, store.Usage(), gen, flags, nil,
		cache.ServiceConfig{SimilarityThreshold: 0.85}, logger, nil)
	manager := lifecycle.NewManager(store, store.Snapshots(), flags, nil, lifecycle.Config{BatchSize: 100}, logger, nil)
	prewarmer := prewarm.NewPrewarmer(store.Usage(), store.Predictions(), store, svc, nil, flags,
		prewarm.Config{}, logger, nil)

	handler := NewHandler(svc, manager, prewarmer, flags, logger)
	router := gin.New()
	handler.RegisterRoutes(router, testSecret)
	return router, store
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestStoreAndLookupEndpoints(t *testing.T) {
	router, _ := testRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/cache/store", StoreRequest{
		Query:    "What is the capital of France?",
		Response: "Paris",
		Model:    "gpt-4",
		Provider: "openai",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var stored StoreResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stored))
	assert.NotEqual(t, uuid.Nil, stored.EntryID)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/cache/lookup", LookupRequest{
		Query:    "What is the capital of France?",
		Model:    "gpt-4",
		Provider: "openai",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result cache.LookupResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.CacheHit)
	assert.Equal(t, "Paris", result.Response)
}

func TestLookupValidation(t *testing.T) {
	router, _ := testRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/cache/lookup", LookupRequest{
		Query: "no model or provider",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/cache/lookup", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLookupMissReturnsOK(t *testing.T) {
	router, _ := testRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/cache/lookup", LookupRequest{
		Query:    "never seen before",
		Model:    "gpt-4",
		Provider: "openai",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result cache.LookupResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.CacheHit)
}

func TestFeedbackEndpoint(t *testing.T) {
	router, _ := testRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/cache/store", StoreRequest{
		Query:    "q",
		Response: "r",
		Model:    "gpt-4",
		Provider: "openai",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var stored StoreResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stored))

	rec = doJSON(t, router, http.MethodPost, "/api/v1/cache/feedback", FeedbackRequest{
		EntryID:  stored.EntryID,
		Feedback: "helpful",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result cache.FeedbackResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 1, result.FeedbackCount)
	assert.InDelta(t, 60, result.NewQualityScore, 1e-9)
}

func TestFeedbackInvalidValue(t *testing.T) {
	router, _ := testRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/cache/feedback", FeedbackRequest{
		EntryID:  uuid.New(),
		Feedback: "amazing",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFeedbackUnknownEntry(t *testing.T) {
	router, _ := testRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/cache/feedback", FeedbackRequest{
		EntryID:  uuid.New(),
		Feedback: "helpful",
	}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := testRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/cache/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report lifecycle.HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, lifecycle.TrendStable, report.Trend)
}

func TestStatsEndpoint(t *testing.T) {
	router, _ := testRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/cache/stats", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats cache.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Zero(t, stats.Hits)
}

func TestMaintenanceRequiresSecret(t *testing.T) {
	router, store := testRouter(t)
	ctx := context.Background()

	// Seed an entry so a rebalance would leave a visible trace
	require.NoError(t, store.Insert(ctx, &models.CacheEntry{
		ID:           uuid.New(),
		QueryHash:    "h",
		Query:        "q",
		Response:     "r",
		Embedding:    models.Vector{1},
		Model:        "m",
		Provider:     "p",
		AccessCount:  1,
		QualityScore: 50,
		CreatedAt:    time.Now().UTC(),
		LastAccessed: time.Now().UTC(),
	}))

	rec := doJSON(t, router, http.MethodPost, "/api/v1/cache/maintenance", MaintenanceRequest{Action: "rebalance"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/cache/maintenance", MaintenanceRequest{Action: "rebalance"},
		map[string]string{"X-Maintenance-Secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// No snapshot means no sweep ran
	_, err := store.Latest(ctx)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestMaintenanceActions(t *testing.T) {
	router, _ := testRouter(t)
	auth := map[string]string{"X-Maintenance-Secret": testSecret}

	for _, action := range []string{"rebalance", "auto-enable", "archive", "predict", "cleanup"} {
		rec := doJSON(t, router, http.MethodPost, "/api/v1/cache/maintenance", MaintenanceRequest{Action: action}, auth)
		assert.Equal(t, http.StatusOK, rec.Code, "action %s", action)
	}

	rec := doJSON(t, router, http.MethodPost, "/api/v1/cache/maintenance", MaintenanceRequest{Action: "explode"}, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
