// Package api exposes the semantic cache over HTTP
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/developer-mesh/semcache/internal/cache"
	"github.com/developer-mesh/semcache/internal/features"
	"github.com/developer-mesh/semcache/internal/lifecycle"
	"github.com/developer-mesh/semcache/internal/models"
	"github.com/developer-mesh/semcache/internal/observability"
	"github.com/developer-mesh/semcache/internal/prewarm"
	"github.com/developer-mesh/semcache/internal/repository"
)

// Handler handles cache API requests
type Handler struct {
	svc       *cache.Service
	manager   *lifecycle.Manager
	prewarmer *prewarm.Prewarmer
	flags     *features.Controller
	logger    observability.Logger
}

// NewHandler creates an API handler
func NewHandler(
	svc *cache.Service,
	manager *lifecycle.Manager,
	prewarmer *prewarm.Prewarmer,
	flags *features.Controller,
	logger observability.Logger,
) *Handler {
	if logger == nil {
		logger = observability.NewLogger("api")
	}
	return &Handler{
		svc:       svc,
		manager:   manager,
		prewarmer: prewarmer,
		flags:     flags,
		logger:    logger,
	}
}

// RegisterRoutes mounts the cache API under /api/v1/cache
func (h *Handler) RegisterRoutes(router gin.IRouter, maintenanceSecret string) {
	v1 := router.Group("/api/v1/cache")
	v1.POST("/lookup", h.lookup)
	v1.POST("/store", h.store)
	v1.POST("/feedback", h.feedback)
	v1.GET("/health", h.health)
	v1.GET("/stats", h.stats)
	v1.POST("/maintenance", maintenanceAuth(maintenanceSecret, h.logger), h.maintenance)
}

func (h *Handler) lookup(c *gin.Context) {
	var req LookupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "query, model and provider are required"})
		return
	}

	result, err := h.svc.Lookup(c.Request.Context(), req.Query, req.Model, req.Provider, cache.LookupOptions{
		UserID:    req.UserID,
		Threshold: req.Threshold,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) store(c *gin.Context) {
	var req StoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "query, response, model and provider are required"})
		return
	}

	entryID, err := h.svc.Store(c.Request.Context(), cache.StoreInput{
		Query:     req.Query,
		Response:  req.Response,
		Model:     req.Model,
		Provider:  req.Provider,
		UserID:    req.UserID,
		CostSaved: req.CostSaved,
		LatencyMs: req.LatencyMs,
	})
	if err != nil {
		h.logger.Error("Store failed", map[string]interface{}{
			"error": err.Error(),
		})
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to store entry"})
		return
	}
	c.JSON(http.StatusCreated, StoreResponse{EntryID: entryID})
}

func (h *Handler) feedback(c *gin.Context) {
	var req FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "entry_id and feedback are required"})
		return
	}

	result, err := h.svc.SubmitFeedback(c.Request.Context(), req.EntryID, models.Feedback(req.Feedback))
	switch {
	case errors.Is(err, cache.ErrInvalidFeedback):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "entry not found"})
	case err != nil:
		h.logger.Error("Feedback failed", map[string]interface{}{
			"entry_id": req.EntryID.String(),
			"error":    err.Error(),
		})
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to apply feedback"})
	default:
		c.JSON(http.StatusOK, result)
	}
}

func (h *Handler) health(c *gin.Context) {
	report, err := h.manager.Health(c.Request.Context())
	if err != nil {
		h.logger.Error("Health report failed", map[string]interface{}{
			"error": err.Error(),
		})
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to build health report"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) stats(c *gin.Context) {
	stats, err := h.svc.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("Stats failed", map[string]interface{}{
			"error": err.Error(),
		})
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to read stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// maintenance runs one operator-triggered maintenance action synchronously
// and returns its summary.
func (h *Handler) maintenance(c *gin.Context) {
	var req MaintenanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "action is required"})
		return
	}

	ctx := c.Request.Context()
	var (
		summary interface{}
		err     error
	)

	switch req.Action {
	case "rebalance":
		summary, err = h.manager.Rebalance(ctx)
	case "auto-enable":
		summary, err = h.flags.AutoEnable(ctx)
	case "archive":
		var archived int64
		archived, err = h.manager.Archive(ctx)
		summary = gin.H{"archived": archived}
	case "predict":
		var predictions []*prewarm.Prediction
		predictions, err = h.prewarmer.Predict(ctx)
		if err == nil {
			warmed := h.prewarmer.Prewarm(ctx, predictions)
			summary = gin.H{"predicted": len(predictions), "warmed": warmed}
		}
	case "cleanup":
		var entries *lifecycle.CleanupResult
		entries, err = h.manager.Cleanup(ctx)
		if err == nil {
			var predictions *prewarm.CleanupResult
			predictions, err = h.prewarmer.Cleanup(ctx)
			summary = gin.H{"entries": entries, "predictions": predictions}
		}
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unknown action: " + req.Action})
		return
	}

	if err != nil {
		h.logger.Error("Maintenance action failed", map[string]interface{}{
			"action": req.Action,
			"error":  err.Error(),
		})
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"action": req.Action, "result": summary})
}
