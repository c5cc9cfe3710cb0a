package api

import "github.com/google/uuid"

// LookupRequest is the body of POST /api/v1/cache/lookup
type LookupRequest struct {
	Query     string     `json:"query" binding:"required"`
	Model     string     `json:"model" binding:"required"`
	Provider  string     `json:"provider" binding:"required"`
	UserID    *uuid.UUID `json:"user_id,omitempty"`
	Threshold float64    `json:"threshold,omitempty"`
}

// StoreRequest is the body of POST /api/v1/cache/store
type StoreRequest struct {
	Query     string     `json:"query" binding:"required"`
	Response  string     `json:"response" binding:"required"`
	Model     string     `json:"model" binding:"required"`
	Provider  string     `json:"provider" binding:"required"`
	UserID    *uuid.UUID `json:"user_id,omitempty"`
	CostSaved float64    `json:"cost_saved,omitempty"`
	LatencyMs int        `json:"latency_ms,omitempty"`
}

// StoreResponse carries the id of a newly cached entry
type StoreResponse struct {
	EntryID uuid.UUID `json:"entry_id"`
}

// FeedbackRequest is the body of POST /api/v1/cache/feedback
type FeedbackRequest struct {
	EntryID  uuid.UUID `json:"entry_id" binding:"required"`
	Feedback string    `json:"feedback" binding:"required"`
}

// MaintenanceRequest selects which maintenance action to run synchronously
type MaintenanceRequest struct {
	Action string `json:"action" binding:"required"`
}

// ErrorResponse is the uniform error body
type ErrorResponse struct {
	Error string `json:"error"`
}
