package http

import (
	"github.com/fyrsmithlabs/mofsci/internal/orchestrator"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// RunRequest is the request body for POST /api/v1/runs.
type RunRequest struct {
	Request       string `json:"request"`
	StructurePath string `json:"structure_path,omitempty"`
	// Async returns 202 with the run ID instead of waiting for the result.
	Async bool `json:"async,omitempty"`
}

// StartedResponse is returned for async runs.
type StartedResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// RunStatusResponse describes a run that has not finished.
type RunStatusResponse struct {
	RunID  string                     `json:"run_id"`
	Status string                     `json:"status"`
	Trace  []orchestrator.TraceRecord `json:"trace,omitempty"`
}

// Run states reported by the API.
const (
	StatusRunning    = "running"
	StatusAccepted   = "accepted"
	StatusCancelling = "cancelling"
)
