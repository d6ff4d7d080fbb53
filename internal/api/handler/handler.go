// Package handler implements the gateway's HTTP endpoints.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kiranshivaraju/comfyrun/internal/api/response"
	"github.com/kiranshivaraju/comfyrun/internal/store"
	"github.com/kiranshivaraju/comfyrun/internal/tracker"
	"github.com/kiranshivaraju/comfyrun/pkg/comfy"
	"github.com/kiranshivaraju/comfyrun/pkg/models"
)

// JobService is the part of the tracker the handlers depend on.
type JobService interface {
	Submit(ctx context.Context, workflow json.RawMessage) (*models.JobRecord, error)
	Get(ctx context.Context, promptID string) (*models.JobRecord, error)
	List(ctx context.Context, filter store.JobFilter) ([]*models.JobRecord, int, error)
	Cancel(ctx context.Context, promptID string) (*models.JobRecord, error)
	ClearQueue(ctx context.Context) error
	DeleteQueueItems(ctx context.Context, ids []string) error
	SystemStats(ctx context.Context) (*models.SystemStats, error)
	Health(ctx context.Context) map[string]string
}

var _ JobService = (*tracker.Service)(nil)

// statusClientClosedRequest is the nginx convention for a caller that went away.
const statusClientClosedRequest = 499

// writeError maps service and backend errors onto the error envelope.
func writeError(w http.ResponseWriter, err error) {
	var subErr *comfy.SubmissionError
	var reqErr *comfy.RequestError
	switch {
	case errors.Is(err, tracker.ErrInvalidWorkflow):
		response.Error(w, http.StatusBadRequest, "INVALID_WORKFLOW", err.Error(), nil)
	case errors.As(err, &subErr):
		response.Error(w, http.StatusUnprocessableEntity, "WORKFLOW_REJECTED",
			"The backend rejected the workflow", map[string]any{"node_errors": subErr.NodeErrors})
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
	case errors.Is(err, comfy.ErrInvalidState):
		response.Error(w, http.StatusConflict, "INVALID_STATE", err.Error(), nil)
	case errors.Is(err, context.Canceled):
		response.Error(w, statusClientClosedRequest, "CLIENT_CLOSED_REQUEST",
			"The request was cancelled", nil)
	case errors.Is(err, comfy.ErrBackendTimeout), errors.Is(err, context.DeadlineExceeded):
		response.Error(w, http.StatusGatewayTimeout, "BACKEND_TIMEOUT",
			"The backend did not answer in time", nil)
	case errors.As(err, &reqErr):
		response.Error(w, http.StatusBadGateway, "BACKEND_ERROR", reqErr.Error(),
			map[string]any{"status": reqErr.StatusCode})
	case errors.Is(err, comfy.ErrBackendUnreachable), errors.Is(err, comfy.ErrClosed):
		response.Error(w, http.StatusBadGateway, "BACKEND_UNAVAILABLE",
			"The backend is not reachable", nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
