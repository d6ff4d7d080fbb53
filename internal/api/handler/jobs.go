package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kiranshivaraju/comfyrun/internal/api/response"
	"github.com/kiranshivaraju/comfyrun/internal/store"
	"github.com/kiranshivaraju/comfyrun/pkg/models"
)

const maxWorkflowBytes = 8 << 20

// NewSubmitHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewSubmitHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Workflow json.RawMessage `json:"workflow"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWorkflowBytes)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if len(req.Workflow) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "workflow is required", nil)
			return
		}

		rec, err := svc.Submit(r.Context(), req.Workflow)
		if err != nil {
			writeError(w, err)
			return
		}
		response.Accepted(w, rec)
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{promptID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := svc.Get(r.Context(), chi.URLParam(r, "promptID"))
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, rec)
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for DELETE /api/v1/jobs/{promptID}.
func NewCancelJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := svc.Cancel(r.Context(), chi.URLParam(r, "promptID"))
		if err != nil {
			writeError(w, err)
			return
		}
		response.Accepted(w, rec)
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
// Supported query parameters: status, client_id, since (RFC3339), page, limit.
func NewListJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := store.JobFilter{
			Status:   models.JobState(q.Get("status")),
			ClientID: q.Get("client_id"),
			Page:     1,
			Limit:    20,
		}

		switch filter.Status {
		case "", models.JobStateQueued, models.JobStateRunning, models.JobStateCompleted,
			models.JobStateFailed, models.JobStateCancelled:
		default:
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown status filter", nil)
			return
		}

		if v := q.Get("since"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "since must be a valid RFC3339 timestamp", nil)
				return
			}
			filter.Since = t
		}
		if v := q.Get("page"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "page must be a positive integer", nil)
				return
			}
			filter.Page = n
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
				return
			}
			filter.Limit = min(n, 100)
		}

		jobs, total, err := svc.List(r.Context(), filter)
		if err != nil {
			writeError(w, err)
			return
		}
		if jobs == nil {
			jobs = []*models.JobRecord{}
		}
		response.Collection(w, jobs, response.NewPaginationMeta(filter.Page, filter.Limit, total))
	}
}
