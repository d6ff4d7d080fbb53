package handler

import (
	"encoding/json"
	"net/http"

	"github.com/kiranshivaraju/comfyrun/internal/api/response"
)

// NewClearQueueHandler returns an http.HandlerFunc for POST /api/v1/queue/clear.
func NewClearQueueHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.ClearQueue(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		response.Accepted(w, map[string]string{"status": "cleared"})
	}
}

// NewDeleteQueueItemsHandler returns an http.HandlerFunc for POST /api/v1/queue/delete.
func NewDeleteQueueItemsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PromptIDs []string `json:"prompt_ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if len(req.PromptIDs) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "prompt_ids is required", nil)
			return
		}
		for _, id := range req.PromptIDs {
			if id == "" {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "prompt_ids must not contain empty ids", nil)
				return
			}
		}

		if err := svc.DeleteQueueItems(r.Context(), req.PromptIDs); err != nil {
			writeError(w, err)
			return
		}
		response.Accepted(w, map[string]any{"deleted": req.PromptIDs})
	}
}
