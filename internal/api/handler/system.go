package handler

import (
	"net/http"

	"github.com/kiranshivaraju/comfyrun/internal/api/response"
)

// NewSystemStatsHandler returns an http.HandlerFunc for GET /api/v1/system/stats.
func NewSystemStatsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := svc.SystemStats(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, stats)
	}
}

// NewHealthHandler reports database, cache and backend stream health. Any
// degraded dependency turns the response into a 503.
func NewHealthHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := svc.Health(r.Context())
		for _, v := range checks {
			if v != "ok" {
				response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
					"One or more services degraded", checks)
				return
			}
		}
		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
