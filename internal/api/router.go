package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	mw "github.com/kiranshivaraju/comfyrun/internal/api/middleware"
	"github.com/kiranshivaraju/comfyrun/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	RateLimit *mw.RateLimit
	Metrics   mw.HTTPRecorder

	HealthHandler      http.HandlerFunc
	SubmitHandler      http.HandlerFunc
	ListJobsHandler    http.HandlerFunc
	GetJobHandler      http.HandlerFunc
	CancelJobHandler   http.HandlerFunc
	ClearQueueHandler  http.HandlerFunc
	DeleteQueueHandler http.HandlerFunc
	SystemStatsHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics(deps.Metrics))

	// Health is exempt from rate limiting so health checks never see a 429
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Group(func(r chi.Router) {
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.Post("/api/v1/jobs", orNotImplemented(deps.SubmitHandler))
		r.Get("/api/v1/jobs", orNotImplemented(deps.ListJobsHandler))
		r.Get("/api/v1/jobs/{promptID}", orNotImplemented(deps.GetJobHandler))
		r.Delete("/api/v1/jobs/{promptID}", orNotImplemented(deps.CancelJobHandler))

		r.Post("/api/v1/queue/clear", orNotImplemented(deps.ClearQueueHandler))
		r.Post("/api/v1/queue/delete", orNotImplemented(deps.DeleteQueueHandler))

		r.Get("/api/v1/system/stats", orNotImplemented(deps.SystemStatsHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
