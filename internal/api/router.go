// Package api wires the operator control plane onto a chi router.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/celljobs/internal/api/middleware"
	"github.com/kiranshivaraju/celljobs/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
// A nil Auth leaves the job routes unauthenticated, which config only
// permits in development.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler   http.HandlerFunc
	GetJobHandler   http.HandlerFunc
	JobStatus       http.HandlerFunc
	DispatchHandler http.HandlerFunc
	CancelHandler   http.HandlerFunc
	OutputsHandler  http.HandlerFunc
}

// NewRouter builds the chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Group(func(r chi.Router) {
		if deps.Auth != nil {
			r.Use(deps.Auth.Authenticate)
		}
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.Route("/api/v1/jobs/{jobID}", func(r chi.Router) {
			r.Get("/", orNotImplemented(deps.GetJobHandler))
			r.Get("/status", orNotImplemented(deps.JobStatus))
			r.Get("/outputs", orNotImplemented(deps.OutputsHandler))
			r.Post("/dispatch", orNotImplemented(deps.DispatchHandler))
			r.Post("/cancel", orNotImplemented(deps.CancelHandler))
		})
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
