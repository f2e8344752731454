package handler

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/celljobs/internal/api/response"
)

// Pinger is anything whose connectivity the health check reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health.
// Each named dependency reports "ok" or "degraded".
func NewHealthHandler(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := make(map[string]string, len(deps))
		degraded := false
		for name, p := range deps {
			checks[name] = "ok"
			if err := p.Ping(r.Context()); err != nil {
				checks[name] = "degraded"
				degraded = true
			}
		}

		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
