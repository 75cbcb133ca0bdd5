package handler

import (
	"context"
	"net/http"

	"github.com/riverstation/stationd/internal/api/response"
)

// Pinger is a dependency checked by the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueDepth reports tasks waiting for a worker. *executor.Executor satisfies it.
type QueueDepth interface {
	Pending() int
}

// NewHealthHandler returns GET /api/v1/health. It reports degraded when the
// database or cache cannot be reached.
func NewHealthHandler(db, cache Pinger, queue QueueDepth) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := cache.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":        "ok",
			"services":      checks,
			"pending_tasks": queue.Pending(),
		})
	}
}
