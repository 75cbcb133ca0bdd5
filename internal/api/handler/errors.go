package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/riverstation/stationd/internal/api/response"
	"github.com/riverstation/stationd/internal/executor"
	"github.com/riverstation/stationd/internal/jobs"
	"github.com/riverstation/stationd/internal/remote"
	"github.com/riverstation/stationd/internal/store"
)

// writeError maps service and store errors onto the response envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ineligible *jobs.IneligibleError
	var rejected *remote.RejectedError
	switch {
	case errors.As(err, &ineligible):
		response.Error(w, http.StatusConflict, "NOT_ELIGIBLE", ineligible.Reason, nil)
	case errors.Is(err, jobs.ErrAlreadyQueued):
		response.Error(w, http.StatusConflict, "ALREADY_QUEUED", "Sync is already queued", nil)
	case errors.Is(err, store.ErrInvalidTransition):
		response.Error(w, http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, jobs.ErrJobNotFound):
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, store.ErrDuplicateKey):
		response.Error(w, http.StatusConflict, "DUPLICATE", "Resource already exists", nil)
	case errors.Is(err, executor.ErrShutdown):
		response.Error(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "Station is shutting down", nil)
	case errors.As(err, &rejected):
		response.Error(w, http.StatusBadGateway, "REMOTE_REJECTED", "Remote server rejected the request",
			map[string]any{"status": rejected.StatusCode, "body": rejected.Body})
	case errors.Is(err, remote.ErrTimeout):
		response.Error(w, http.StatusGatewayTimeout, "REMOTE_UNREACHABLE", "Remote server did not respond in time", nil)
	default:
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

func invalid(w http.ResponseWriter, message string) {
	response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", message, nil)
}

// pathID parses a uuid path parameter, writing a 400 when it is malformed.
func pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		invalid(w, param+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}
