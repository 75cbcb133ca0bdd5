package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/riverstation/stationd/internal/api/response"
	"github.com/riverstation/stationd/pkg/models"
)

// JobTracker reports submitted jobs. *jobs.Service satisfies it.
type JobTracker interface {
	JobStatus(ctx context.Context, jobID uuid.UUID) (*models.JobInfo, error)
}

// NewJobStatusHandler returns GET /api/v1/jobs/{jobID}.
func NewJobStatusHandler(jt JobTracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "jobID")
		if !ok {
			return
		}
		job, err := jt.JobStatus(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, job)
	}
}
