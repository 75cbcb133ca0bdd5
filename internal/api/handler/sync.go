package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/riverstation/stationd/internal/api/response"
	"github.com/riverstation/stationd/internal/jobs"
	"github.com/riverstation/stationd/pkg/models"
)

// SyncQueuer queues remote syncs. *jobs.Service satisfies it.
type SyncQueuer interface {
	SyncWorkItem(ctx context.Context, kind models.EntityKind, id uuid.UUID, req jobs.SyncRequest) (*models.JobInfo, error)
}

var syncKinds = map[models.EntityKind]bool{
	models.KindRecipe:       true,
	models.KindCrossSection: true,
	models.KindVideoConfig:  true,
	models.KindTimeSeries:   true,
	models.KindVideo:        true,
}

type syncRequest struct {
	Site      *int64 `json:"site"`
	SyncFile  bool   `json:"sync_file"`
	SyncImage bool   `json:"sync_image"`
}

// NewSyncHandler returns a handler queueing the sync of one entity whose id
// is the idParam path parameter. With an empty kind the kind is read from the
// {kind} path parameter.
func NewSyncHandler(q SyncQueuer, kind models.EntityKind, idParam string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		k := kind
		if k == "" {
			k = models.EntityKind(chi.URLParam(r, "kind"))
		}
		if !syncKinds[k] {
			invalid(w, "kind must be one of recipe, cross_section, video_config, timeseries, video")
			return
		}
		id, ok := pathID(w, r, idParam)
		if !ok {
			return
		}

		var req syncRequest
		if err := response.Decode(r, &req); err != nil {
			invalid(w, "Invalid JSON body")
			return
		}
		if req.Site != nil && *req.Site <= 0 {
			invalid(w, "site must be a positive integer")
			return
		}

		job, err := q.SyncWorkItem(r.Context(), k, id, jobs.SyncRequest{
			Site:  req.Site,
			File:  req.SyncFile,
			Image: req.SyncImage,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Accepted(w, job)
	}
}
