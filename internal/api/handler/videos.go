package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/riverstation/stationd/internal/api/response"
	"github.com/riverstation/stationd/internal/jobs"
	"github.com/riverstation/stationd/internal/store"
	"github.com/riverstation/stationd/pkg/models"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Ingester stores newly captured records. *jobs.Service satisfies it.
type Ingester interface {
	IngestVideo(ctx context.Context, v *models.Video) (*models.Video, error)
	IngestTimeSeries(ctx context.Context, ts *models.TimeSeries) (*models.TimeSeries, *models.Video, error)
}

// Runner queues video processing. *jobs.Service satisfies it.
type Runner interface {
	ProcessWorkItem(ctx context.Context, videoID uuid.UUID) (*models.Video, *models.JobInfo, error)
	RerunWorkItem(ctx context.Context, videoID uuid.UUID) (*models.Video, *models.JobInfo, error)
}

// VideoReader reads videos. store.Store satisfies it.
type VideoReader interface {
	GetVideo(ctx context.Context, id uuid.UUID) (*models.Video, error)
	ListVideos(ctx context.Context, filter store.VideoFilter) ([]*models.Video, error)
}

type ingestVideoRequest struct {
	Timestamp     time.Time  `json:"timestamp"`
	File          string     `json:"file"`
	Image         string     `json:"image"`
	VideoConfigID *uuid.UUID `json:"video_config_id"`
	TimeSeriesID  *uuid.UUID `json:"time_series_id"`
	// Run queues processing right after ingestion.
	Run bool `json:"run"`
}

type ingestVideoResponse struct {
	Video *models.Video   `json:"video"`
	Job   *models.JobInfo `json:"job,omitempty"`
	// NotQueued explains why a requested run was not queued.
	NotQueued string `json:"not_queued,omitempty"`
}

// NewIngestVideoHandler returns POST /api/v1/videos.
func NewIngestVideoHandler(ing Ingester, run Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ingestVideoRequest
		if err := response.Decode(r, &req); err != nil {
			invalid(w, "Invalid JSON body")
			return
		}
		if strings.TrimSpace(req.File) == "" {
			invalid(w, "file is required")
			return
		}
		if req.Timestamp.IsZero() {
			invalid(w, "timestamp is required")
			return
		}

		v, err := ing.IngestVideo(r.Context(), &models.Video{
			Timestamp:     req.Timestamp.UTC(),
			File:          req.File,
			Image:         req.Image,
			VideoConfigID: req.VideoConfigID,
			TimeSeriesID:  req.TimeSeriesID,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}

		resp := ingestVideoResponse{Video: v}
		if req.Run {
			queued, job, err := run.ProcessWorkItem(r.Context(), v.ID)
			var ineligible *jobs.IneligibleError
			switch {
			case err == nil:
				resp.Video, resp.Job = queued, job
			case errors.As(err, &ineligible):
				resp.NotQueued = ineligible.Reason
			default:
				writeError(w, r, err)
				return
			}
		}
		response.Created(w, resp)
	}
}

// NewGetVideoHandler returns GET /api/v1/videos/{videoID}.
func NewGetVideoHandler(rd VideoReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "videoID")
		if !ok {
			return
		}
		v, err := rd.GetVideo(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, v)
	}
}

var (
	videoStatuses = map[models.VideoStatus]bool{
		models.VideoStatusNew:        true,
		models.VideoStatusQueued:     true,
		models.VideoStatusProcessing: true,
		models.VideoStatusDone:       true,
		models.VideoStatusError:      true,
	}
	syncStatuses = map[models.SyncStatus]bool{
		models.SyncStatusLocal:   true,
		models.SyncStatusQueued:  true,
		models.SyncStatusUpdated: true,
		models.SyncStatusSynced:  true,
		models.SyncStatusFailed:  true,
	}
)

// NewListVideosHandler returns GET /api/v1/videos. Query parameters status,
// sync_status and limit narrow the list.
func NewListVideosHandler(rd VideoReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := store.VideoFilter{
			Status:     models.VideoStatus(strings.ToLower(q.Get("status"))),
			SyncStatus: models.SyncStatus(strings.ToLower(q.Get("sync_status"))),
			Limit:      defaultListLimit,
		}
		if filter.Status != "" && !videoStatuses[filter.Status] {
			invalid(w, "status must be one of new, queued, processing, done, error")
			return
		}
		if filter.SyncStatus != "" && !syncStatuses[filter.SyncStatus] {
			invalid(w, "sync_status must be one of local, queued, updated, synced, failed")
			return
		}
		if l := q.Get("limit"); l != "" {
			n, err := strconv.Atoi(l)
			if err != nil || n < 1 {
				invalid(w, "limit must be a positive integer")
				return
			}
			filter.Limit = min(n, maxListLimit)
		}

		videos, err := rd.ListVideos(r.Context(), filter)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if videos == nil {
			videos = []*models.Video{}
		}
		response.Collection(w, videos, response.ListMeta{Count: len(videos), Limit: filter.Limit})
	}
}

type runResponse struct {
	Video *models.Video   `json:"video"`
	Job   *models.JobInfo `json:"job"`
}

// NewRunVideoHandler returns POST /api/v1/videos/{videoID}/run, or the
// rerun endpoint when rerun is set. The video is queued and the call
// returns without waiting for processing.
func NewRunVideoHandler(run Runner, rerun bool) http.HandlerFunc {
	queue := run.ProcessWorkItem
	if rerun {
		queue = run.RerunWorkItem
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "videoID")
		if !ok {
			return
		}
		v, job, err := queue(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Accepted(w, runResponse{Video: v, Job: job})
	}
}
