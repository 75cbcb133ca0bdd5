package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/riverstation/stationd/internal/lifecycle"
	"github.com/riverstation/stationd/internal/match"
	"github.com/riverstation/stationd/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrAlreadyQueued is returned by ClaimSync when the entity already waits for a sync.
var ErrAlreadyQueued = errors.New("already queued")

// ErrInvalidTransition matches every rejected status change.
var ErrInvalidTransition = lifecycle.ErrInvalidTransition

// Store is the data access interface. All database operations go through here.
// Every method is its own transaction.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error

	CreateRecipe(ctx context.Context, r *models.Recipe) error
	GetRecipe(ctx context.Context, id uuid.UUID) (*models.Recipe, error)
	UpdateRecipe(ctx context.Context, r *models.Recipe) error
	CreateCrossSection(ctx context.Context, cs *models.CrossSection) error
	GetCrossSection(ctx context.Context, id uuid.UUID) (*models.CrossSection, error)
	CreateCameraConfig(ctx context.Context, cc *models.CameraConfig) error
	GetCameraConfig(ctx context.Context, id uuid.UUID) (*models.CameraConfig, error)
	CreateVideoConfig(ctx context.Context, vc *models.VideoConfig) error
	GetVideoConfig(ctx context.Context, id uuid.UUID) (*models.VideoConfig, error)

	CreateTimeSeries(ctx context.Context, ts *models.TimeSeries) error
	GetTimeSeries(ctx context.Context, id uuid.UUID) (*models.TimeSeries, error)
	UpdateTimeSeries(ctx context.Context, ts *models.TimeSeries) error

	CreateVideo(ctx context.Context, v *models.Video) error
	GetVideo(ctx context.Context, id uuid.UUID) (*models.Video, error)
	ListVideos(ctx context.Context, filter VideoFilter) ([]*models.Video, error)
	UpdateVideoStatus(ctx context.Context, id uuid.UUID, status models.VideoStatus, opts ...VideoUpdateOption) (*models.Video, error)
	LinkVideoTimeSeries(ctx context.Context, videoID, timeSeriesID uuid.UUID) error

	// ClosestTimeSeries returns the time series record nearest to t that no
	// video is linked to yet.
	ClosestTimeSeries(ctx context.Context, t time.Time, maxDelta time.Duration) (match.Result[models.TimeSeries], error)
	// ClosestUnlinkedVideo returns the video nearest to t without a time series.
	ClosestUnlinkedVideo(ctx context.Context, t time.Time, maxDelta time.Duration) (match.Result[models.Video], error)

	// ClaimSync moves an entity to the queued sync status and returns the status
	// it had before. It fails with ErrAlreadyQueued if it was queued already.
	ClaimSync(ctx context.Context, kind models.EntityKind, id uuid.UUID) (models.SyncStatus, error)
	// SetSyncStatus records a sync outcome. A nil remoteID keeps the stored one.
	// A synced outcome for an entity edited after its claim is recorded as updated.
	SetSyncStatus(ctx context.Context, kind models.EntityKind, id uuid.UUID, status models.SyncStatus, remoteID *int64) error
	// ReleaseSyncClaims moves every entity of kind left sync queued back to
	// local, or to updated when it has a remote id, and returns their ids.
	ReleaseSyncClaims(ctx context.Context, kind models.EntityKind) ([]uuid.UUID, error)

	GetCallbackURL(ctx context.Context) (*models.CallbackURL, error)
	SaveCallbackURL(ctx context.Context, cb *models.CallbackURL) error
	SaveTokens(ctx context.Context, access, refresh string, expiration time.Time) error
}

// VideoFilter selects videos for ListVideos. Zero fields match everything.
type VideoFilter struct {
	Status     models.VideoStatus
	SyncStatus models.SyncStatus
	Limit      int
}

type videoUpdateParams struct {
	ErrorMessage *string
	Image        *string
	Thumbnail    *string
	TimeSeriesID *uuid.UUID
	Rerun        bool
}

type VideoUpdateOption func(*videoUpdateParams)

func WithErrorMessage(msg string) VideoUpdateOption {
	return func(p *videoUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithImage(path string) VideoUpdateOption {
	return func(p *videoUpdateParams) {
		p.Image = &path
	}
}

func WithThumbnail(path string) VideoUpdateOption {
	return func(p *videoUpdateParams) {
		p.Thumbnail = &path
	}
}

func WithTimeSeriesID(id uuid.UUID) VideoUpdateOption {
	return func(p *videoUpdateParams) {
		p.TimeSeriesID = &id
	}
}

// WithRerun allows a done or errored video back into the queue.
func WithRerun() VideoUpdateOption {
	return func(p *videoUpdateParams) {
		p.Rerun = true
	}
}

// changesResults reports whether a status change alters fields mirrored on
// the remote server, which marks a synced video as updated.
func changesResults(status models.VideoStatus) bool {
	return status == models.VideoStatusDone || status == models.VideoStatusError
}

var tables = map[models.EntityKind]string{
	models.KindRecipe:       "recipes",
	models.KindCrossSection: "cross_sections",
	models.KindVideoConfig:  "video_configs",
	models.KindTimeSeries:   "time_series",
	models.KindVideo:        "videos",
}

func tableFor(kind models.EntityKind) (string, error) {
	t, ok := tables[kind]
	if !ok {
		return "", errors.New("unknown entity kind: " + string(kind))
	}
	return t, nil
}
