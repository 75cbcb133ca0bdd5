package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/riverstation/stationd/internal/metrics"
	"github.com/riverstation/stationd/pkg/models"
)

// Store is the persistence the Syncer needs.
type Store interface {
	TokenStore
	GetRecipe(ctx context.Context, id uuid.UUID) (*models.Recipe, error)
	GetCrossSection(ctx context.Context, id uuid.UUID) (*models.CrossSection, error)
	GetCameraConfig(ctx context.Context, id uuid.UUID) (*models.CameraConfig, error)
	GetVideoConfig(ctx context.Context, id uuid.UUID) (*models.VideoConfig, error)
	GetTimeSeries(ctx context.Context, id uuid.UUID) (*models.TimeSeries, error)
	GetVideo(ctx context.Context, id uuid.UUID) (*models.Video, error)
	ClaimSync(ctx context.Context, kind models.EntityKind, id uuid.UUID) (models.SyncStatus, error)
	SetSyncStatus(ctx context.Context, kind models.EntityKind, id uuid.UUID, status models.SyncStatus, remoteID *int64) error
}

// Options tune one sync call.
type Options struct {
	// Site overrides the remote site of the registered endpoint.
	Site *int64
	// File and Image request the video file and the result image (with its
	// thumbnail) as attachments. Missing files are skipped.
	File  bool
	Image bool
	// Budget overrides the retry budget.
	Budget time.Duration
	// Claimed is set when the caller already moved the entity to queued.
	// Previous is then the status it had before.
	Claimed  bool
	Previous models.SyncStatus
}

// Syncer pushes local entities to the remote server. Referenced entities are
// synced first; the referencing entity is only sent once all of them are synced.
type Syncer struct {
	client    *Client
	store     Store
	uploadDir string
	logger    *slog.Logger
}

// SyncerOption configures a Syncer.
type SyncerOption func(*Syncer)

// WithUploadDir sets the directory relative file paths are resolved against.
func WithUploadDir(dir string) SyncerOption {
	return func(s *Syncer) { s.uploadDir = dir }
}

func WithSyncLogger(l *slog.Logger) SyncerOption {
	return func(s *Syncer) { s.logger = l }
}

func NewSyncer(client *Client, st Store, opts ...SyncerOption) *Syncer {
	s := &Syncer{client: client, store: st, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync pushes one entity of any kind.
func (s *Syncer) Sync(ctx context.Context, kind models.EntityKind, id uuid.UUID, opts Options) error {
	var err error
	switch kind {
	case models.KindRecipe:
		_, err = s.SyncRecipe(ctx, id, opts)
	case models.KindCrossSection:
		_, err = s.SyncCrossSection(ctx, id, opts)
	case models.KindVideoConfig:
		_, err = s.SyncVideoConfig(ctx, id, opts)
	case models.KindTimeSeries:
		_, err = s.SyncTimeSeries(ctx, id, opts)
	case models.KindVideo:
		_, err = s.SyncVideo(ctx, id, opts)
	default:
		err = fmt.Errorf("unknown entity kind %q", kind)
	}
	return err
}

func (s *Syncer) SyncRecipe(ctx context.Context, id uuid.UUID, opts Options) (*models.Recipe, error) {
	r, err := s.store.GetRecipe(ctx, id)
	if err != nil {
		return nil, err
	}
	err = s.upsert(ctx, models.KindRecipe, id, r.RemoteID, opts, func(ctx context.Context, cb *models.CallbackURL) (Request, error) {
		return Request{
			Path:   "/recipe/",
			Fields: map[string]any{"name": r.Name, "data": r.Data},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return s.store.GetRecipe(ctx, id)
}

func (s *Syncer) SyncCrossSection(ctx context.Context, id uuid.UUID, opts Options) (*models.CrossSection, error) {
	cs, err := s.store.GetCrossSection(ctx, id)
	if err != nil {
		return nil, err
	}
	err = s.upsert(ctx, models.KindCrossSection, id, cs.RemoteID, opts, func(ctx context.Context, cb *models.CallbackURL) (Request, error) {
		return Request{
			Path:   "/cross_section/",
			Fields: map[string]any{"name": cs.Name, "features": cs.Features},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return s.store.GetCrossSection(ctx, id)
}

// SyncVideoConfig pushes a video config after its recipe and cross sections.
// The camera config travels inline.
func (s *Syncer) SyncVideoConfig(ctx context.Context, id uuid.UUID, opts Options) (*models.VideoConfig, error) {
	vc, err := s.store.GetVideoConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	err = s.upsert(ctx, models.KindVideoConfig, id, vc.RemoteID, opts, func(ctx context.Context, cb *models.CallbackURL) (Request, error) {
		site, err := siteOf(cb, opts)
		if err != nil {
			return Request{}, err
		}
		cam, err := s.store.GetCameraConfig(ctx, vc.CameraConfigID)
		if err != nil {
			return Request{}, fmt.Errorf("load camera config: %w", err)
		}

		fields := map[string]any{"name": vc.Name, "camera_config": cam.Data}
		deps := depOptions(opts)
		if fields["recipe"], err = s.dependency(ctx, models.KindRecipe, vc.RecipeID, deps); err != nil {
			return Request{}, err
		}
		if vc.CrossSectionID != nil {
			if fields["cross_section"], err = s.dependency(ctx, models.KindCrossSection, *vc.CrossSectionID, deps); err != nil {
				return Request{}, err
			}
		}
		if vc.CrossSectionWLID != nil {
			if fields["cross_section_wl"], err = s.dependency(ctx, models.KindCrossSection, *vc.CrossSectionWLID, deps); err != nil {
				return Request{}, err
			}
		}
		return Request{Path: sitePath(site, "video_config"), Fields: fields}, nil
	})
	if err != nil {
		return nil, err
	}
	return s.store.GetVideoConfig(ctx, id)
}

func (s *Syncer) SyncTimeSeries(ctx context.Context, id uuid.UUID, opts Options) (*models.TimeSeries, error) {
	ts, err := s.store.GetTimeSeries(ctx, id)
	if err != nil {
		return nil, err
	}
	err = s.upsert(ctx, models.KindTimeSeries, id, ts.RemoteID, opts, func(ctx context.Context, cb *models.CallbackURL) (Request, error) {
		site, err := siteOf(cb, opts)
		if err != nil {
			return Request{}, err
		}
		return Request{Path: sitePath(site, "timeseries"), Fields: timeSeriesFields(ts)}, nil
	})
	if err != nil {
		return nil, err
	}
	return s.store.GetTimeSeries(ctx, id)
}

// SyncVideo pushes a video after its video config and time series.
func (s *Syncer) SyncVideo(ctx context.Context, id uuid.UUID, opts Options) (*models.Video, error) {
	v, err := s.store.GetVideo(ctx, id)
	if err != nil {
		return nil, err
	}
	err = s.upsert(ctx, models.KindVideo, id, v.RemoteID, opts, func(ctx context.Context, cb *models.CallbackURL) (Request, error) {
		site, err := siteOf(cb, opts)
		if err != nil {
			return Request{}, err
		}

		fields := map[string]any{
			"timestamp": v.Timestamp.UTC().Format(time.RFC3339),
			"status":    string(v.Status),
		}
		deps := depOptions(opts)
		if v.VideoConfigID != nil {
			if fields["video_config"], err = s.dependency(ctx, models.KindVideoConfig, *v.VideoConfigID, deps); err != nil {
				return Request{}, err
			}
		}
		if v.TimeSeriesID != nil {
			if fields["time_series"], err = s.dependency(ctx, models.KindTimeSeries, *v.TimeSeriesID, deps); err != nil {
				return Request{}, err
			}
		}

		var files []File
		if opts.File {
			files = s.appendFile(files, "file", v.File)
		}
		if opts.Image {
			files = s.appendFile(files, "image", v.Image)
			files = s.appendFile(files, "thumbnail", v.Thumbnail)
		}
		return Request{Path: sitePath(site, "video"), Fields: fields, Files: files}, nil
	})
	if err != nil {
		return nil, err
	}
	return s.store.GetVideo(ctx, id)
}

type buildFunc func(ctx context.Context, cb *models.CallbackURL) (Request, error)

// upsert claims the entity, builds its request and sends it as a create or an
// update depending on whether a remote id is known. Failures before the
// request (no endpoint, a failed dependency) restore the previous sync status;
// a failed request marks the entity failed.
func (s *Syncer) upsert(ctx context.Context, kind models.EntityKind, id uuid.UUID, remoteID *int64, opts Options, build buildFunc) error {
	prev := opts.Previous
	if !opts.Claimed {
		var err error
		if prev, err = s.store.ClaimSync(ctx, kind, id); err != nil {
			return err
		}
	}
	if prev == "" || prev == models.SyncStatusQueued {
		prev = models.SyncStatusLocal
	}

	// Outcomes are recorded even if the caller gave up.
	record := context.WithoutCancel(ctx)
	log := s.logger.With("entity", kind, "id", id)

	cb, err := s.client.Endpoint(ctx)
	if err != nil {
		s.restore(record, kind, id, prev, log)
		return err
	}

	req, err := build(ctx, cb)
	if err != nil {
		outcome := "error"
		if errors.Is(err, ErrDependency) {
			outcome = "dependency"
		}
		metrics.SyncRequestsTotal.WithLabelValues(string(kind), outcome).Inc()
		s.restore(record, kind, id, prev, log)
		log.Warn("sync aborted before request", "error", err)
		return err
	}

	req.Method = http.MethodPost
	if remoteID != nil {
		req.Method = http.MethodPatch
		req.Path += strconv.FormatInt(*remoteID, 10) + "/"
	}

	resp, err := s.client.Do(ctx, req, s.client.Budget(cb, opts.Budget))
	if err != nil {
		metrics.SyncRequestsTotal.WithLabelValues(string(kind), outcomeOf(err)).Inc()
		s.fail(record, kind, id, log)
		log.Error("sync failed", "method", req.Method, "path", req.Path, "error", err)
		return err
	}

	var body struct {
		ID *int64 `json:"id"`
	}
	if err := resp.Decode(&body); err != nil || (body.ID == nil && remoteID == nil) {
		metrics.SyncRequestsTotal.WithLabelValues(string(kind), "error").Inc()
		s.fail(record, kind, id, log)
		return fmt.Errorf("%w: %s response carries no id", ErrMalformedResponse, kind)
	}
	if body.ID == nil {
		body.ID = remoteID
	}

	if err := s.store.SetSyncStatus(record, kind, id, models.SyncStatusSynced, body.ID); err != nil {
		return fmt.Errorf("record sync of %s: %w", kind, err)
	}
	metrics.SyncRequestsTotal.WithLabelValues(string(kind), "synced").Inc()
	log.Info("synced", "method", req.Method, "remote_id", *body.ID)
	return nil
}

// dependency returns the remote id of a referenced entity, syncing it first
// unless it is already synced and unchanged.
func (s *Syncer) dependency(ctx context.Context, kind models.EntityKind, id uuid.UUID, opts Options) (int64, error) {
	rm, err := s.remoteModel(ctx, kind, id)
	if err != nil {
		return 0, fmt.Errorf("%w: load %s %s: %w", ErrDependency, kind, id, err)
	}
	if rm.IsSynced() {
		return *rm.RemoteID, nil
	}

	if err := s.Sync(ctx, kind, id, opts); err != nil {
		return 0, fmt.Errorf("%w: %s %s: %w", ErrDependency, kind, id, err)
	}

	rm, err = s.remoteModel(ctx, kind, id)
	if err != nil {
		return 0, fmt.Errorf("%w: reload %s %s: %w", ErrDependency, kind, id, err)
	}
	if !rm.IsSynced() {
		return 0, fmt.Errorf("%w: %s %s is %s after sync", ErrDependency, kind, id, rm.SyncStatus)
	}
	return *rm.RemoteID, nil
}

func (s *Syncer) remoteModel(ctx context.Context, kind models.EntityKind, id uuid.UUID) (models.RemoteModel, error) {
	switch kind {
	case models.KindRecipe:
		e, err := s.store.GetRecipe(ctx, id)
		if err != nil {
			return models.RemoteModel{}, err
		}
		return e.RemoteModel, nil
	case models.KindCrossSection:
		e, err := s.store.GetCrossSection(ctx, id)
		if err != nil {
			return models.RemoteModel{}, err
		}
		return e.RemoteModel, nil
	case models.KindVideoConfig:
		e, err := s.store.GetVideoConfig(ctx, id)
		if err != nil {
			return models.RemoteModel{}, err
		}
		return e.RemoteModel, nil
	case models.KindTimeSeries:
		e, err := s.store.GetTimeSeries(ctx, id)
		if err != nil {
			return models.RemoteModel{}, err
		}
		return e.RemoteModel, nil
	case models.KindVideo:
		e, err := s.store.GetVideo(ctx, id)
		if err != nil {
			return models.RemoteModel{}, err
		}
		return e.RemoteModel, nil
	}
	return models.RemoteModel{}, fmt.Errorf("unknown entity kind %q", kind)
}

func (s *Syncer) restore(ctx context.Context, kind models.EntityKind, id uuid.UUID, prev models.SyncStatus, log *slog.Logger) {
	if err := s.store.SetSyncStatus(ctx, kind, id, prev, nil); err != nil {
		log.Error("restoring sync status failed", "status", prev, "error", err)
	}
}

func (s *Syncer) fail(ctx context.Context, kind models.EntityKind, id uuid.UUID, log *slog.Logger) {
	if err := s.store.SetSyncStatus(ctx, kind, id, models.SyncStatusFailed, nil); err != nil {
		log.Error("marking sync failed", "error", err)
	}
}

// appendFile adds an attachment if path names an existing regular file.
func (s *Syncer) appendFile(files []File, field, path string) []File {
	if path == "" {
		return files
	}
	if !filepath.IsAbs(path) && s.uploadDir != "" {
		path = filepath.Join(s.uploadDir, path)
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		s.logger.Debug("attachment skipped", "field", field, "path", path)
		return files
	}
	return append(files, File{Field: field, Path: path})
}

// depOptions strips the per-call settings that only apply to the top-level entity.
func depOptions(opts Options) Options {
	return Options{Site: opts.Site, Budget: opts.Budget}
}

func siteOf(cb *models.CallbackURL, opts Options) (int64, error) {
	if opts.Site != nil {
		return *opts.Site, nil
	}
	if cb.RemoteSiteID != nil {
		return *cb.RemoteSiteID, nil
	}
	return 0, ErrNoSite
}

func sitePath(site int64, collection string) string {
	return "/site/" + strconv.FormatInt(site, 10) + "/" + collection + "/"
}

func timeSeriesFields(ts *models.TimeSeries) map[string]any {
	fields := map[string]any{"timestamp": ts.Timestamp.UTC().Format(time.RFC3339)}
	for name, v := range map[string]*float64{
		"h":                    ts.H,
		"q_05":                 ts.Q05,
		"q_25":                 ts.Q25,
		"q_50":                 ts.Q50,
		"q_75":                 ts.Q75,
		"q_95":                 ts.Q95,
		"wetted_surface":       ts.WettedSurface,
		"wetted_perimeter":     ts.WettedPerimeter,
		"fraction_velocimetry": ts.FractionVelocimetry,
	} {
		if v != nil {
			fields[name] = *v
		}
	}
	return fields
}
