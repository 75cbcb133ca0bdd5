package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/riverstation/stationd/internal/analysis"
	"github.com/riverstation/stationd/internal/lifecycle"
	"github.com/riverstation/stationd/internal/metrics"
	"github.com/riverstation/stationd/internal/store"
	"github.com/riverstation/stationd/pkg/models"
)

const (
	thumbnailWidth  = 320
	thumbnailHeight = 240
)

// ProcessWorkItem queues a NEW video for processing. It fails with an
// *IneligibleError when the video is already queued or running, or when no
// reference water level can be resolved for it.
func (s *Service) ProcessWorkItem(ctx context.Context, videoID uuid.UUID) (*models.Video, *models.JobInfo, error) {
	return s.queueProcess(ctx, videoID, false)
}

// RerunWorkItem queues a video again after it finished or failed.
func (s *Service) RerunWorkItem(ctx context.Context, videoID uuid.UUID) (*models.Video, *models.JobInfo, error) {
	return s.queueProcess(ctx, videoID, true)
}

func (s *Service) queueProcess(ctx context.Context, videoID uuid.UUID, rerun bool) (*models.Video, *models.JobInfo, error) {
	v, err := s.store.GetVideo(ctx, videoID)
	if err != nil {
		return nil, nil, err
	}
	if _, err := s.resolveInputs(ctx, v); err != nil {
		return nil, nil, err
	}

	var opts []store.VideoUpdateOption
	if rerun {
		opts = append(opts, store.WithRerun())
	}
	// The status change is a compare-and-set: of two concurrent submissions
	// only one leaves the previous state.
	v, err = s.store.UpdateVideoStatus(ctx, videoID, models.VideoStatusQueued, opts...)
	if errors.Is(err, store.ErrInvalidTransition) {
		return nil, nil, &IneligibleError{VideoID: videoID, Reason: err.Error()}
	}
	if err != nil {
		return nil, nil, err
	}

	job, err := s.enqueueProcess(ctx, v)
	if err != nil {
		return nil, nil, err
	}
	return v, job, nil
}

// enqueueProcess submits a video that is already QUEUED. If the executor
// refuses the task the video is moved to ERROR so it does not stay queued.
// A task cancelled at shutdown leaves the video QUEUED for Reconcile.
func (s *Service) enqueueProcess(ctx context.Context, v *models.Video) (*models.JobInfo, error) {
	job := newJob(models.JobTypeProcess, models.KindVideo, v.ID)
	queued, err := s.submit(ctx, job, s.cfg.ProcessPriority, func(ctx context.Context) (any, error) {
		return s.runProcess(ctx, job, v.ID)
	}, nil)
	if err != nil {
		if _, uerr := s.store.UpdateVideoStatus(ctx, v.ID, models.VideoStatusError,
			store.WithErrorMessage("not submitted: "+err.Error())); uerr != nil {
			s.logger.Error("failed to release unsubmitted video", "video_id", v.ID, "error", uerr)
		}
		return nil, fmt.Errorf("submit processing of video %s: %w", v.ID, err)
	}
	s.logger.Info("video queued for processing", "video_id", v.ID, "job_id", job.ID, "priority", s.cfg.ProcessPriority)
	return queued, nil
}

// inputs is everything loaded from the store for one analysis run.
type inputs struct {
	config     *models.VideoConfig
	timeSeries *models.TimeSeries
	level      lifecycle.WaterLevel
}

// resolveInputs applies the eligibility gate to v.
func (s *Service) resolveInputs(ctx context.Context, v *models.Video) (*inputs, error) {
	in := &inputs{}
	if v.VideoConfigID != nil {
		cfg, err := s.store.GetVideoConfig(ctx, *v.VideoConfigID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		in.config = cfg
	}
	if v.TimeSeriesID != nil {
		ts, err := s.store.GetTimeSeries(ctx, *v.TimeSeriesID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		in.timeSeries = ts
	}

	level, reason := lifecycle.ResolveWaterLevel(v, in.config, in.timeSeries)
	if reason != "" {
		return nil, &IneligibleError{VideoID: v.ID, Reason: reason}
	}
	in.level = level
	return in, nil
}

// runProcess is the executor task of one processing job. Whatever the
// outcome, the automatic sync and a configured device shutdown happen
// before the processing error is returned.
func (s *Service) runProcess(ctx context.Context, job models.JobInfo, videoID uuid.UUID) (*models.Video, error) {
	s.recordJob(ctx, job, models.JobStatusRunning, nil)
	log := s.logger.With("video_id", videoID, "job_id", job.ID)

	v, procErr := s.process(ctx, job, videoID)
	if procErr != nil {
		log.Error("video processing failed", "error", procErr)
		if v == nil || v.Status != models.VideoStatusError {
			if failed, err := s.store.UpdateVideoStatus(ctx, videoID, models.VideoStatusError,
				store.WithErrorMessage(procErr.Error())); err != nil {
				log.Error("failed to record processing error", "error", err)
			} else {
				v = failed
			}
		}
		metrics.ProcessingTotal.WithLabelValues(string(models.VideoStatusError)).Inc()
	} else {
		log.Info("video processed", "time_series_id", v.TimeSeriesID)
		metrics.ProcessingTotal.WithLabelValues(string(models.VideoStatusDone)).Inc()
	}

	s.afterTerminal(ctx, videoID)
	s.device.ShutdownAfterTask(ctx, "video "+videoID.String()+" processed")

	if procErr != nil {
		s.recordJob(ctx, job, models.JobStatusFailed, procErr)
		return v, procErr
	}
	s.recordJob(ctx, job, models.JobStatusCompleted, nil)
	return v, nil
}

// process moves the video through PROCESSING to DONE. The returned video is
// the last state written; on error the caller records ERROR.
func (s *Service) process(ctx context.Context, job models.JobInfo, videoID uuid.UUID) (*models.Video, error) {
	v, err := s.store.UpdateVideoStatus(ctx, videoID, models.VideoStatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("start processing: %w", err)
	}

	// Inputs are loaded again: they may have changed while the job was queued.
	// The video is no longer NEW, so the gate is checked as if it were.
	gate := *v
	gate.Status = models.VideoStatusNew
	in, err := s.resolveInputs(ctx, &gate)
	if err != nil {
		return v, err
	}
	req, err := s.analysisRequest(ctx, job, v, in)
	if err != nil {
		return v, err
	}

	res, err := s.analyzer.Run(ctx, req)
	if err != nil {
		return v, err
	}

	tsID, err := s.saveResult(ctx, v, in.timeSeries, res)
	if err != nil {
		return v, fmt.Errorf("save result: %w", err)
	}

	opts := []store.VideoUpdateOption{store.WithTimeSeriesID(tsID)}
	if res.Image != "" {
		opts = append(opts, store.WithImage(res.Image))
		if thumb, err := makeThumbnail(res.Image); err != nil {
			s.logger.Warn("thumbnail failed", "video_id", videoID, "image", res.Image, "error", err)
		} else {
			opts = append(opts, store.WithThumbnail(thumb))
		}
	}
	return s.store.UpdateVideoStatus(ctx, videoID, models.VideoStatusDone, opts...)
}

func (s *Service) analysisRequest(ctx context.Context, job models.JobInfo, v *models.Video, in *inputs) (analysis.Request, error) {
	cfg := in.config
	recipe, err := s.store.GetRecipe(ctx, cfg.RecipeID)
	if err != nil {
		return analysis.Request{}, fmt.Errorf("load recipe: %w", err)
	}
	cam, err := s.store.GetCameraConfig(ctx, cfg.CameraConfigID)
	if err != nil {
		return analysis.Request{}, fmt.Errorf("load camera config: %w", err)
	}

	req := analysis.Request{
		JobID:        job.ID,
		VideoFile:    s.localPath(v.File),
		Recipe:       recipe.Data,
		CameraConfig: cam.Data,
		WaterLevel:   in.level.Value,
	}
	if cfg.CrossSectionID != nil {
		cs, err := s.store.GetCrossSection(ctx, *cfg.CrossSectionID)
		if err != nil {
			return analysis.Request{}, fmt.Errorf("load cross section: %w", err)
		}
		req.CrossSection = cs.Features
	}
	if in.level.Source == lifecycle.LevelOptical {
		cs, err := s.store.GetCrossSection(ctx, *cfg.CrossSectionWLID)
		if err != nil {
			return analysis.Request{}, fmt.Errorf("load water level cross section: %w", err)
		}
		req.CrossSectionWL = cs.Features
	}
	return req, nil
}

// saveResult writes the discharge estimate into the linked time series, or
// into a new one at the video's timestamp when none is linked.
func (s *Service) saveResult(ctx context.Context, v *models.Video, ts *models.TimeSeries, res *analysis.Result) (uuid.UUID, error) {
	if ts == nil {
		ts = &models.TimeSeries{ID: uuid.New(), Timestamp: v.Timestamp}
		applyResult(ts, res)
		if err := s.store.CreateTimeSeries(ctx, ts); err != nil {
			return uuid.Nil, err
		}
		return ts.ID, nil
	}
	applyResult(ts, res)
	if err := s.store.UpdateTimeSeries(ctx, ts); err != nil {
		return uuid.Nil, err
	}
	return ts.ID, nil
}

func applyResult(ts *models.TimeSeries, res *analysis.Result) {
	if res.H != nil {
		ts.H = res.H
	}
	ts.Q05 = res.Q05
	ts.Q25 = res.Q25
	ts.Q50 = res.Q50
	ts.Q75 = res.Q75
	ts.Q95 = res.Q95
	ts.WettedSurface = res.WettedSurface
	ts.WettedPerimeter = res.WettedPerimeter
	ts.FractionVelocimetry = res.FractionVelocimetry
}

func (s *Service) localPath(path string) string {
	if path == "" || filepath.IsAbs(path) || s.cfg.UploadDir == "" {
		return path
	}
	return filepath.Join(s.cfg.UploadDir, path)
}

// makeThumbnail writes a scaled-down JPEG next to the result image.
func makeThumbnail(image string) (string, error) {
	img, err := imaging.Open(image)
	if err != nil {
		return "", err
	}
	thumb := imaging.Fit(img, thumbnailWidth, thumbnailHeight, imaging.Lanczos)
	path := strings.TrimSuffix(image, filepath.Ext(image)) + "_thumb.jpg"
	if err := imaging.Save(thumb, path, imaging.JPEGQuality(85)); err != nil {
		return "", err
	}
	return path, nil
}
