// Package jobs decides whether videos may be processed or synced and hands
// the work to the executor. Request handlers only ever enqueue through here.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/riverstation/stationd/internal/analysis"
	"github.com/riverstation/stationd/internal/cache"
	"github.com/riverstation/stationd/internal/device"
	"github.com/riverstation/stationd/internal/executor"
	"github.com/riverstation/stationd/internal/remote"
	"github.com/riverstation/stationd/internal/store"
	"github.com/riverstation/stationd/pkg/models"
)

var (
	ErrIneligible  = errors.New("video is not eligible to run")
	ErrJobNotFound = errors.New("job not found")
)

// ErrAlreadyQueued is returned when an entity already waits for a sync.
var ErrAlreadyQueued = store.ErrAlreadyQueued

// IneligibleError carries the reason a video may not run. It matches ErrIneligible.
type IneligibleError struct {
	VideoID uuid.UUID
	Reason  string
}

func (e *IneligibleError) Error() string {
	return fmt.Sprintf("video %s is not eligible to run: %s", e.VideoID, e.Reason)
}

func (e *IneligibleError) Is(target error) bool {
	return target == ErrIneligible
}

// Submitter queues work. *executor.Executor satisfies it.
type Submitter interface {
	Submit(fn executor.Func, opts ...executor.SubmitOption) (*executor.Handle, error)
}

// Syncer pushes an entity to the remote server. *remote.Syncer satisfies it.
type Syncer interface {
	Sync(ctx context.Context, kind models.EntityKind, id uuid.UUID, opts remote.Options) error
}

// Config tunes the Service.
type Config struct {
	ProcessPriority int
	SyncPriority    int
	// AllowedDelta caps the gap between a video and the water level linked to
	// it. Zero means no cap.
	AllowedDelta time.Duration
	JobStatusTTL time.Duration
	// SyncFile and SyncImage select the attachments of the automatic sync
	// that follows processing.
	SyncFile  bool
	SyncImage bool
	// UploadDir is where relative video paths live.
	UploadDir string
}

// Service is the job submission façade.
type Service struct {
	store    store.Store
	cache    cache.Cache
	exec     Submitter
	analyzer analysis.Analyzer
	syncer   Syncer
	device   *device.Controller
	cfg      Config
	logger   *slog.Logger

	// watchers follow submitted tasks until they finish or are cancelled.
	watchers sync.WaitGroup
}

// NewService wires the façade. dev may be nil when the station never powers off.
func NewService(
	st store.Store,
	c cache.Cache,
	exec Submitter,
	analyzer analysis.Analyzer,
	syncer Syncer,
	dev *device.Controller,
	cfg Config,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.JobStatusTTL <= 0 {
		cfg.JobStatusTTL = 24 * time.Hour
	}
	return &Service{
		store:    st,
		cache:    c,
		exec:     exec,
		analyzer: analyzer,
		syncer:   syncer,
		device:   dev,
		cfg:      cfg,
		logger:   logger,
	}
}

// JobStatus returns the last recorded state of a submitted job.
func (s *Service) JobStatus(ctx context.Context, jobID uuid.UUID) (*models.JobInfo, error) {
	job, found, err := s.cache.GetJobStatus(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job status: %w", err)
	}
	if !found {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func newJob(jobType string, kind models.EntityKind, id uuid.UUID) models.JobInfo {
	return models.JobInfo{
		ID:       uuid.NewString(),
		Type:     jobType,
		Status:   models.JobStatusQueued,
		Entity:   string(kind),
		EntityID: id.String(),
	}
}

// recordJob stores the job state and returns it. The cache is advisory, so
// failures are only logged.
func (s *Service) recordJob(ctx context.Context, job models.JobInfo, status string, jobErr error) *models.JobInfo {
	job.Status = status
	job.Error = ""
	if jobErr != nil {
		job.Error = jobErr.Error()
	}
	job.UpdatedAt = time.Now().UTC()
	if err := s.cache.SetJobStatus(context.WithoutCancel(ctx), &job, s.cfg.JobStatusTTL); err != nil {
		s.logger.Warn("recording job status failed", "job_id", job.ID, "error", err)
	}
	return &job
}

// submit queues fn and keeps the job status current, including when the
// task is cancelled before it starts; onCancel, if set, then undoes whatever
// the caller claimed for the task. It returns the queued job.
func (s *Service) submit(ctx context.Context, job models.JobInfo, priority int, fn executor.Func, onCancel func(ctx context.Context)) (*models.JobInfo, error) {
	queued := s.recordJob(ctx, job, models.JobStatusQueued, nil)

	h, err := s.exec.Submit(fn,
		executor.WithPriority(priority),
		executor.WithName(job.Type+":"+job.EntityID))
	if err != nil {
		s.recordJob(ctx, job, models.JobStatusCancelled, err)
		return nil, err
	}

	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()
		<-h.Done()
		if !h.Cancelled() {
			return
		}
		bg := context.WithoutCancel(ctx)
		s.recordJob(bg, job, models.JobStatusCancelled, executor.ErrCancelled)
		if onCancel != nil {
			onCancel(bg)
		}
	}()
	return queued, nil
}

// Wait blocks until every submitted task has finished or been cancelled and
// its bookkeeping is written. Call it after the executor is shut down.
func (s *Service) Wait() {
	s.watchers.Wait()
}
