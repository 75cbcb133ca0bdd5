package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/riverstation/stationd/internal/remote"
	"github.com/riverstation/stationd/internal/store"
	"github.com/riverstation/stationd/pkg/models"
)

// SyncRequest selects where and what to sync.
type SyncRequest struct {
	// Site overrides the remote site of the registered endpoint.
	Site  *int64
	File  bool
	Image bool
}

// SyncWorkItem queues a sync of one entity. The entity is moved to sync
// QUEUED before the task is submitted; an entity already queued fails with
// ErrAlreadyQueued and is not submitted again.
func (s *Service) SyncWorkItem(ctx context.Context, kind models.EntityKind, id uuid.UUID, req SyncRequest) (*models.JobInfo, error) {
	prev, err := s.store.ClaimSync(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	return s.enqueueSync(ctx, kind, id, prev, req)
}

// enqueueSync submits the sync of an entity that is already sync QUEUED.
// prev is restored if the executor refuses the task or cancels it before it
// starts.
func (s *Service) enqueueSync(ctx context.Context, kind models.EntityKind, id uuid.UUID, prev models.SyncStatus, req SyncRequest) (*models.JobInfo, error) {
	job := newJob(models.JobTypeSync, kind, id)
	opts := remote.Options{
		Site:     req.Site,
		File:     req.File,
		Image:    req.Image,
		Claimed:  true,
		Previous: prev,
	}

	queued, err := s.submit(ctx, job, s.cfg.SyncPriority, func(ctx context.Context) (any, error) {
		s.recordJob(ctx, job, models.JobStatusRunning, nil)
		if err := s.syncer.Sync(ctx, kind, id, opts); err != nil {
			s.recordJob(ctx, job, models.JobStatusFailed, err)
			return nil, err
		}
		s.recordJob(ctx, job, models.JobStatusCompleted, nil)
		return nil, nil
	}, func(ctx context.Context) {
		s.releaseSync(ctx, kind, id, prev)
	})
	if err != nil {
		s.releaseSync(ctx, kind, id, prev)
		return nil, fmt.Errorf("submit sync of %s %s: %w", kind, id, err)
	}
	s.logger.Info("sync queued", "entity", kind, "id", id, "job_id", job.ID, "priority", s.cfg.SyncPriority)
	return queued, nil
}

// releaseSync gives up the sync claim on an entity whose task never ran.
func (s *Service) releaseSync(ctx context.Context, kind models.EntityKind, id uuid.UUID, prev models.SyncStatus) {
	if prev == "" || prev == models.SyncStatusQueued {
		prev = models.SyncStatusLocal
	}
	if err := s.store.SetSyncStatus(ctx, kind, id, prev, nil); err != nil {
		s.logger.Error("failed to release sync claim", "entity", kind, "id", id, "error", err)
	}
}

// afterTerminal starts the best-effort sync of a processed video when an
// endpoint with a site is registered. With a device shutdown pending the
// sync runs inline so it completes before power-off; otherwise it is queued.
// Failures are logged and never change the processing outcome.
func (s *Service) afterTerminal(ctx context.Context, videoID uuid.UUID) {
	log := s.logger.With("video_id", videoID)

	cb, err := s.store.GetCallbackURL(ctx)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !cb.HasSite()) {
		log.Debug("no remote site registered, skipping sync")
		return
	}
	if err != nil {
		log.Error("loading remote endpoint failed", "error", err)
		return
	}

	req := SyncRequest{File: s.cfg.SyncFile, Image: s.cfg.SyncImage}
	if s.device.Enabled() {
		err := s.syncer.Sync(ctx, models.KindVideo, videoID, remote.Options{File: req.File, Image: req.Image})
		if err != nil {
			log.Warn("sync after processing failed", "error", err)
			return
		}
		log.Info("video synced after processing")
		return
	}

	if _, err := s.SyncWorkItem(ctx, models.KindVideo, videoID, req); err != nil {
		log.Warn("queueing sync after processing failed", "error", err)
	}
}
