package jobs

import (
	"context"
	"fmt"

	"github.com/riverstation/stationd/internal/store"
	"github.com/riverstation/stationd/pkg/models"
)

const interruptedMessage = "interrupted by restart"

// ReconcileReport counts what Reconcile did.
type ReconcileReport struct {
	Requeued    int
	Interrupted int
	// Released counts entities other than videos whose sync claim was dropped.
	Released int
	Resynced int
}

// syncedKinds are the entity kinds released without a new sync. They are
// pushed again by an explicit request or as a dependency of a video sync.
var syncedKinds = []models.EntityKind{
	models.KindRecipe,
	models.KindCrossSection,
	models.KindVideoConfig,
	models.KindTimeSeries,
}

// Reconcile restores the executor queue after a restart and must run before
// requests are served. Videos left QUEUED are submitted again. Videos left
// PROCESSING are moved to ERROR and are not run again without an explicit
// re-run. Every entity left sync QUEUED has its claim released; videos among
// them are then submitted for sync again.
func (s *Service) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	processing, err := s.store.ListVideos(ctx, store.VideoFilter{Status: models.VideoStatusProcessing})
	if err != nil {
		return report, fmt.Errorf("list processing videos: %w", err)
	}
	for _, v := range processing {
		if _, err := s.store.UpdateVideoStatus(ctx, v.ID, models.VideoStatusError,
			store.WithErrorMessage(interruptedMessage)); err != nil {
			s.logger.Error("failed to mark interrupted video", "video_id", v.ID, "error", err)
			continue
		}
		report.Interrupted++
	}

	queued, err := s.store.ListVideos(ctx, store.VideoFilter{Status: models.VideoStatusQueued})
	if err != nil {
		return report, fmt.Errorf("list queued videos: %w", err)
	}
	for _, v := range queued {
		if _, err := s.enqueueProcess(ctx, v); err != nil {
			s.logger.Error("failed to requeue video", "video_id", v.ID, "error", err)
			continue
		}
		report.Requeued++
	}

	for _, kind := range syncedKinds {
		ids, err := s.store.ReleaseSyncClaims(ctx, kind)
		if err != nil {
			return report, fmt.Errorf("release %s sync claims: %w", kind, err)
		}
		report.Released += len(ids)
	}

	syncing, err := s.store.ReleaseSyncClaims(ctx, models.KindVideo)
	if err != nil {
		return report, fmt.Errorf("release video sync claims: %w", err)
	}
	req := SyncRequest{File: s.cfg.SyncFile, Image: s.cfg.SyncImage}
	for _, id := range syncing {
		if _, err := s.SyncWorkItem(ctx, models.KindVideo, id, req); err != nil {
			s.logger.Error("failed to resubmit sync", "video_id", id, "error", err)
			continue
		}
		report.Resynced++
	}

	s.logger.Info("startup reconciliation finished",
		"requeued", report.Requeued,
		"interrupted", report.Interrupted,
		"released", report.Released,
		"resynced", report.Resynced,
	)
	return report, nil
}
