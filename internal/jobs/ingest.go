package jobs

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/riverstation/stationd/internal/store"
	"github.com/riverstation/stationd/pkg/models"
)

// IngestVideo stores a new video and links it to the nearest unclaimed water
// level within the allowed delta, unless it names a time series itself.
func (s *Service) IngestVideo(ctx context.Context, v *models.Video) (*models.Video, error) {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	v.Status = models.VideoStatusNew
	if err := s.store.CreateVideo(ctx, v); err != nil {
		return nil, err
	}
	log := s.logger.With("video_id", v.ID)

	if v.TimeSeriesID == nil {
		res, err := s.store.ClosestTimeSeries(ctx, v.Timestamp, s.cfg.AllowedDelta)
		if err != nil {
			log.Error("closest time series lookup failed", "error", err)
		} else if res.Found {
			s.link(ctx, v.ID, res.Record.ID)
		} else {
			log.Info("no water level within allowed delta", "timestamp", v.Timestamp)
		}
	}
	return s.store.GetVideo(ctx, v.ID)
}

// IngestTimeSeries stores a new water level and links it to the nearest
// video that has none yet. The linked video is returned, nil if none.
func (s *Service) IngestTimeSeries(ctx context.Context, ts *models.TimeSeries) (*models.TimeSeries, *models.Video, error) {
	if ts.ID == uuid.Nil {
		ts.ID = uuid.New()
	}
	if err := s.store.CreateTimeSeries(ctx, ts); err != nil {
		return nil, nil, err
	}

	var linked *models.Video
	res, err := s.store.ClosestUnlinkedVideo(ctx, ts.Timestamp, s.cfg.AllowedDelta)
	if err != nil {
		s.logger.Error("closest video lookup failed", "time_series_id", ts.ID, "error", err)
	} else if res.Found && s.link(ctx, res.Record.ID, ts.ID) {
		if linked, err = s.store.GetVideo(ctx, res.Record.ID); err != nil {
			return nil, nil, err
		}
	}

	saved, err := s.store.GetTimeSeries(ctx, ts.ID)
	if err != nil {
		return nil, nil, err
	}
	return saved, linked, nil
}

// link associates a video with a time series. A record claimed concurrently
// by another video is left alone.
func (s *Service) link(ctx context.Context, videoID, tsID uuid.UUID) bool {
	err := s.store.LinkVideoTimeSeries(ctx, videoID, tsID)
	if errors.Is(err, store.ErrDuplicateKey) {
		s.logger.Info("time series already linked to another video", "video_id", videoID, "time_series_id", tsID)
		return false
	}
	if err != nil {
		s.logger.Error("linking video to time series failed", "video_id", videoID, "time_series_id", tsID, "error", err)
		return false
	}
	s.logger.Info("video linked to time series", "video_id", videoID, "time_series_id", tsID)
	return true
}
