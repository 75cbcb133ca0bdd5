// Package lifecycle holds the legal state transitions of videos and of
// remote-synced entities, and the eligibility gate for processing.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/riverstation/stationd/pkg/models"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// TransitionError reports a rejected transition. It matches ErrInvalidTransition.
type TransitionError struct {
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

var videoTransitions = map[models.VideoStatus][]models.VideoStatus{
	models.VideoStatusNew:        {models.VideoStatusQueued},
	models.VideoStatusQueued:     {models.VideoStatusProcessing, models.VideoStatusError},
	models.VideoStatusProcessing: {models.VideoStatusDone, models.VideoStatusError},
}

// rerunFrom lists the terminal states an explicit re-run may send back to queued.
var rerunFrom = map[models.VideoStatus]bool{
	models.VideoStatusDone:  true,
	models.VideoStatusError: true,
}

// CheckVideoTransition validates a video status change. Re-entry into queued
// from a terminal state is only legal when rerun is set.
func CheckVideoTransition(from, to models.VideoStatus, rerun bool) error {
	if rerun && to == models.VideoStatusQueued && rerunFrom[from] {
		return nil
	}
	for _, allowed := range videoTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return &TransitionError{From: string(from), To: string(to)}
}

// InFlight reports whether a video is waiting in or running on the executor.
func InFlight(status models.VideoStatus) bool {
	return status == models.VideoStatusQueued || status == models.VideoStatusProcessing
}

var syncTransitions = map[models.SyncStatus][]models.SyncStatus{
	models.SyncStatusLocal:   {models.SyncStatusQueued},
	models.SyncStatusQueued:  {models.SyncStatusSynced, models.SyncStatusFailed, models.SyncStatusLocal, models.SyncStatusUpdated},
	models.SyncStatusSynced:  {models.SyncStatusQueued, models.SyncStatusUpdated},
	models.SyncStatusUpdated: {models.SyncStatusQueued},
	models.SyncStatusFailed:  {models.SyncStatusQueued},
}

// CheckSyncTransition validates a sync status change. Queued may fall back to
// local or updated when a sync is abandoned before any request reached the
// remote server.
func CheckSyncTransition(from, to models.SyncStatus) error {
	for _, allowed := range syncTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return &TransitionError{From: string(from), To: string(to)}
}

// AfterLocalEdit is the sync status an entity takes when its local fields
// change. A queued entity stays queued; stores remember the edit and settle
// the sync outcome with SettleSync.
func AfterLocalEdit(current models.SyncStatus) models.SyncStatus {
	if current == models.SyncStatusSynced {
		return models.SyncStatusUpdated
	}
	return current
}

// SettleSync is the status recorded when a sync finishes. A sync that sent
// fields edited after its claim leaves the entity updated, not synced.
func SettleSync(outcome models.SyncStatus, editedSinceClaim bool) models.SyncStatus {
	if editedSinceClaim && outcome == models.SyncStatusSynced {
		return models.SyncStatusUpdated
	}
	return outcome
}

// Released is the status of an entity whose sync claim is abandoned without
// knowing what it was before.
func Released(rm models.RemoteModel) models.SyncStatus {
	if rm.RemoteID != nil {
		return models.SyncStatusUpdated
	}
	return models.SyncStatusLocal
}
