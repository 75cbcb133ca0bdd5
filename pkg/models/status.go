// Package models contains shared data models used across the station codebase.
package models

// VideoStatus is the processing state of a Video.
type VideoStatus string

const (
	VideoStatusNew        VideoStatus = "new"
	VideoStatusQueued     VideoStatus = "queued"
	VideoStatusProcessing VideoStatus = "processing"
	VideoStatusDone       VideoStatus = "done"
	VideoStatusError      VideoStatus = "error"
)

// SyncStatus is the synchronization state of an entity mirrored on the remote server.
type SyncStatus string

const (
	SyncStatusLocal   SyncStatus = "local"
	SyncStatusQueued  SyncStatus = "queued"
	SyncStatusUpdated SyncStatus = "updated"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusFailed  SyncStatus = "failed"
)

// EntityKind names a remote-synced entity type. The value doubles as the
// remote collection segment.
type EntityKind string

const (
	KindRecipe       EntityKind = "recipe"
	KindCrossSection EntityKind = "cross_section"
	KindVideoConfig  EntityKind = "video_config"
	KindTimeSeries   EntityKind = "timeseries"
	KindVideo        EntityKind = "video"
)

// RemoteModel is embedded in every entity that is pushed to the remote server.
type RemoteModel struct {
	RemoteID   *int64     `db:"remote_id"   json:"remote_id,omitempty"`
	SyncStatus SyncStatus `db:"sync_status" json:"sync_status"`
}

// IsSynced reports whether the entity is mirrored remotely and unchanged since.
func (r RemoteModel) IsSynced() bool {
	return r.SyncStatus == SyncStatusSynced && r.RemoteID != nil
}
