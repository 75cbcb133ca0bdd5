package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Recipe holds the analysis recipe passed verbatim to the analysis subprocess.
type Recipe struct {
	ID        uuid.UUID       `db:"id"         json:"id"`
	Name      string          `db:"name"       json:"name"`
	Data      json.RawMessage `db:"data"       json:"data"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
	RemoteModel
}

// CrossSection is a surveyed river geometry profile.
type CrossSection struct {
	ID        uuid.UUID       `db:"id"         json:"id"`
	Name      string          `db:"name"       json:"name"`
	Features  json.RawMessage `db:"features"   json:"features"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
	RemoteModel
}

// CameraConfig is the camera model (intrinsics, ground control points, bounding box).
// It is not synced on its own; its body travels inside the VideoConfig payload.
type CameraConfig struct {
	ID        uuid.UUID       `db:"id"         json:"id"`
	Name      string          `db:"name"       json:"name"`
	Data      json.RawMessage `db:"data"       json:"data"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// VideoConfig is the processing configuration of a video: camera model, recipe and geometry.
//
// SampleVideoID marks the calibration video of this configuration. When the sample
// video is processed, ReferenceWaterLevel is the water level used for it.
// CrossSectionWLID, when set, is the geometry used to estimate the water level
// optically from the video itself.
type VideoConfig struct {
	ID                  uuid.UUID  `db:"id"                    json:"id"`
	Name                string     `db:"name"                  json:"name"`
	CameraConfigID      uuid.UUID  `db:"camera_config_id"      json:"camera_config_id"`
	RecipeID            uuid.UUID  `db:"recipe_id"             json:"recipe_id"`
	CrossSectionID      *uuid.UUID `db:"cross_section_id"      json:"cross_section_id,omitempty"`
	CrossSectionWLID    *uuid.UUID `db:"cross_section_wl_id"   json:"cross_section_wl_id,omitempty"`
	SampleVideoID       *uuid.UUID `db:"sample_video_id"       json:"sample_video_id,omitempty"`
	ReferenceWaterLevel *float64   `db:"reference_water_level" json:"reference_water_level,omitempty"`
	CreatedAt           time.Time  `db:"created_at"            json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"            json:"updated_at"`
	RemoteModel
}
