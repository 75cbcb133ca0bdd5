package models

import (
	"time"

	"github.com/google/uuid"
)

// Video is a captured video tracked through processing and synchronization.
type Video struct {
	ID            uuid.UUID   `db:"id"              json:"id"`
	Timestamp     time.Time   `db:"timestamp"       json:"timestamp"`
	File          string      `db:"file"            json:"file"`
	Image         string      `db:"image"           json:"image,omitempty"`
	Thumbnail     string      `db:"thumbnail"       json:"thumbnail,omitempty"`
	Status        VideoStatus `db:"status"          json:"status"`
	ErrorMessage  *string     `db:"error_message"   json:"error_message,omitempty"`
	VideoConfigID *uuid.UUID  `db:"video_config_id" json:"video_config_id,omitempty"`
	TimeSeriesID  *uuid.UUID  `db:"time_series_id"  json:"time_series_id,omitempty"`
	CreatedAt     time.Time   `db:"created_at"      json:"created_at"`
	UpdatedAt     time.Time   `db:"updated_at"      json:"updated_at"`
	RemoteModel
}

// TimeSeries is a water level record, optionally enriched with the discharge
// results of the video it is linked to.
type TimeSeries struct {
	ID                  uuid.UUID `db:"id"                   json:"id"`
	Timestamp           time.Time `db:"timestamp"            json:"timestamp"`
	H                   *float64  `db:"h"                    json:"h,omitempty"`
	Q05                 *float64  `db:"q_05"                 json:"q_05,omitempty"`
	Q25                 *float64  `db:"q_25"                 json:"q_25,omitempty"`
	Q50                 *float64  `db:"q_50"                 json:"q_50,omitempty"`
	Q75                 *float64  `db:"q_75"                 json:"q_75,omitempty"`
	Q95                 *float64  `db:"q_95"                 json:"q_95,omitempty"`
	WettedSurface       *float64  `db:"wetted_surface"       json:"wetted_surface,omitempty"`
	WettedPerimeter     *float64  `db:"wetted_perimeter"     json:"wetted_perimeter,omitempty"`
	FractionVelocimetry *float64  `db:"fraction_velocimetry" json:"fraction_velocimetry,omitempty"`
	CreatedAt           time.Time `db:"created_at"           json:"created_at"`
	UpdatedAt           time.Time `db:"updated_at"           json:"updated_at"`
	RemoteModel
}

// CallbackURL is the single registered remote endpoint and its credentials.
type CallbackURL struct {
	ID              uuid.UUID     `db:"id"               json:"id"`
	URL             string        `db:"url"              json:"url"`
	RemoteSiteID    *int64        `db:"remote_site_id"   json:"remote_site_id,omitempty"`
	TokenAccess     string        `db:"token_access"     json:"-"`
	TokenRefresh    string        `db:"token_refresh"    json:"-"`
	TokenExpiration time.Time     `db:"token_expiration" json:"token_expiration"`
	RetryTimeout    time.Duration `db:"retry_timeout"    json:"retry_timeout"`
	CreatedAt       time.Time     `db:"created_at"       json:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at"       json:"updated_at"`
}

// HasSite reports whether automatic synchronization is possible.
func (c *CallbackURL) HasSite() bool {
	return c != nil && c.URL != "" && c.RemoteSiteID != nil
}
