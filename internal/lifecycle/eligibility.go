package lifecycle

import (
	"fmt"

	"github.com/riverstation/stationd/pkg/models"
)

// LevelSource describes where the reference water level of a run comes from.
type LevelSource string

const (
	LevelFixed      LevelSource = "fixed"
	LevelTimeSeries LevelSource = "time_series"
	LevelOptical    LevelSource = "optical"
)

// WaterLevel is the resolved reference water level for a run. Value is nil
// when the level is to be estimated optically by the analysis.
type WaterLevel struct {
	Source LevelSource
	Value  *float64
}

// ResolveWaterLevel is the eligibility gate. It returns the water level a run
// would use, or a human readable reason why the video may not run.
// ts may be nil when the video has no linked time series.
func ResolveWaterLevel(v *models.Video, cfg *models.VideoConfig, ts *models.TimeSeries) (WaterLevel, string) {
	if InFlight(v.Status) {
		return WaterLevel{}, fmt.Sprintf("video is already %s", v.Status)
	}
	if cfg == nil {
		return WaterLevel{}, "video has no video config"
	}

	if cfg.SampleVideoID != nil && *cfg.SampleVideoID == v.ID && cfg.ReferenceWaterLevel != nil {
		return WaterLevel{Source: LevelFixed, Value: cfg.ReferenceWaterLevel}, ""
	}
	if ts != nil && ts.H != nil {
		return WaterLevel{Source: LevelTimeSeries, Value: ts.H}, ""
	}
	if cfg.CrossSectionWLID != nil {
		return WaterLevel{Source: LevelOptical}, ""
	}

	if ts == nil {
		return WaterLevel{}, "no water level found and video config has no cross section for optical water level estimation"
	}
	return WaterLevel{}, "linked time series has no water level value and video config has no cross section for optical water level estimation"
}
