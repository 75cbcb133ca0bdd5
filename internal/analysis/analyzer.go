// Package analysis runs the external video analysis that turns a video into
// a water level and discharge estimate.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrTimeout  = errors.New("analysis timed out")
	ErrNoResult = errors.New("analysis produced no result")
)

// ProcessingError is returned when the analysis exits with a non-zero status.
type ProcessingError struct {
	ExitCode int
	Stderr   string
}

func (e *ProcessingError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("analysis exited with status %d", e.ExitCode)
	}
	return fmt.Sprintf("analysis exited with status %d: %s", e.ExitCode, e.Stderr)
}

// Request is everything one analysis run needs. WaterLevel is nil when the
// level is estimated optically from CrossSectionWL.
type Request struct {
	JobID          string
	VideoFile      string
	Recipe         json.RawMessage
	CameraConfig   json.RawMessage
	CrossSection   json.RawMessage
	CrossSectionWL json.RawMessage
	WaterLevel     *float64
}

// Result is the discharge estimate of a run. Image is the path of the result
// image, empty if none was rendered.
type Result struct {
	H                   *float64 `json:"h"`
	Q05                 *float64 `json:"q_05"`
	Q25                 *float64 `json:"q_25"`
	Q50                 *float64 `json:"q_50"`
	Q75                 *float64 `json:"q_75"`
	Q95                 *float64 `json:"q_95"`
	WettedSurface       *float64 `json:"wetted_surface"`
	WettedPerimeter     *float64 `json:"wetted_perimeter"`
	FractionVelocimetry *float64 `json:"fraction_velocimetry"`
	Image               string   `json:"image"`
}

// Analyzer runs one analysis. Implementations block until it finishes.
type Analyzer interface {
	Run(ctx context.Context, req Request) (*Result, error)
}
