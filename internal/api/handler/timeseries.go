package handler

import (
	"net/http"
	"time"

	"github.com/riverstation/stationd/internal/api/response"
	"github.com/riverstation/stationd/pkg/models"
)

type ingestTimeSeriesRequest struct {
	Timestamp time.Time `json:"timestamp"`
	H         *float64  `json:"h"`
}

type ingestTimeSeriesResponse struct {
	TimeSeries *models.TimeSeries `json:"time_series"`
	// LinkedVideo is the video the new water level was attached to, if any.
	LinkedVideo *models.Video `json:"linked_video,omitempty"`
}

// NewIngestTimeSeriesHandler returns POST /api/v1/timeseries.
func NewIngestTimeSeriesHandler(ing Ingester) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ingestTimeSeriesRequest
		if err := response.Decode(r, &req); err != nil {
			invalid(w, "Invalid JSON body")
			return
		}
		if req.Timestamp.IsZero() {
			invalid(w, "timestamp is required")
			return
		}

		ts, linked, err := ing.IngestTimeSeries(r.Context(), &models.TimeSeries{
			Timestamp: req.Timestamp.UTC(),
			H:         req.H,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Created(w, ingestTimeSeriesResponse{TimeSeries: ts, LinkedVideo: linked})
	}
}
