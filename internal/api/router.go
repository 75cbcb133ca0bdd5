package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/riverstation/stationd/internal/api/middleware"
	"github.com/riverstation/stationd/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	IngestVideo http.HandlerFunc
	ListVideos  http.HandlerFunc
	GetVideo    http.HandlerFunc
	RunVideo    http.HandlerFunc
	RerunVideo  http.HandlerFunc
	SyncVideo   http.HandlerFunc
	SyncEntity  http.HandlerFunc
	IngestLevel http.HandlerFunc
	JobStatus   http.HandlerFunc

	CreateRecipe       http.HandlerFunc
	GetRecipe          http.HandlerFunc
	UpdateRecipe       http.HandlerFunc
	CreateCrossSection http.HandlerFunc
	GetCrossSection    http.HandlerFunc
	CreateCameraConfig http.HandlerFunc
	GetCameraConfig    http.HandlerFunc
	CreateVideoConfig  http.HandlerFunc
	GetVideoConfig     http.HandlerFunc

	RegisterCallback http.HandlerFunc
	GetCallback      http.HandlerFunc
	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Get("/api/v1/videos", orNotImplemented(deps.ListVideos))
		r.Get("/api/v1/videos/{videoID}", orNotImplemented(deps.GetVideo))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.JobStatus))
		r.Get("/api/v1/recipes/{id}", orNotImplemented(deps.GetRecipe))
		r.Get("/api/v1/cross-sections/{id}", orNotImplemented(deps.GetCrossSection))
		r.Get("/api/v1/camera-configs/{id}", orNotImplemented(deps.GetCameraConfig))
		r.Get("/api/v1/video-configs/{id}", orNotImplemented(deps.GetVideoConfig))

		// Mutating routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("write"))

			r.Post("/api/v1/videos", orNotImplemented(deps.IngestVideo))
			r.Post("/api/v1/videos/{videoID}/run", orNotImplemented(deps.RunVideo))
			r.Post("/api/v1/videos/{videoID}/rerun", orNotImplemented(deps.RerunVideo))
			r.Post("/api/v1/videos/{videoID}/sync", orNotImplemented(deps.SyncVideo))
			r.Post("/api/v1/sync/{kind}/{id}", orNotImplemented(deps.SyncEntity))
			r.Post("/api/v1/timeseries", orNotImplemented(deps.IngestLevel))

			r.Post("/api/v1/recipes", orNotImplemented(deps.CreateRecipe))
			r.Put("/api/v1/recipes/{id}", orNotImplemented(deps.UpdateRecipe))
			r.Post("/api/v1/cross-sections", orNotImplemented(deps.CreateCrossSection))
			r.Post("/api/v1/camera-configs", orNotImplemented(deps.CreateCameraConfig))
			r.Post("/api/v1/video-configs", orNotImplemented(deps.CreateVideoConfig))
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/v1/admin/callback-url", orNotImplemented(deps.RegisterCallback))
			r.Get("/api/v1/admin/callback-url", orNotImplemented(deps.GetCallback))
			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
