package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/riverstation/stationd/internal/api/response"
	"github.com/riverstation/stationd/internal/store"
	"github.com/riverstation/stationd/pkg/models"
)

// ConfigStore persists processing configuration. store.Store satisfies it.
type ConfigStore interface {
	CreateRecipe(ctx context.Context, r *models.Recipe) error
	GetRecipe(ctx context.Context, id uuid.UUID) (*models.Recipe, error)
	UpdateRecipe(ctx context.Context, r *models.Recipe) error
	CreateCrossSection(ctx context.Context, cs *models.CrossSection) error
	GetCrossSection(ctx context.Context, id uuid.UUID) (*models.CrossSection, error)
	CreateCameraConfig(ctx context.Context, cc *models.CameraConfig) error
	GetCameraConfig(ctx context.Context, id uuid.UUID) (*models.CameraConfig, error)
	CreateVideoConfig(ctx context.Context, vc *models.VideoConfig) error
	GetVideoConfig(ctx context.Context, id uuid.UUID) (*models.VideoConfig, error)
}

// namedDocument is the body shared by recipes, cross sections and camera configs.
type namedDocument struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

func decodeDocument(w http.ResponseWriter, r *http.Request) (namedDocument, bool) {
	var doc namedDocument
	if err := response.Decode(r, &doc); err != nil {
		invalid(w, "Invalid JSON body")
		return doc, false
	}
	if strings.TrimSpace(doc.Name) == "" {
		invalid(w, "name is required")
		return doc, false
	}
	if len(doc.Data) == 0 || !json.Valid(doc.Data) {
		invalid(w, "data must be a JSON document")
		return doc, false
	}
	return doc, true
}

// NewCreateRecipeHandler returns POST /api/v1/recipes.
func NewCreateRecipeHandler(s ConfigStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, ok := decodeDocument(w, r)
		if !ok {
			return
		}
		rec := &models.Recipe{ID: uuid.New(), Name: doc.Name, Data: doc.Data}
		if err := s.CreateRecipe(r.Context(), rec); err != nil {
			writeError(w, r, err)
			return
		}
		respondCreated(w, r, rec.ID, s.GetRecipe)
	}
}

// NewUpdateRecipeHandler returns PUT /api/v1/recipes/{id}. A synced recipe
// becomes updated and is pushed again by its next sync.
func NewUpdateRecipeHandler(s ConfigStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		doc, ok := decodeDocument(w, r)
		if !ok {
			return
		}
		rec, err := s.GetRecipe(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rec.Name, rec.Data = doc.Name, doc.Data
		if err := s.UpdateRecipe(r.Context(), rec); err != nil {
			writeError(w, r, err)
			return
		}
		respondOK(w, r, id, s.GetRecipe)
	}
}

// NewCreateCrossSectionHandler returns POST /api/v1/cross-sections. The data
// document is stored as the cross section's features.
func NewCreateCrossSectionHandler(s ConfigStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, ok := decodeDocument(w, r)
		if !ok {
			return
		}
		cs := &models.CrossSection{ID: uuid.New(), Name: doc.Name, Features: doc.Data}
		if err := s.CreateCrossSection(r.Context(), cs); err != nil {
			writeError(w, r, err)
			return
		}
		respondCreated(w, r, cs.ID, s.GetCrossSection)
	}
}

// NewCreateCameraConfigHandler returns POST /api/v1/camera-configs.
func NewCreateCameraConfigHandler(s ConfigStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, ok := decodeDocument(w, r)
		if !ok {
			return
		}
		cc := &models.CameraConfig{ID: uuid.New(), Name: doc.Name, Data: doc.Data}
		if err := s.CreateCameraConfig(r.Context(), cc); err != nil {
			writeError(w, r, err)
			return
		}
		respondCreated(w, r, cc.ID, s.GetCameraConfig)
	}
}

type videoConfigRequest struct {
	Name                string     `json:"name"`
	CameraConfigID      uuid.UUID  `json:"camera_config_id"`
	RecipeID            uuid.UUID  `json:"recipe_id"`
	CrossSectionID      *uuid.UUID `json:"cross_section_id"`
	CrossSectionWLID    *uuid.UUID `json:"cross_section_wl_id"`
	SampleVideoID       *uuid.UUID `json:"sample_video_id"`
	ReferenceWaterLevel *float64   `json:"reference_water_level"`
}

// reference is an id a video config points at.
type reference struct {
	field  string
	exists func() error
}

// NewCreateVideoConfigHandler returns POST /api/v1/video-configs. Every
// referenced entity must exist.
func NewCreateVideoConfigHandler(s ConfigStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req videoConfigRequest
		if err := response.Decode(r, &req); err != nil {
			invalid(w, "Invalid JSON body")
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			invalid(w, "name is required")
			return
		}

		ctx := r.Context()
		refs := []reference{
			{"camera_config_id", func() error { _, err := s.GetCameraConfig(ctx, req.CameraConfigID); return err }},
			{"recipe_id", func() error { _, err := s.GetRecipe(ctx, req.RecipeID); return err }},
		}
		if id := req.CrossSectionID; id != nil {
			refs = append(refs, reference{"cross_section_id", func() error { _, err := s.GetCrossSection(ctx, *id); return err }})
		}
		if id := req.CrossSectionWLID; id != nil {
			refs = append(refs, reference{"cross_section_wl_id", func() error { _, err := s.GetCrossSection(ctx, *id); return err }})
		}
		for _, ref := range refs {
			if err := ref.exists(); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					response.Error(w, http.StatusUnprocessableEntity, "UNKNOWN_REFERENCE",
						ref.field+" does not exist", nil)
					return
				}
				writeError(w, r, err)
				return
			}
		}

		vc := &models.VideoConfig{
			ID:                  uuid.New(),
			Name:                req.Name,
			CameraConfigID:      req.CameraConfigID,
			RecipeID:            req.RecipeID,
			CrossSectionID:      req.CrossSectionID,
			CrossSectionWLID:    req.CrossSectionWLID,
			SampleVideoID:       req.SampleVideoID,
			ReferenceWaterLevel: req.ReferenceWaterLevel,
		}
		if err := s.CreateVideoConfig(ctx, vc); err != nil {
			writeError(w, r, err)
			return
		}
		respondCreated(w, r, vc.ID, s.GetVideoConfig)
	}
}

// NewGetHandler returns a handler reading one entity by its {id} path parameter.
func NewGetHandler[T any](get func(ctx context.Context, id uuid.UUID) (*T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		respondOK(w, r, id, get)
	}
}

func respondCreated[T any](w http.ResponseWriter, r *http.Request, id uuid.UUID, get func(context.Context, uuid.UUID) (*T, error)) {
	v, err := get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Created(w, v)
}

func respondOK[T any](w http.ResponseWriter, r *http.Request, id uuid.UUID, get func(context.Context, uuid.UUID) (*T, error)) {
	v, err := get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, v)
}
