package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	mw "github.com/riverstation/stationd/internal/api/middleware"
	"github.com/riverstation/stationd/internal/api/response"
	"github.com/riverstation/stationd/pkg/models"
)

// KeyAdmin manages API keys. store.Store satisfies it.
type KeyAdmin interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

var validScopes = map[string]bool{"read": true, "write": true, "admin": true}

type createKeyRequest struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

type createKeyResponse struct {
	*models.APIKey
	// Key is the raw key. It is returned once and never stored.
	Key string `json:"key"`
}

// NewCreateKeyHandler returns POST /api/v1/admin/keys.
func NewCreateKeyHandler(s KeyAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createKeyRequest
		if err := response.Decode(r, &req); err != nil {
			invalid(w, "Invalid JSON body")
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			invalid(w, "name is required")
			return
		}
		if len(req.Scopes) == 0 {
			req.Scopes = []string{"read"}
		}
		for _, sc := range req.Scopes {
			if !validScopes[sc] {
				invalid(w, "scopes must be drawn from read, write, admin")
				return
			}
		}

		key, raw, err := NewAPIKey(req.Name, req.Scopes)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := s.CreateAPIKey(r.Context(), key); err != nil {
			writeError(w, r, err)
			return
		}
		response.Created(w, createKeyResponse{APIKey: key, Key: raw})
	}
}

// NewListKeysHandler returns GET /api/v1/admin/keys.
func NewListKeysHandler(s KeyAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys, err := s.ListAPIKeys(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		if keys == nil {
			keys = []*models.APIKey{}
		}
		response.Collection(w, keys, response.ListMeta{Count: len(keys)})
	}
}

// NewRevokeKeyHandler returns DELETE /api/v1/admin/keys/{keyID}. A key
// cannot revoke itself.
func NewRevokeKeyHandler(s KeyAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "keyID")
		if !ok {
			return
		}
		if self, ok := mw.GetAPIKeyID(r); ok && self == id {
			invalid(w, "an API key cannot revoke itself")
			return
		}
		if err := s.RevokeAPIKey(r.Context(), id); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// NewAPIKey builds a key record with a freshly generated raw key.
func NewAPIKey(name string, scopes []string) (*models.APIKey, string, error) {
	raw, err := mw.GenerateKey()
	if err != nil {
		return nil, "", err
	}
	return KeyFromRaw(name, raw, scopes)
}

// KeyFromRaw builds a key record for a raw key chosen by the operator.
func KeyFromRaw(name, raw string, scopes []string) (*models.APIKey, string, error) {
	prefix, hash, err := mw.HashKey(raw)
	if err != nil {
		return nil, "", err
	}
	now := time.Now().UTC()
	return &models.APIKey{
		ID:        uuid.New(),
		Name:      name,
		KeyHash:   hash,
		KeyPrefix: prefix,
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, raw, nil
}
