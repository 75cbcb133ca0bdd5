package handler

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/riverstation/stationd/internal/api/response"
	"github.com/riverstation/stationd/internal/remote"
	"github.com/riverstation/stationd/pkg/models"
)

// Authenticator exchanges credentials for tokens. *remote.Client satisfies it.
type Authenticator interface {
	Login(ctx context.Context, baseURL, email, password string, budget time.Duration) (*remote.Tokens, error)
}

// CallbackStore persists the registered endpoint. store.Store satisfies it.
type CallbackStore interface {
	GetCallbackURL(ctx context.Context) (*models.CallbackURL, error)
	SaveCallbackURL(ctx context.Context, cb *models.CallbackURL) error
}

type callbackRequest struct {
	URL              string `json:"url"`
	Site             *int64 `json:"site"`
	Email            string `json:"email"`
	Password         string `json:"password"`
	RetryTimeoutSecs int    `json:"retry_timeout_secs"`
}

func (req callbackRequest) validate() string {
	u, err := url.Parse(req.URL)
	switch {
	case err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "":
		return "url must be an absolute http(s) URL"
	case req.Site != nil && *req.Site <= 0:
		return "site must be a positive integer"
	case strings.TrimSpace(req.Email) == "" || req.Password == "":
		return "email and password are required"
	case req.RetryTimeoutSecs < 0:
		return "retry_timeout_secs must not be negative"
	}
	return ""
}

// NewRegisterCallbackHandler returns POST /api/v1/admin/callback-url. It logs
// in to the remote server and replaces the registered endpoint only when the
// login succeeds. The password is never stored.
func NewRegisterCallbackHandler(auth Authenticator, s CallbackStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req callbackRequest
		if err := response.Decode(r, &req); err != nil {
			invalid(w, "Invalid JSON body")
			return
		}
		if msg := req.validate(); msg != "" {
			invalid(w, msg)
			return
		}

		base := strings.TrimRight(req.URL, "/")
		budget := time.Duration(req.RetryTimeoutSecs) * time.Second
		tokens, err := auth.Login(r.Context(), base, req.Email, req.Password, budget)
		if err != nil {
			var rejected *remote.RejectedError
			if errors.As(err, &rejected) && (rejected.StatusCode == http.StatusUnauthorized || rejected.StatusCode == http.StatusBadRequest) {
				response.Error(w, http.StatusUnprocessableEntity, "REMOTE_LOGIN_FAILED",
					"Remote server refused the credentials", nil)
				return
			}
			writeError(w, r, err)
			return
		}

		cb := &models.CallbackURL{
			URL:             base,
			RemoteSiteID:    req.Site,
			TokenAccess:     tokens.Access,
			TokenRefresh:    tokens.Refresh,
			TokenExpiration: tokens.Expiration,
			RetryTimeout:    budget,
		}
		if existing, err := s.GetCallbackURL(r.Context()); err == nil {
			cb.ID, cb.CreatedAt = existing.ID, existing.CreatedAt
		}
		if err := s.SaveCallbackURL(r.Context(), cb); err != nil {
			writeError(w, r, err)
			return
		}
		response.Created(w, cb)
	}
}

// NewGetCallbackHandler returns GET /api/v1/admin/callback-url. Tokens are
// not part of the response.
func NewGetCallbackHandler(s CallbackStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cb, err := s.GetCallbackURL(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, cb)
	}
}
