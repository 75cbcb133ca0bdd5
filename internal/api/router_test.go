package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/riverstation/stationd/internal/api"
	"github.com/riverstation/stationd/internal/api/handler"
	mw "github.com/riverstation/stationd/internal/api/middleware"
	"github.com/riverstation/stationd/internal/cache"
	"github.com/riverstation/stationd/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- helpers ---

func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// newTestRouter registers one key per scope set and returns the raw keys by name.
func newTestRouter(t *testing.T) (http.Handler, map[string]string) {
	t.Helper()
	st := store.NewMemoryStore()
	raw := map[string]string{}
	for name, scopes := range map[string][]string{
		"reader": {"read"},
		"writer": {"read", "write"},
		"admin":  {"read", "write", "admin"},
	} {
		key, secret, err := handler.NewAPIKey(name, scopes)
		require.NoError(t, err)
		require.NoError(t, st.CreateAPIKey(context.Background(), key))
		raw[name] = secret
	}

	router := api.NewRouter(api.Dependencies{
		Auth:            mw.NewAuth(st),
		RateLimit:       mw.NewRateLimit(cache.NewMemoryCache(), 60),
		HealthHandler:   okHandler,
		MetricsHandler:  promhttp.Handler(),
		ListVideos:      okHandler,
		IngestVideo:     okHandler,
		ListKeysHandler: okHandler,
	})
	return router, raw
}

func do(router http.Handler, method, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)["code"].(string)
}

// --- router tests ---

func TestRouter_HealthEndpoint_Public(t *testing.T) {
	router, _ := newTestRouter(t)
	w := do(router, "GET", "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_Metrics_Public(t *testing.T) {
	router, _ := newTestRouter(t)
	w := do(router, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestRouter_ProtectedEndpoints_RequireAuth(t *testing.T) {
	router, _ := newTestRouter(t)

	endpoints := []struct {
		method string
		path   string
	}{
		{"GET", "/api/v1/videos"},
		{"POST", "/api/v1/videos"},
		{"POST", "/api/v1/videos/0b7c4a9e-8f0e-4a53-9d0f-6c1f1b1e2a3d/run"},
		{"POST", "/api/v1/sync/recipe/0b7c4a9e-8f0e-4a53-9d0f-6c1f1b1e2a3d"},
		{"POST", "/api/v1/timeseries"},
		{"GET", "/api/v1/jobs/0b7c4a9e-8f0e-4a53-9d0f-6c1f1b1e2a3d"},
		{"POST", "/api/v1/admin/keys"},
		{"GET", "/api/v1/admin/callback-url"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			w := do(router, ep.method, ep.path, "")
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, "INVALID_TOKEN", errCode(t, w))
		})
	}
}

func TestRouter_Scopes(t *testing.T) {
	router, keys := newTestRouter(t)

	tests := []struct {
		name   string
		key    string
		method string
		path   string
		want   int
	}{
		{"reader lists videos", "reader", "GET", "/api/v1/videos", http.StatusOK},
		{"reader cannot ingest", "reader", "POST", "/api/v1/videos", http.StatusForbidden},
		{"writer ingests", "writer", "POST", "/api/v1/videos", http.StatusOK},
		{"writer is not admin", "writer", "GET", "/api/v1/admin/keys", http.StatusForbidden},
		{"admin lists keys", "admin", "GET", "/api/v1/admin/keys", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(router, tt.method, tt.path, keys[tt.key])
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestRouter_RateLimitHeaders(t *testing.T) {
	router, keys := newTestRouter(t)
	w := do(router, "GET", "/api/v1/videos", keys["reader"])
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
}

func TestRouter_UnwiredEndpoint_NotImplemented(t *testing.T) {
	router, keys := newTestRouter(t)
	w := do(router, "POST", "/api/v1/recipes", keys["writer"])
	assert.Equal(t, http.StatusNotImplemented, w.Code)
	assert.Equal(t, "NOT_IMPLEMENTED", errCode(t, w))
}

func TestRouter_NotFound(t *testing.T) {
	router, _ := newTestRouter(t)
	w := do(router, "GET", "/api/v1/nonexistent", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
