package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/riverstation/stationd/internal/metrics"
	"github.com/riverstation/stationd/internal/store"
	"github.com/riverstation/stationd/pkg/models"
)

const (
	tokenPath        = "/token/"
	tokenRefreshPath = "/token/refresh/"

	// expiryMargin refreshes a token slightly before it actually expires.
	expiryMargin = 10 * time.Second
	maxErrorBody = 4096
)

// TokenStore persists the single registered endpoint and its credentials.
type TokenStore interface {
	GetCallbackURL(ctx context.Context) (*models.CallbackURL, error)
	SaveTokens(ctx context.Context, access, refresh string, expiration time.Time) error
}

// Client talks to the remote server on behalf of the registered endpoint.
// It refreshes the access token before any call made with an expired one.
type Client struct {
	tokens        TokenStore
	http          *http.Client
	retryDelay    time.Duration
	retryBudget   time.Duration
	tokenLifetime time.Duration
	logger        *slog.Logger

	// mu serializes the read-check-refresh-write of the token.
	mu sync.Mutex
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithRetryDelay sets the pause between attempts after a connection failure.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *Client) { c.retryDelay = d }
}

// WithRetryBudget sets the budget used when neither the call nor the endpoint supplies one.
func WithRetryBudget(d time.Duration) ClientOption {
	return func(c *Client) { c.retryBudget = d }
}

// WithTokenLifetime sets the lifetime assumed for access tokens without an exp claim.
func WithTokenLifetime(d time.Duration) ClientOption {
	return func(c *Client) { c.tokenLifetime = d }
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a Client reading credentials from tokens.
func NewClient(tokens TokenStore, opts ...ClientOption) *Client {
	c := &Client{
		tokens:        tokens,
		http:          &http.Client{Timeout: 30 * time.Second},
		retryDelay:    5 * time.Second,
		retryBudget:   2 * time.Minute,
		tokenLifetime: 5 * time.Minute,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// File is an attachment of a request.
type File struct {
	Field string
	Path  string
}

// Request is one call to the remote API. Path is relative to the endpoint URL.
// Requests with files are sent as multipart forms, others as JSON.
type Request struct {
	Method string
	Path   string
	Fields map[string]any
	Files  []File
}

// Response is a 200 or 201 answer.
type Response struct {
	StatusCode int
	Body       []byte
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

// Endpoint returns the registered callback URL.
func (c *Client) Endpoint(ctx context.Context) (*models.CallbackURL, error) {
	cb, err := c.tokens.GetCallbackURL(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoEndpoint
	}
	if err != nil {
		return nil, fmt.Errorf("load endpoint: %w", err)
	}
	return cb, nil
}

// Budget returns the retry budget for a call. A positive override wins, then
// the endpoint's own retry timeout, then the client default.
func (c *Client) Budget(cb *models.CallbackURL, override time.Duration) time.Duration {
	switch {
	case override > 0:
		return override
	case cb != nil && cb.RetryTimeout > 0:
		return cb.RetryTimeout
	default:
		return c.retryBudget
	}
}

// Do sends req with a valid access token. Connection failures, including
// those of a token refresh, are retried within budget.
func (c *Client) Do(ctx context.Context, req Request, budget time.Duration) (*Response, error) {
	var resp *Response
	err := Retry(ctx, budget, c.retryDelay, func(ctx context.Context) error {
		cb, access, err := c.accessToken(ctx)
		if err != nil {
			return err
		}
		resp, err = c.send(ctx, cb.URL, req, access)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Tokens is an access/refresh pair issued by the remote server.
type Tokens struct {
	Access     string    `json:"access"`
	Refresh    string    `json:"refresh"`
	Expiration time.Time `json:"-"`
}

// Login exchanges credentials for a token pair. It does not persist anything.
func (c *Client) Login(ctx context.Context, baseURL, email, password string, budget time.Duration) (*Tokens, error) {
	var tokens Tokens
	err := Retry(ctx, c.Budget(nil, budget), c.retryDelay, func(ctx context.Context) error {
		resp, err := c.send(ctx, baseURL, Request{
			Method: http.MethodPost,
			Path:   tokenPath,
			Fields: map[string]any{"email": email, "password": password},
		}, "")
		if err != nil {
			return err
		}
		return resp.Decode(&tokens)
	})
	if err != nil {
		return nil, err
	}
	if tokens.Access == "" {
		return nil, fmt.Errorf("%w: token response has no access token", ErrMalformedResponse)
	}
	tokens.Expiration = c.expiryOf(tokens.Access)
	return &tokens, nil
}

// accessToken returns the endpoint and a usable access token, refreshing it
// first if it has expired. Concurrent callers wait for one refresh and then
// read the persisted result.
func (c *Client) accessToken(ctx context.Context) (*models.CallbackURL, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cb, err := c.Endpoint(ctx)
	if err != nil {
		return nil, "", err
	}
	if cb.TokenAccess != "" && time.Now().Add(expiryMargin).Before(cb.TokenExpiration) {
		return cb, cb.TokenAccess, nil
	}

	resp, err := c.send(ctx, cb.URL, Request{
		Method: http.MethodPost,
		Path:   tokenRefreshPath,
		Fields: map[string]any{"refresh": cb.TokenRefresh},
	}, "")
	if err != nil {
		metrics.TokenRefreshTotal.WithLabelValues(outcomeOf(err)).Inc()
		return nil, "", fmt.Errorf("refresh token: %w", err)
	}

	var tokens Tokens
	if err := resp.Decode(&tokens); err != nil || tokens.Access == "" {
		metrics.TokenRefreshTotal.WithLabelValues("error").Inc()
		return nil, "", fmt.Errorf("refresh token: %w", ErrMalformedResponse)
	}
	if tokens.Refresh == "" {
		tokens.Refresh = cb.TokenRefresh
	}
	tokens.Expiration = c.expiryOf(tokens.Access)

	if err := c.tokens.SaveTokens(ctx, tokens.Access, tokens.Refresh, tokens.Expiration); err != nil {
		metrics.TokenRefreshTotal.WithLabelValues("error").Inc()
		return nil, "", fmt.Errorf("persist refreshed token: %w", err)
	}
	metrics.TokenRefreshTotal.WithLabelValues("success").Inc()
	c.logger.Info("remote access token refreshed", "expires_at", tokens.Expiration)

	cb.TokenAccess = tokens.Access
	cb.TokenRefresh = tokens.Refresh
	cb.TokenExpiration = tokens.Expiration
	return cb, tokens.Access, nil
}

// expiryOf reads the exp claim of an access token. The signature is not
// checked; the station only needs to know when to refresh.
func (c *Client) expiryOf(access string) time.Time {
	token, _, err := jwt.NewParser().ParseUnverified(access, jwt.MapClaims{})
	if err == nil {
		if exp, err := token.Claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return time.Now().Add(c.tokenLifetime)
}

func (c *Client) send(ctx context.Context, baseURL string, req Request, access string) (*Response, error) {
	u := strings.TrimRight(baseURL, "/") + req.Path

	body, contentType, err := encodeBody(req)
	if err != nil {
		return nil, fmt.Errorf("building request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	if access != "" {
		httpReq.Header.Set("Authorization", "Bearer "+access)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classifyError(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrConnection, err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		text := string(data)
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		return nil, &RejectedError{Method: req.Method, URL: u, StatusCode: resp.StatusCode, Body: text}
	}
	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}

// encodeBody renders the request as JSON, or as a multipart form when it
// carries files.
func encodeBody(req Request) (io.Reader, string, error) {
	if len(req.Files) == 0 {
		data, err := json.Marshal(req.Fields)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(data), "application/json", nil
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, value := range req.Fields {
		text, err := formValue(value)
		if err != nil {
			return nil, "", fmt.Errorf("field %s: %w", name, err)
		}
		if err := w.WriteField(name, text); err != nil {
			return nil, "", err
		}
	}
	for _, f := range req.Files {
		if err := attach(w, f); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func attach(w *multipart.Writer, f File) error {
	src, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Field, err)
	}
	defer src.Close()

	part, err := w.CreateFormFile(f.Field, filepath.Base(f.Path))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, src)
	return err
}

// formValue renders a field for a multipart form. Scalars are written as
// text, anything structured as JSON.
func formValue(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case int:
		return strconv.Itoa(val), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(val), nil
	case time.Time:
		return val.UTC().Format(time.RFC3339), nil
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

// classifyError maps transport-level errors to sentinel errors. A cancelled
// caller context is returned as is so that it is not retried.
func classifyError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: request timed out: %v", ErrConnection, err)
	}
	return fmt.Errorf("%w: %v", ErrConnection, err)
}

// outcomeOf labels an error for the sync metrics.
func outcomeOf(err error) string {
	var rejected *RejectedError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &rejected):
		return "rejected"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnection):
		return "unreachable"
	default:
		return "error"
	}
}
