package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"loanshelf/internal/core/domain/ports"
	"loanshelf/internal/logging"
)

// ErrReauthRequired is returned when a refreshed token was rejected too.
var ErrReauthRequired = ports.ErrReauthRequired

// Credentials supplies request authorization. BasicAuth is used when there
// is no bearer token.
type Credentials interface {
	AuthToken() string
	BasicAuth() (username, password string, ok bool)
}

// TokenRefresher obtains a fresh bearer token.
type TokenRefresher interface {
	RefreshToken(ctx context.Context) error
}

// Executor performs authorized API calls. A 401 on a bearer-authorized
// call refreshes the token once and retries.
type Executor struct {
	client    *http.Client
	creds     Credentials
	refresher TokenRefresher
	userAgent string
	logger    *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

func WithTokenRefresher(r TokenRefresher) ExecutorOption {
	return func(e *Executor) { e.refresher = r }
}

func WithUserAgent(ua string) ExecutorOption {
	return func(e *Executor) { e.userAgent = ua }
}

func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

func NewExecutor(client *http.Client, creds Credentials, opts ...ExecutorOption) *Executor {
	if client == nil {
		client = &http.Client{}
	}
	e := &Executor{client: client, creds: creds}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.NewComponentLogger(e.logger, "network")
	return e
}

// Get fetches url. Non-2xx answers are not errors; callers inspect the
// response.
func (e *Executor) Get(ctx context.Context, url string) ([]byte, *http.Response, error) {
	return e.Do(ctx, http.MethodGet, url, "", nil)
}

func (e *Executor) Post(ctx context.Context, url, contentType string, body []byte) ([]byte, *http.Response, error) {
	return e.Do(ctx, http.MethodPost, url, contentType, body)
}

func (e *Executor) Do(ctx context.Context, method, url, contentType string, body []byte) ([]byte, *http.Response, error) {
	data, resp, bearer, err := e.send(ctx, method, url, contentType, body)
	if err != nil || resp.StatusCode != http.StatusUnauthorized || !bearer || e.refresher == nil {
		return data, resp, err
	}

	e.logger.Info("bearer token rejected, refreshing", logging.String(logging.FieldURL, url))
	if err := e.refresher.RefreshToken(ctx); err != nil {
		return data, resp, fmt.Errorf("%w: token refresh failed: %v", ErrReauthRequired, err)
	}
	data, resp, _, err = e.send(ctx, method, url, contentType, body)
	if err == nil && resp.StatusCode == http.StatusUnauthorized {
		return data, resp, ErrReauthRequired
	}
	return data, resp, err
}

func (e *Executor) send(ctx context.Context, method, url, contentType string, body []byte) ([]byte, *http.Response, bool, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, nil, false, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}
	bearer := e.authorize(req)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, nil, bearer, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp, bearer, fmt.Errorf("read %s: %w", url, err)
	}
	return data, resp, bearer, nil
}

// authorize sets the Authorization header and reports whether it is a
// bearer token.
func (e *Executor) authorize(req *http.Request) bool {
	if e.creds == nil {
		return false
	}
	if token := e.creds.AuthToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
		return true
	}
	if user, pass, ok := e.creds.BasicAuth(); ok {
		req.SetBasicAuth(user, pass)
	}
	return false
}

// BearerAuthorized returns a copy of req carrying the account's bearer
// token, or req itself when the account has none.
func BearerAuthorized(req *http.Request, account interface{ AuthToken() string }) *http.Request {
	token := account.AuthToken()
	if token == "" {
		return req
	}
	out := req.Clone(req.Context())
	out.Header.Set("Authorization", "Bearer "+token)
	return out
}
