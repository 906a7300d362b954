package util

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"loanshelf/internal/logging"
)

// maxLoggedBody caps how much of a text body is written to the debug log.
const maxLoggedBody = 4 << 10

// LoggingTransport is an http.RoundTripper that logs requests and responses
// at debug level. Only textual bodies are logged; book content never is.
type LoggingTransport struct {
	Base   http.RoundTripper
	Logger *slog.Logger
}

func (t *LoggingTransport) base() http.RoundTripper {
	if t.Base == nil {
		return http.DefaultTransport
	}
	return t.Base
}

func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	logger := t.Logger
	if logger == nil || !logger.Enabled(req.Context(), slog.LevelDebug) {
		return t.base().RoundTrip(req)
	}

	logger.Debug("outbound request",
		logging.String("method", req.Method),
		logging.String(logging.FieldURL, req.URL.Redacted()))

	start := time.Now()
	resp, err := t.base().RoundTrip(req)
	if err != nil {
		logger.Debug("outbound request failed",
			logging.String(logging.FieldURL, req.URL.Redacted()),
			logging.Error(err))
		return resp, err
	}

	attrs := []logging.Attr{
		logging.Int(logging.FieldStatus, resp.StatusCode),
		logging.String(logging.FieldURL, req.URL.Redacted()),
		logging.String(logging.FieldContentType, resp.Header.Get("Content-Type")),
		logging.Duration("duration", time.Since(start)),
	}
	if isTextual(resp.Header.Get("Content-Type")) && resp.ContentLength >= 0 && resp.ContentLength <= maxLoggedBody {
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewReader(body))
		if readErr == nil && len(body) > 0 {
			attrs = append(attrs, logging.String("body", string(body)))
		}
	}
	logger.LogAttrs(req.Context(), slog.LevelDebug, "outbound response", attrs...)
	return resp, nil
}

func isTextual(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "text/") ||
		strings.Contains(ct, "json") ||
		strings.Contains(ct, "xml")
}

// RetryTransport retries idempotent requests that failed in transit or got
// a 5xx, 408 or 429 answer, with exponential backoff between attempts. A
// request body is replayed through GetBody.
type RetryTransport struct {
	Base       http.RoundTripper
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     *slog.Logger

	// Sleep is used between attempts; tests replace it.
	Sleep func(time.Duration)
}

const (
	defaultRetryBaseDelay = 500 * time.Millisecond
	defaultRetryMaxDelay  = 10 * time.Second
)

func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if !idempotent(req) {
		return base.RoundTrip(req)
	}

	for attempt := 0; ; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			req = req.Clone(req.Context())
			req.Body = body
		}
		resp, err := base.RoundTrip(req)
		if attempt >= t.MaxRetries || !retryable(resp, err) || req.Context().Err() != nil {
			return resp, err
		}
		if resp != nil {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			resp.Body.Close()
		}
		delay := t.backoffDelay(attempt + 1)
		if t.Logger != nil {
			t.Logger.Debug("retrying request",
				logging.String(logging.FieldURL, req.URL.Redacted()),
				logging.Int("attempt", attempt+1),
				logging.Duration("delay", delay))
		}
		t.sleep(delay)
	}
}

func (t *RetryTransport) sleep(d time.Duration) {
	if t.Sleep != nil {
		t.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (t *RetryTransport) backoffDelay(attempt int) time.Duration {
	base := t.BaseDelay
	if base <= 0 {
		base = defaultRetryBaseDelay
	}
	maxDelay := t.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultRetryMaxDelay
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func idempotent(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete, "":
		return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
	}
	return false
}

func retryable(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:
		return true
	}
	return false
}
