package network

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"

	"loanshelf/internal/core/domain/models"
	"loanshelf/internal/core/domain/ports"
	"loanshelf/internal/logging"
)

const maxProblemBody = 64 << 10

// CookieReplay resolves an acquisition URL with the cookies of an earlier
// federated login. If the chain ends at the book, the final request is
// handed back with the refreshed cookies; if it ends at a login page the
// session is considered expired.
type CookieReplay struct {
	transport http.RoundTripper
	logger    *slog.Logger
}

func NewCookieReplay(transport http.RoundTripper, logger *slog.Logger) *CookieReplay {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &CookieReplay{transport: transport, logger: logging.NewComponentLogger(logger, "cookie-replay")}
}

var _ ports.CookieFlow = (*CookieReplay)(nil)

func (c *CookieReplay) Run(ctx context.Context, req *http.Request, cookies []*http.Cookie) ports.CookieOutcome {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return ports.CookieOutcome{Problem: &models.ProblemDocument{Title: "Cookie replay failed", Detail: err.Error()}}
	}
	jar.SetCookies(req.URL, cookies)
	client := &http.Client{Transport: c.transport, Jar: jar}

	replay := req.Clone(ctx)
	resp, err := client.Do(replay)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return ports.CookieOutcome{Cancelled: true}
		}
		c.logger.Warn("cookie replay request failed", logging.Error(err))
		return ports.CookieOutcome{Problem: &models.ProblemDocument{Title: "Cookie replay failed", Detail: err.Error()}}
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	switch {
	case models.IsProblemDocumentType(contentType):
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxProblemBody))
		doc, perr := models.ParseProblemDocument(data)
		if perr != nil {
			doc = &models.ProblemDocument{Title: "Cookie replay failed", Status: resp.StatusCode}
		}
		return ports.CookieOutcome{Problem: doc}
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		strings.HasPrefix(strings.ToLower(contentType), "text/html"):
		c.logger.Info("cookie session expired",
			logging.String(logging.FieldURL, resp.Request.URL.Redacted()),
			logging.Int(logging.FieldStatus, resp.StatusCode))
		return ports.CookieOutcome{Problem: &models.ProblemDocument{
			Type:   models.ProblemTypeExpiredCredentials,
			Title:  "Session expired",
			Status: resp.StatusCode,
		}}
	}

	final := resp.Request
	next, err := http.NewRequestWithContext(ctx, http.MethodGet, final.URL.String(), nil)
	if err != nil {
		return ports.CookieOutcome{Problem: &models.ProblemDocument{Title: "Cookie replay failed", Detail: err.Error()}}
	}
	if final.URL.Host == req.URL.Host {
		if auth := req.Header.Get("Authorization"); auth != "" {
			next.Header.Set("Authorization", auth)
		}
	}
	refreshed := jar.Cookies(final.URL)
	for _, ck := range refreshed {
		next.AddCookie(ck)
	}
	return ports.CookieOutcome{Request: next, Cookies: refreshed}
}
