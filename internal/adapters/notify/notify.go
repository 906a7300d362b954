// Package notify delivers patron-facing messages: holds that became ready,
// the ready-hold badge and failures the download center reports.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"loanshelf/internal/adapters/util"
	"loanshelf/internal/core/domain/models"
	"loanshelf/internal/core/domain/ports"
	"loanshelf/internal/logging"
)

const userAgent = "loanshelf/0.1"

// Notifier is both the registry's UserNotifier and the download center's
// Alerter.
type Notifier interface {
	ports.UserNotifier
	ports.Alerter
}

// LogNotifier writes every notification to the log.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.NewComponentLogger(logger, "notify")}
}

var _ Notifier = (*LogNotifier)(nil)

func (n *LogNotifier) BookIsAvailable(ctx context.Context, book models.Book) error {
	n.logger.Info("reserved book is ready to borrow",
		logging.String(logging.FieldBookID, book.Identifier),
		logging.String(logging.FieldTitle, book.Title))
	return nil
}

func (n *LogNotifier) SetBadge(ctx context.Context, count int) error {
	n.logger.Info("ready holds", logging.Int("count", count))
	return nil
}

func (n *LogNotifier) Alert(ctx context.Context, a ports.Alert) {
	attrs := []logging.Attr{
		logging.String(logging.FieldBookID, a.BookID),
		logging.String(logging.FieldTitle, a.Title),
		logging.String("failure", a.Kind.String()),
		logging.String(logging.FieldErrorHint, a.Message),
	}
	if a.Err != nil {
		attrs = append(attrs, logging.Error(a.Err))
	}
	logging.WarnWithContext(n.logger, "book operation failed", "alert", attrs...)
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

// NtfyNotifier publishes notifications to an ntfy topic URL. Every
// notification is also logged.
type NtfyNotifier struct {
	endpoint string
	client   *http.Client
	log      *LogNotifier
	logger   *slog.Logger
}

// NewNtfyNotifier returns a notifier for the topic URL endpoint, such as
// https://ntfy.sh/my-loans. Publishing uses PUT so the retry transport may
// repeat it.
func NewNtfyNotifier(endpoint string, timeout time.Duration, logger *slog.Logger) *NtfyNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	componentLogger := logging.NewComponentLogger(logger, "ntfy")
	return &NtfyNotifier{
		endpoint: strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		client: &http.Client{
			Transport: &util.RetryTransport{
				MaxRetries: 3,
				Base:       http.DefaultTransport,
				Logger:     componentLogger,
			},
			Timeout: timeout,
		},
		log:    NewLogNotifier(logger),
		logger: componentLogger,
	}
}

var _ Notifier = (*NtfyNotifier)(nil)

func (n *NtfyNotifier) BookIsAvailable(ctx context.Context, book models.Book) error {
	_ = n.log.BookIsAvailable(ctx, book)
	title := strings.TrimSpace(book.Title)
	if title == "" {
		title = book.Identifier
	}
	return n.send(ctx, message{
		title:    "Hold ready",
		body:     fmt.Sprintf("%s is ready to borrow", title),
		tags:     []string{"loanshelf", "hold", "ready"},
		priority: "high",
	})
}

// SetBadge is logged only; ntfy has no badge.
func (n *NtfyNotifier) SetBadge(ctx context.Context, count int) error {
	return n.log.SetBadge(ctx, count)
}

func (n *NtfyNotifier) Alert(ctx context.Context, a ports.Alert) {
	n.log.Alert(ctx, a)
	title := strings.TrimSpace(a.Title)
	if title == "" {
		title = a.BookID
	}
	err := n.send(ctx, message{
		title: "Download problem",
		body:  fmt.Sprintf("%s: %s", title, a.Message),
		tags:  []string{"loanshelf", a.Kind.String()},
	})
	if err != nil {
		n.logger.Warn("failed to publish alert", logging.Error(err))
	}
}

func (n *NtfyNotifier) send(ctx context.Context, m message) error {
	if n == nil || n.endpoint == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, n.endpoint, strings.NewReader(m.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if m.title != "" {
		req.Header.Set("Title", m.title)
	}
	if len(m.tags) > 0 {
		req.Header.Set("Tags", strings.Join(m.tags, ","))
	}
	if m.priority != "" {
		req.Header.Set("Priority", m.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// New returns an ntfy notifier when endpoint is set and a log notifier
// otherwise.
func New(endpoint string, timeout time.Duration, logger *slog.Logger) Notifier {
	if strings.TrimSpace(endpoint) == "" {
		return NewLogNotifier(logger)
	}
	return NewNtfyNotifier(endpoint, timeout, logger)
}
