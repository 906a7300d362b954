package download

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"

	"loanshelf/internal/core/domain/models"
	"loanshelf/internal/core/domain/ports"
	"loanshelf/internal/core/events"
	"loanshelf/internal/logging"
)

// failure describes why an operation on a book did not succeed. silent
// failures are broadcast but not shown to the patron.
type failure struct {
	kind    models.FailureKind
	message string
	problem *models.ProblemDocument
	err     error
	silent  bool
	// status is the HTTP status of the transfer's response, if any.
	status int
}

var defaultMessages = map[models.FailureKind]string{
	models.FailureGeneric:            "The download could not be completed.",
	models.FailureBorrowConflict:     "You have already borrowed this book.",
	models.FailureBorrowFailed:       "Borrowing the book failed.",
	models.FailureInvalidCredentials: "Your credentials were not accepted. Please sign in again.",
	models.FailureUnsupportedFormat:  "The book is in a format that is not supported.",
	models.FailureDRMFulfillment:     "The book's license could not be fulfilled.",
	models.FailureNetwork:            "The download failed because of a network error.",
	models.FailureProblemDocument:    "The server could not complete the request.",
	models.FailureReturnFailed:       "Returning the book failed.",
	models.FailureSelectionFailed:    "The favorite status of the book could not be updated.",
}

func (f failure) text() string {
	switch {
	case f.message != "":
		return f.message
	case f.problem != nil && f.problem.Detail != "":
		return f.problem.Detail
	}
	return defaultMessages[f.kind]
}

func (f failure) cause() error {
	switch {
	case f.err != nil:
		return f.err
	case f.problem != nil:
		return f.problem
	}
	return errors.New(f.text())
}

func (f failure) needsReauthentication() bool {
	return f.status == http.StatusUnauthorized ||
		f.problem.IndicatesReauthentication() ||
		errors.Is(f.err, ports.ErrReauthRequired)
}

// failDownload moves the book to DownloadFailed and reports the failure.
// When the server rejected the credentials the patron is reauthenticated and
// the download restarted once; a restart that begins right away replaces the
// failure.
func (c *Center) failDownload(ctx context.Context, book models.Book, t ports.Transfer, f failure) {
	id := book.Identifier
	if t != nil && f.status == 0 {
		if resp := t.Response(); resp != nil {
			f.status = resp.StatusCode
		}
	}
	c.forget(id)

	if (f.needsReauthentication() || c.loginRequired()) && c.retryAfterReauthentication(ctx, book) {
		c.logger.Info("download restarted after reauthentication",
			logging.String(logging.FieldBookID, id),
			logging.Int(logging.FieldStatus, f.status))
		c.changed.Trigger()
		return
	}

	if c.registry.Record(id) != nil {
		c.registry.SetState(id, models.StateDownloadFailed)
	} else {
		c.registry.AddBook(book, models.StateDownloadFailed, models.SelectionUnregistered)
	}
	c.alert(ctx, book, f)
	c.changed.Trigger()
}

// retryAfterReauthentication reauthenticates and restarts the download of
// book. It reports whether the restart has already begun.
func (c *Center) retryAfterReauthentication(ctx context.Context, book models.Book) bool {
	id := book.Identifier
	c.mu.Lock()
	retried := c.retried[id]
	delete(c.retried, id)
	c.mu.Unlock()
	if retried {
		logging.WarnWithContext(c.logger, "credentials rejected again after reauthentication", "download_reauth_exhausted",
			logging.String(logging.FieldBookID, id),
			logging.String(logging.FieldImpact, "download left failed"))
		return false
	}

	var restarted atomic.Bool
	err := c.reauthenticate(ctx, c.account.HasCredentials(), func() {
		c.mu.Lock()
		c.retried[id] = true
		c.mu.Unlock()
		restarted.Store(true)
		if c.registry.Record(id) != nil {
			c.registry.SetState(id, models.StateDownloadNeeded)
		}
		if err := c.StartDownload(ctx, book, nil); err != nil {
			c.logger.Warn("restarting download failed",
				logging.String(logging.FieldBookID, id),
				logging.Error(err))
		}
	})
	if err != nil {
		c.logger.Warn("reauthentication after failed download did not complete",
			logging.String(logging.FieldBookID, id),
			logging.Error(err))
		return false
	}
	return restarted.Load()
}

// alert shows the failure to the patron and broadcasts it.
func (c *Center) alert(ctx context.Context, book models.Book, f failure) {
	err := f.cause()
	if !f.silent && c.alerter != nil {
		c.alerter.Alert(ctx, ports.Alert{
			Kind:    f.kind,
			BookID:  book.Identifier,
			Title:   book.Title,
			Message: f.text(),
			Problem: f.problem,
			Err:     err,
		})
	}
	c.bus.Publish(events.Event{
		Type:    events.DownloadFailed,
		BookID:  book.Identifier,
		Failure: f.kind,
		Err:     err,
	})
}

// logFailure records everything support needs to diagnose a failed
// acquisition.
func (c *Center) logFailure(book models.Book, reason string, t ports.Transfer, err error) {
	rights := models.RightsUnknown
	if info, ok := c.DownloadInfo(book.Identifier); ok {
		rights = info.Rights
	}
	attrs := []logging.Attr{
		logging.String(logging.FieldBookID, book.Identifier),
		logging.String(logging.FieldTitle, book.Title),
		logging.String(logging.FieldDistributor, book.Distributor),
		logging.String(logging.FieldContentType, book.ContentType().String()),
		logging.String(logging.FieldRights, rights.String()),
		logging.String("reason", reason),
	}
	if t != nil {
		if req := t.OriginalRequest(); req != nil && req.URL != nil {
			attrs = append(attrs, logging.String(logging.FieldURL, req.URL.String()))
		}
		if resp := t.Response(); resp != nil {
			attrs = append(attrs,
				logging.Int(logging.FieldStatus, resp.StatusCode),
				logging.String("response_content_type", resp.Header.Get("Content-Type")))
		}
	}
	if err != nil {
		attrs = append(attrs, logging.Error(err))
	}
	logging.ErrorWithContext(c.logger, "book download failed", "download_failed", attrs...)
}
