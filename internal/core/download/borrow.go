package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"loanshelf/internal/core/domain/models"
	"loanshelf/internal/logging"
)

// StartBorrow follows the book's borrow link, registers the returned loan or
// hold and, when attemptDownload is set and a copy is available, starts the
// download.
func (c *Center) StartBorrow(ctx context.Context, book models.Book, attemptDownload bool) error {
	id := book.Identifier
	acq := book.DefaultAcquisition()
	if acq == nil {
		err := fmt.Errorf("book %s has no usable acquisition", id)
		c.alert(ctx, book, failure{kind: models.FailureBorrowFailed, err: err})
		return err
	}

	c.logger.Info("borrowing book",
		logging.String(logging.FieldBookID, id),
		logging.String(logging.FieldURL, acq.HRef))

	c.registry.SetProcessing(id, true)
	feed, err := c.fetcher.FetchFeed(ctx, acq.HRef, true)
	c.registry.SetProcessing(id, false)

	if err == nil && feed != nil && len(feed.Entries) > 0 {
		borrowed := feed.Entries[0]
		selection := models.SelectionUnselected
		if borrowed.Selected {
			selection = models.SelectionSelected
		}
		c.registry.AddBook(borrowed, models.StateDownloadNeeded, selection, c.keptFields(id)...)

		// A book still on hold after the borrow must not loop back here.
		if attemptDownload && models.IsBorrowable(borrowed.Availability()) &&
			c.registry.BookState(borrowed.Identifier) != models.StateHolding {
			return c.StartDownload(ctx, borrowed, nil)
		}
		return nil
	}
	if err == nil {
		err = errors.New("borrow response carried no entry")
	}

	var doc *models.ProblemDocument
	if errors.As(err, &doc) {
		switch doc.Type {
		case models.ProblemTypeLoanAlreadyExists:
			c.alert(ctx, book, failure{kind: models.FailureBorrowConflict, problem: doc, err: err})
			return err
		case models.ProblemTypeInvalidCredentials:
			c.logger.Info("borrow rejected credentials, reauthenticating", logging.String(logging.FieldBookID, id))
			rerr := c.reauthenticate(ctx, false, func() { _ = c.StartDownload(ctx, book, nil) })
			if rerr == nil {
				return nil
			}
			c.alert(ctx, book, failure{kind: models.FailureInvalidCredentials, problem: doc, err: rerr})
			return fmt.Errorf("borrow %s: %w", id, rerr)
		}
		c.alert(ctx, book, failure{kind: models.FailureBorrowFailed, problem: doc, err: err})
		return err
	}
	c.alert(ctx, book, failure{kind: models.FailureBorrowFailed, err: err})
	return fmt.Errorf("borrow %s: %w", id, err)
}

// StartDownload acquires the book's content. A book already downloading is
// left alone; a book that still needs a loan is borrowed first. req
// overrides the request built from the default acquisition.
func (c *Center) StartDownload(ctx context.Context, book models.Book, req *http.Request) error {
	id := book.Identifier
	if c.loginRequired() {
		return c.reauthenticate(ctx, false, func() { _ = c.StartDownload(ctx, book, req) })
	}

	state := c.registry.BookState(id)
	switch state {
	case models.StateUnregistered:
		state = c.processUnregistered(book)
	case models.StateDownloading:
		c.logger.Debug("download already in progress", logging.String(logging.FieldBookID, id))
		return nil
	case models.StateDownloadSuccessful, models.StateUsed, models.StateUnsupported:
		c.logger.Warn("ignoring nonsensical download request",
			logging.String(logging.FieldBookID, id),
			logging.String(logging.FieldState, state.String()))
		return ErrNonsensicalRequest
	}

	if state == models.StateUnregistered || state == models.StateHolding {
		return c.StartBorrow(ctx, book, true)
	}
	return c.downloadWithCredentials(ctx, book, req)
}

// processUnregistered registers a book that can be fetched without a loan.
func (c *Center) processUnregistered(book models.Book) models.BookState {
	if book.DefaultAcquisitionIfBorrow() == nil &&
		(book.DefaultAcquisitionIfOpenAccess() != nil || !c.account.NeedsAuth()) {
		c.registry.AddBook(book, models.StateDownloadNeeded, c.registry.SelectionState(book.Identifier))
		return models.StateDownloadNeeded
	}
	return models.StateUnregistered
}

func (c *Center) loginRequired() bool {
	return c.account.NeedsAuth() && !c.account.HasCredentials()
}

// reauthenticate hands off to the Reauthenticator. A nil error means then
// has run or will run once the patron has signed in.
func (c *Center) reauthenticate(ctx context.Context, usingExistingCredentials bool, then func()) error {
	if c.reauth == nil {
		return ErrLoginRequired
	}
	return c.reauth.AuthenticateIfNeeded(ctx, c.account, usingExistingCredentials, then)
}

// keptFields carries the reader position and bookmarks of an existing
// record into a replacement record.
func (c *Center) keptFields(id string) []models.RecordOption {
	rec := c.registry.Record(id)
	if rec == nil {
		return nil
	}
	return []models.RecordOption{
		models.WithLocation(rec.Location),
		models.WithReadiumBookmarks(rec.ReadiumBookmarks),
		models.WithGenericBookmarks(rec.GenericBookmarks),
	}
}

func (c *Center) downloadWithCredentials(ctx context.Context, book models.Book, req *http.Request) error {
	id := book.Identifier
	if req == nil {
		acq := book.DefaultAcquisition()
		if acq == nil {
			c.failDownload(ctx, book, nil, failure{kind: models.FailureUnsupportedFormat, message: "no usable acquisition"})
			return fmt.Errorf("book %s has no usable acquisition", id)
		}
		var err error
		req, err = c.authorizedRequest(ctx, acq.HRef, c.account.AuthToken())
		if err != nil {
			c.failDownload(ctx, book, nil, failure{kind: models.FailureNetwork, err: err})
			return err
		}
	}

	cookies := c.account.Cookies()
	if c.cookies != nil && len(cookies) > 0 && c.registry.BookState(id) != models.StateSAMLStarted {
		return c.replayCookies(ctx, book, req)
	}
	return c.addDownloadTask(book, req)
}

// replayCookies runs the cookie flow of an earlier federated login so the
// download does not bounce through the identity provider again.
func (c *Center) replayCookies(ctx context.Context, book models.Book, req *http.Request) error {
	id := book.Identifier
	if !c.reserve(id) {
		return nil
	}
	c.registry.SetState(id, models.StateSAMLStarted)
	outcome := c.cookies.Run(ctx, req, c.account.Cookies())
	c.forget(id)

	switch {
	case outcome.Cancelled:
		c.registry.SetState(id, models.StateDownloadNeeded)
		c.changed.Trigger()
		return nil
	case outcome.Problem != nil:
		c.registry.SetState(id, models.StateDownloadNeeded)
		rerr := c.reauthenticate(ctx, false, func() { _ = c.StartDownload(ctx, book, nil) })
		if rerr == nil {
			return nil
		}
		c.alert(ctx, book, failure{kind: models.FailureInvalidCredentials, problem: outcome.Problem, err: rerr})
		c.changed.Trigger()
		return fmt.Errorf("download %s: %w", id, rerr)
	}
	if len(outcome.Cookies) > 0 {
		c.account.SetCookies(outcome.Cookies)
	}
	next := outcome.Request
	if next == nil {
		next = req
	}
	return c.StartDownload(ctx, book, next)
}

func (c *Center) authorizedRequest(ctx context.Context, url, token string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// addDownloadTask starts a transfer for book. The registry record moves to
// Downloading; position and bookmarks are kept.
func (c *Center) addDownloadTask(book models.Book, req *http.Request) error {
	id := book.Identifier
	if !c.reserve(id) {
		c.logger.Debug("transfer already reserved", logging.String(logging.FieldBookID, id))
		return nil
	}
	t := c.session.Download(c.ctx, req, c)

	c.mu.Lock()
	if info, ok := c.infos[id]; ok {
		info.Transfer = t
	}
	c.transfers[t.ID()] = book
	c.mu.Unlock()

	c.registry.AddBook(book, models.StateDownloading, c.registry.SelectionState(id), c.keptFields(id)...)
	c.logger.Info("download started",
		logging.String(logging.FieldBookID, id),
		logging.String(logging.FieldTransferID, t.ID().String()),
		logging.String(logging.FieldURL, req.URL.String()))
	t.Resume()
	c.changed.Trigger()
	return nil
}
