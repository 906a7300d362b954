package download

import (
	"context"
	"errors"
	"fmt"

	"loanshelf/internal/core/domain/models"
	"loanshelf/internal/logging"
)

// CancelDownload stops the acquisition of id and puts the book back to
// DownloadNeeded. With nothing in flight it only resets a failed download.
func (c *Center) CancelDownload(id string) {
	info, ok := c.DownloadInfo(id)
	if !ok {
		if c.registry.BookState(id) == models.StateDownloadFailed {
			c.registry.SetState(id, models.StateDownloadNeeded)
			c.changed.Trigger()
			return
		}
		c.logger.Debug("ignoring nonsensical cancel request", logging.String(logging.FieldBookID, id))
		return
	}

	if info.adobeStart && c.adobe != nil {
		// The Adobe delegate reports the cancellation.
		c.adobe.CancelFulfillment(id)
		return
	}
	c.forget(id)
	if info.drm != nil {
		info.drm.Cancel()
	}
	if info.Transfer != nil {
		info.Transfer.Cancel()
	}
	c.registry.SetState(id, models.StateDownloadNeeded)
	c.logger.Info("download cancelled", logging.String(logging.FieldBookID, id))
	c.changed.Trigger()
}

// ReturnBook gives a loan back to the library and removes the book's local
// content. Adobe loans are also returned to Adobe, best effort.
func (c *Center) ReturnBook(ctx context.Context, id string) error {
	if c.loginRequired() {
		return c.reauthenticate(ctx, false, func() { _ = c.ReturnBook(ctx, id) })
	}

	book, ok := c.registry.Book(id)
	if !ok {
		return nil
	}
	downloaded := c.registry.BookState(id).IsDownloaded()
	c.logger.Info("returning book",
		logging.String(logging.FieldBookID, id),
		logging.Bool("downloaded", downloaded))

	if fid := c.registry.FulfillmentID(id); fid != "" && c.account.NeedsAuth() && c.adobe != nil {
		if err := c.adobe.ReturnLoan(ctx, fid, c.account.UserID(), c.account.DeviceID()); err != nil {
			c.logger.Warn("failed to return loan to Adobe",
				logging.String(logging.FieldBookID, id),
				logging.String("fulfillment_id", fid),
				logging.Error(err))
		}
	}

	if book.RevokeURL == "" {
		c.removeLocally(book, downloaded)
		return nil
	}

	c.registry.SetProcessing(id, true)
	feed, err := c.fetcher.FetchFeed(ctx, book.RevokeURL, false)
	c.registry.SetProcessing(id, false)

	if err == nil && feed != nil && len(feed.Entries) == 1 {
		if downloaded {
			_ = c.RemoveLocalContent(book)
		}
		c.registry.UpdateAndRemoveBook(feed.Entries[0])
		c.changed.Trigger()
		return nil
	}
	if err == nil {
		n := 0
		if feed != nil {
			n = len(feed.Entries)
		}
		err = fmt.Errorf("revoke returned %d entries", n)
	}

	var doc *models.ProblemDocument
	if errors.As(err, &doc) {
		switch doc.Type {
		case models.ProblemTypeNoActiveLoan:
			c.removeLocally(book, downloaded)
			return nil
		case models.ProblemTypeInvalidCredentials:
			rerr := c.reauthenticate(ctx, false, func() { _ = c.ReturnBook(ctx, id) })
			if rerr == nil {
				return nil
			}
			c.alert(ctx, book, failure{kind: models.FailureInvalidCredentials, problem: doc, err: rerr})
			return fmt.Errorf("return %s: %w", id, rerr)
		}
	}
	c.alert(ctx, book, failure{kind: models.FailureReturnFailed, problem: doc, err: err})
	return fmt.Errorf("return %s: %w", id, err)
}

func (c *Center) removeLocally(book models.Book, downloaded bool) {
	if downloaded {
		_ = c.RemoveLocalContent(book)
	}
	c.registry.RemoveBook(book.Identifier)
	c.changed.Trigger()
}
