package download

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"loanshelf/internal/core/domain/models"
	"loanshelf/internal/core/domain/ports"
	"loanshelf/internal/logging"
)

func (c *Center) fulfillAdobe(ctx context.Context, book models.Book, t ports.Transfer, tempPath string) {
	acsm, err := os.ReadFile(tempPath)
	_ = os.Remove(tempPath)
	if err != nil {
		c.failDownload(ctx, book, t, failure{kind: models.FailureGeneric, err: err})
		return
	}
	if isAdobePDF(acsm) {
		c.logFailure(book, "Adobe PDF not supported", t, nil)
		c.failDownload(ctx, book, t, failure{kind: models.FailureUnsupportedFormat, message: "Adobe PDF not supported."})
		return
	}
	if c.adobe == nil {
		c.logFailure(book, "Adobe fulfillment unavailable", t, nil)
		c.failDownload(ctx, book, t, failure{kind: models.FailureDRMFulfillment})
		return
	}

	c.updateInfo(book.Identifier, func(info *Info) { info.adobeStart = true })
	c.logger.Info("starting Adobe fulfillment", logging.String(logging.FieldBookID, book.Identifier))
	c.adobe.Fulfill(ctx, acsm, book.Identifier, c.account.UserID(), c.account.DeviceID())
}

// AdeptDidFinish stores the fulfilled book and its rights file. tag is the
// book identifier.
func (c *Center) AdeptDidFinish(tag string, result ports.AdobeResult) {
	book, ok := c.registry.Book(tag)
	if !ok {
		c.forget(tag)
		return
	}
	if !result.Finished || result.Err != nil {
		logging.ErrorWithContext(c.logger, "Adobe fulfillment failed", "adobe_fulfillment_failed",
			logging.String(logging.FieldBookID, tag),
			logging.String("fulfillment_id", result.FulfillmentID),
			logging.Error(result.Err))
		c.failDownload(c.ctx, book, nil, failure{kind: models.FailureDRMFulfillment, err: result.Err})
		return
	}

	if err := c.storeContent(book, result.LocalPath, false); err != nil {
		c.failDownload(c.ctx, book, nil, failure{kind: models.FailureGeneric, err: err})
		return
	}
	if len(result.Rights) > 0 {
		path := c.fileURL(book) + rightsSuffix
		if err := os.WriteFile(path, result.Rights, 0o644); err != nil {
			c.logger.Warn("failed to store Adobe rights",
				logging.String(logging.FieldBookID, tag),
				logging.String("path", path),
				logging.Error(err))
		}
	}
	if result.Returnable && result.FulfillmentID != "" {
		c.registry.SetFulfillmentID(tag, result.FulfillmentID)
	}
	c.succeed(book)
}

func (c *Center) AdeptDidUpdateProgress(tag string, progress float64) {
	if c.updateInfo(tag, func(info *Info) { info.Progress = progress }) {
		c.changed.Trigger()
	}
}

func (c *Center) AdeptDidCancel(tag string) {
	c.forget(tag)
	c.registry.SetState(tag, models.StateDownloadNeeded)
	c.changed.Trigger()
}

// fulfillLCP renames the downloaded license to the extension the LCP
// service expects and fulfills it. The license id becomes the record's
// fulfillment id.
func (c *Center) fulfillLCP(ctx context.Context, book models.Book, tempPath string) {
	id := book.Identifier
	if c.lcp == nil {
		_ = os.Remove(tempPath)
		c.failDownload(ctx, book, nil, failure{kind: models.FailureDRMFulfillment, message: "LCP fulfillment is not available."})
		return
	}

	licensePath := strings.TrimSuffix(tempPath, filepath.Ext(tempPath)) + "." + c.lcp.LicenseExtension()
	if err := os.Rename(tempPath, licensePath); err != nil {
		_ = os.Remove(tempPath)
		c.failDownload(ctx, book, nil, failure{kind: models.FailureGeneric, err: fmt.Errorf("rename license: %w", err)})
		return
	}

	progress := func(p float64) {
		if c.updateInfo(id, func(info *Info) { info.Progress = p }) {
			c.changed.Trigger()
		}
	}
	done := func(res ports.LCPResult) {
		_ = os.Remove(licensePath)
		if res.Err != nil {
			logging.ErrorWithContext(c.logger, "LCP fulfillment failed", "lcp_fulfillment_failed",
				logging.String(logging.FieldBookID, id),
				logging.Error(res.Err))
			c.failDownload(c.ctx, book, nil, failure{kind: models.FailureDRMFulfillment, err: res.Err})
			return
		}
		if err := c.storeContent(book, res.LocalPath, true); err != nil {
			c.failDownload(c.ctx, book, nil, failure{kind: models.FailureGeneric, err: err})
			return
		}
		if res.LicenseID != "" {
			c.registry.SetFulfillmentID(id, res.LicenseID)
		}
		c.succeed(book)
	}

	c.logger.Info("starting LCP fulfillment", logging.String(logging.FieldBookID, id))
	job := c.lcp.Fulfill(ctx, licensePath, progress, done)
	c.updateInfo(id, func(info *Info) { info.drm = job })
}
