package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"loanshelf/internal/core/domain/models"
	"loanshelf/internal/core/domain/ports"
	"loanshelf/internal/core/fulfillment"
	"loanshelf/internal/logging"
)

const rightsSuffix = "_rights.xml"

var adobePDFMarker = []byte(">application/pdf</dc:format>")

func (c *Center) bookFor(t ports.Transfer) (models.Book, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	book, ok := c.transfers[t.ID()]
	return book, ok
}

// DidReceiveResponse classifies the rights management scheme from the
// response. Problem documents are read to the end and reported once stored.
// Any other error status stops the transfer, as does an unknown content
// type, which most likely means the server answered with a login page.
func (c *Center) DidReceiveResponse(t ports.Transfer, resp *http.Response) bool {
	book, ok := c.bookFor(t)
	if !ok {
		return false
	}
	id := book.Identifier

	if fulfillment.IsProblemDocument(resp) {
		return true
	}
	if resp.StatusCode >= http.StatusBadRequest {
		f := failure{
			kind:    models.FailureNetwork,
			message: fmt.Sprintf("The server answered with status %d.", resp.StatusCode),
		}
		if resp.StatusCode == http.StatusUnauthorized {
			f = failure{kind: models.FailureInvalidCredentials}
		}
		c.logFailure(book, "error status", t, nil)
		c.failDownload(context.Background(), book, t, f)
		return false
	}

	var bearerHop bool
	c.updateInfo(id, func(info *Info) { bearerHop = info.BearerToken != nil })
	if bearerHop {
		return true
	}

	rights, known := c.classifier.ClassifyResponse(resp)
	if !known {
		c.logFailure(book, "unexpected content type, authentication might be needed", t, nil)
		c.failDownload(context.Background(), book, t, failure{
			kind:    models.FailureUnsupportedFormat,
			message: "unexpected content type " + resp.Header.Get("Content-Type"),
			silent:  true,
		})
		return false
	}
	c.updateInfo(id, func(info *Info) { info.Rights = rights })
	return true
}

// DidWriteData forwards progress for schemes without a second hop.
func (c *Center) DidWriteData(t ports.Transfer, written, expected int64) {
	book, ok := c.bookFor(t)
	if !ok || expected <= 0 {
		return
	}
	updated := c.updateInfo(book.Identifier, func(info *Info) {
		if fulfillment.ShowsProgress(info.Rights) {
			info.Progress = float64(written) / float64(expected)
		}
	})
	if updated {
		c.changed.Trigger()
	}
}

// WillRedirect re-attaches a bearer token for same-host redirects and
// stops the transfer once it has been redirected too often.
func (c *Center) WillRedirect(t ports.Transfer, next *http.Request, via []*http.Request) *http.Request {
	c.mu.Lock()
	attempts := c.redirects[t.ID()]
	if attempts >= c.maxRedirects {
		c.mu.Unlock()
		c.logger.Warn("too many redirects, stopping transfer",
			logging.String(logging.FieldTransferID, t.ID().String()),
			logging.Int("redirects", attempts))
		return nil
	}
	c.redirects[t.ID()] = attempts + 1
	c.mu.Unlock()

	original := t.OriginalRequest()
	if original == nil && len(via) > 0 {
		original = via[0]
	}
	return RedirectRequest(original, next)
}

// RedirectRequest returns the request to follow for a redirect of original
// to next, or nil when it must not be followed. A bearer token travels only
// to the original host and never from https to another scheme.
func RedirectRequest(original, next *http.Request) *http.Request {
	if original == nil || next == nil {
		return next
	}
	auth := original.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer") {
		return next
	}
	if original.URL.Host != next.URL.Host {
		next.Header.Del("Authorization")
		return next
	}
	if original.URL.Scheme == "https" && next.URL.Scheme != "https" {
		return nil
	}
	next.Header.Set("Authorization", auth)
	return next
}

// DidFinishDownloading validates the stored body and hands it to the step
// its rights management scheme requires.
func (c *Center) DidFinishDownloading(t ports.Transfer, tempPath string) {
	book, ok := c.bookFor(t)
	if !ok {
		_ = os.Remove(tempPath)
		return
	}
	ctx := c.ctx
	id := book.Identifier
	info, ok := c.DownloadInfo(id)
	if !ok {
		_ = os.Remove(tempPath)
		return
	}

	var contentType string
	resp := t.Response()
	if resp != nil {
		contentType = resp.Header.Get("Content-Type")
	}

	if fulfillment.IsProblemDocument(resp) {
		data, _ := os.ReadFile(tempPath)
		_ = os.Remove(tempPath)
		doc, err := models.ParseProblemDocument(data)
		if err != nil {
			doc = &models.ProblemDocument{Title: "Download failed", Detail: strings.TrimSpace(string(data))}
		}
		c.logFailure(book, "server returned a problem document", t, doc)
		c.failDownload(ctx, book, t, failure{kind: models.FailureProblemDocument, problem: doc, err: doc})
		return
	}

	if info.BearerToken == nil && info.Rights != models.RightsOverdriveManifestJSON && !book.CanCompleteDownload(contentType) {
		_ = os.Remove(tempPath)
		c.logFailure(book, "content type cannot complete the acquisition", t, nil)
		c.failDownload(ctx, book, t, failure{
			kind:    models.FailureUnsupportedFormat,
			message: "The server sent " + contentType + ", which cannot complete this book.",
		})
		return
	}

	switch info.Rights {
	case models.RightsAdobe:
		c.fulfillAdobe(ctx, book, t, tempPath)
	case models.RightsLCP:
		c.fulfillLCP(ctx, book, tempPath)
	case models.RightsSimplifiedBearerTokenJSON:
		c.followBearerToken(ctx, book, t, tempPath)
	case models.RightsOverdriveManifestJSON, models.RightsNone:
		if err := c.storeContent(book, tempPath, true); err != nil {
			c.logFailure(book, "storing content failed", t, err)
			c.failDownload(ctx, book, t, failure{kind: models.FailureGeneric, err: err})
			return
		}
		c.succeed(book)
	default:
		_ = os.Remove(tempPath)
		c.logFailure(book, "unknown rights management", t, nil)
		c.failDownload(ctx, book, t, failure{kind: models.FailureGeneric})
	}
}

// DidComplete ends the bookkeeping for a transfer. Cancellation is not a
// failure; the canceller already set the state.
func (c *Center) DidComplete(t ports.Transfer, err error) {
	c.mu.Lock()
	book, ok := c.transfers[t.ID()]
	delete(c.transfers, t.ID())
	delete(c.redirects, t.ID())
	c.mu.Unlock()
	if !ok || err == nil || errors.Is(err, context.Canceled) {
		return
	}

	var doc *models.ProblemDocument
	switch {
	case errors.As(err, &doc):
		c.logFailure(book, "problem document", t, err)
		c.failDownload(c.ctx, book, t, failure{kind: models.FailureProblemDocument, problem: doc, err: err})
	case isDecodeError(err):
		c.logFailure(book, "unsupported book format", t, err)
		c.failDownload(c.ctx, book, t, failure{kind: models.FailureUnsupportedFormat, message: "Unsupported book format.", err: err})
	default:
		c.logFailure(book, "networking error", t, err)
		c.failDownload(c.ctx, book, t, failure{kind: models.FailureNetwork, err: err})
	}
}

func isDecodeError(err error) bool {
	return errors.Is(err, ports.ErrCannotDecode)
}

func (c *Center) followBearerToken(ctx context.Context, book models.Book, t ports.Transfer, tempPath string) {
	data, err := os.ReadFile(tempPath)
	_ = os.Remove(tempPath)
	if err != nil {
		c.failDownload(ctx, book, t, failure{kind: models.FailureGeneric, err: err})
		return
	}
	token, err := models.ParseBearerToken(data, c.now())
	if err != nil {
		c.logFailure(book, "invalid bearer token", t, err)
		c.failDownload(ctx, book, t, failure{kind: models.FailureGeneric, err: err})
		return
	}
	req, err := c.authorizedRequest(ctx, token.Location, token.AccessToken)
	if err != nil {
		c.failDownload(ctx, book, t, failure{kind: models.FailureNetwork, err: err})
		return
	}

	next := c.session.Download(ctx, req, c)
	c.mu.Lock()
	if info, ok := c.infos[book.Identifier]; ok {
		info.Transfer = next
		info.BearerToken = token
		info.Rights = models.RightsNone
	}
	c.transfers[next.ID()] = book
	c.mu.Unlock()

	c.logger.Info("following bearer token",
		logging.String(logging.FieldBookID, book.Identifier),
		logging.String(logging.FieldURL, token.Location))
	next.Resume()
}

// storeContent moves the file at src to the book's content path. A file
// that cannot be renamed across devices is copied instead.
func (c *Center) storeContent(book models.Book, src string, move bool) error {
	dst := c.fileURL(book)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create content directory: %w", err)
	}
	if move {
		if err := os.Rename(src, dst); err == nil {
			return nil
		}
	}
	if err := copyFile(src, dst); err != nil {
		c.logger.Error("storing content failed",
			logging.String(logging.FieldBookID, book.Identifier),
			logging.String("source", src),
			logging.String("destination", dst),
			logging.Error(err))
		return err
	}
	if move {
		_ = os.Remove(src)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func (c *Center) succeed(book models.Book) {
	id := book.Identifier
	c.forget(id)
	c.mu.Lock()
	delete(c.retried, id)
	c.mu.Unlock()
	c.registry.SetState(id, models.StateDownloadSuccessful)
	c.logger.Info("download successful", logging.String(logging.FieldBookID, id))
	c.changed.Trigger()
}

func isAdobePDF(acsm []byte) bool {
	return bytes.Contains(acsm, adobePDFMarker)
}
