// Package download drives a book from a borrow link to readable content on
// disk: borrowing, the transfer itself, the rights management hop that
// follows it, cancellation and returns.
//
// The Center never touches the registry file directly. Every state change
// goes through the registry actor, and transfer callbacks arrive on the
// transfer's own goroutine.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"loanshelf/internal/core/domain/models"
	"loanshelf/internal/core/domain/ports"
	"loanshelf/internal/core/events"
	"loanshelf/internal/core/fulfillment"
	"loanshelf/internal/logging"

	"github.com/google/uuid"
)

// DefaultMaxRedirects caps the redirects followed by one transfer.
const DefaultMaxRedirects = 10

var (
	// ErrNonsensicalRequest is returned when a download is requested for a
	// book that is already downloaded or cannot be downloaded.
	ErrNonsensicalRequest = errors.New("download: nonsensical request for book state")

	// ErrLoginRequired is returned when the library needs credentials that
	// could not be obtained without the patron signing in.
	ErrLoginRequired = ports.ErrLoginRequired
)

// Registry is the slice of the book registry the Center drives.
type Registry interface {
	AddBook(book models.Book, state models.BookState, selection models.SelectionState, opts ...models.RecordOption)
	RemoveBook(id string)
	UpdateBook(book models.Book, selection models.SelectionState)
	UpdateAndRemoveBook(book models.Book)
	SetState(id string, state models.BookState)
	SetFulfillmentID(id, fulfillmentID string)
	SetProcessing(id string, processing bool)
	Book(id string) (models.Book, bool)
	Record(id string) *models.BookRecord
	BookState(id string) models.BookState
	SelectionState(id string) models.SelectionState
	FulfillmentID(id string) string
	Bus() *events.Bus
	SetContentRemover(remover ports.ContentRemover)
}

// Options configures a Center. Registry, Session, Fetcher, Account and
// ContentRoot are required.
type Options struct {
	Registry        Registry
	Session         ports.Session
	Fetcher         ports.FeedFetcher
	Account         ports.Account
	Reauthenticator ports.Reauthenticator
	CookieFlow      ports.CookieFlow
	Adobe           ports.AdobeService
	LCP             ports.LCPService
	Alerter         ports.Alerter
	Classifier      *fulfillment.Classifier
	ContentRoot     string
	BroadcastDelay  time.Duration
	MaxRedirects    int
	Logger          *slog.Logger
	Now             func() time.Time
}

// Info is the in-memory progress of one book's acquisition.
type Info struct {
	Progress    float64
	Transfer    ports.Transfer
	Rights      models.RightsManagement
	BearerToken *models.BearerToken

	drm        ports.Cancelable
	adobeStart bool
}

func (i Info) WithProgress(p float64) Info {
	i.Progress = p
	return i
}

func (i Info) WithRightsManagement(r models.RightsManagement) Info {
	i.Rights = r
	return i
}

type Center struct {
	registry     Registry
	session      ports.Session
	fetcher      ports.FeedFetcher
	account      ports.Account
	reauth       ports.Reauthenticator
	cookies      ports.CookieFlow
	adobe        ports.AdobeService
	lcp          ports.LCPService
	alerter      ports.Alerter
	classifier   *fulfillment.Classifier
	bus          *events.Bus
	changed      *events.Debouncer
	contentRoot  string
	maxRedirects int
	logger       *slog.Logger
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	infos     map[string]*Info
	transfers map[uuid.UUID]models.Book
	redirects map[uuid.UUID]int
	// retried holds books restarted after a reauthentication. A second
	// rejection of the same book does not reauthenticate again.
	retried map[string]bool
}

func New(opts Options) (*Center, error) {
	switch {
	case opts.Registry == nil:
		return nil, errors.New("download: registry is required")
	case opts.Session == nil:
		return nil, errors.New("download: session is required")
	case opts.Fetcher == nil:
		return nil, errors.New("download: feed fetcher is required")
	case opts.Account == nil:
		return nil, errors.New("download: account is required")
	case opts.ContentRoot == "":
		return nil, errors.New("download: content root is required")
	}

	c := &Center{
		registry:     opts.Registry,
		session:      opts.Session,
		fetcher:      opts.Fetcher,
		account:      opts.Account,
		reauth:       opts.Reauthenticator,
		cookies:      opts.CookieFlow,
		adobe:        opts.Adobe,
		lcp:          opts.LCP,
		alerter:      opts.Alerter,
		classifier:   opts.Classifier,
		bus:          opts.Registry.Bus(),
		contentRoot:  opts.ContentRoot,
		maxRedirects: opts.MaxRedirects,
		logger:       logging.NewComponentLogger(opts.Logger, "download"),
		now:          opts.Now,
		infos:        make(map[string]*Info),
		transfers:    make(map[uuid.UUID]models.Book),
		redirects:    make(map[uuid.UUID]int),
		retried:      make(map[string]bool),
	}
	if c.classifier == nil {
		c.classifier = fulfillment.New(fulfillment.WithLogger(opts.Logger))
	}
	if c.maxRedirects <= 0 {
		c.maxRedirects = DefaultMaxRedirects
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.changed = events.NewDebouncer(c.bus, opts.BroadcastDelay, events.Event{Type: events.DownloadCenterChanged})

	if c.adobe != nil {
		c.adobe.SetDelegate(c)
	}
	c.registry.SetContentRemover(c)
	return c, nil
}

// Close cancels every transfer and stops pending broadcasts.
func (c *Center) Close() {
	c.cancel()
	c.changed.Stop()
}

// DownloadInfo returns a snapshot of the acquisition in progress for id.
func (c *Center) DownloadInfo(id string) (Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.infos[id]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// DownloadProgress returns the progress fraction for id, zero when idle.
func (c *Center) DownloadProgress(id string) float64 {
	info, _ := c.DownloadInfo(id)
	return info.Progress
}

// Active returns the identifiers with an acquisition in progress.
func (c *Center) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.infos))
	for id := range c.infos {
		ids = append(ids, id)
	}
	return ids
}

// reserve claims id for a new acquisition. It reports false when one is
// already under way.
func (c *Center) reserve(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.infos[id]; busy {
		return false
	}
	c.infos[id] = &Info{Rights: models.RightsUnknown}
	return true
}

// forget drops every piece of in-memory state for id.
func (c *Center) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.infos, id)
}

func (c *Center) updateInfo(id string, fn func(*Info)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.infos[id]
	if ok {
		fn(info)
	}
	return ok
}

// Reset cancels every transfer and removes the account's downloaded content.
func (c *Center) Reset(account string) error {
	c.mu.Lock()
	infos := c.infos
	c.infos = make(map[string]*Info)
	c.transfers = make(map[uuid.UUID]models.Book)
	c.redirects = make(map[uuid.UUID]int)
	c.retried = make(map[string]bool)
	c.mu.Unlock()

	for id, info := range infos {
		switch {
		case info.drm != nil:
			info.drm.Cancel()
		case info.adobeStart && c.adobe != nil:
			c.adobe.CancelFulfillment(id)
		}
		if info.Transfer != nil {
			info.Transfer.Cancel()
		}
	}
	if account == "" {
		account = c.account.ID()
	}
	if err := os.RemoveAll(c.contentDir(account)); err != nil {
		return fmt.Errorf("remove content directory: %w", err)
	}
	c.changed.Trigger()
	return nil
}

func (c *Center) contentDir(account string) string {
	return filepath.Join(c.contentRoot, account, "content")
}

// FileURL returns the path where the content of a registered book lives.
func (c *Center) FileURL(id string) (string, error) {
	book, ok := c.registry.Book(id)
	if !ok {
		return "", fmt.Errorf("book %s is not registered", id)
	}
	return c.fileURL(book), nil
}

// fileURL derives a content-addressed path from the identifier so that
// identifiers never leak into file names.
func (c *Center) fileURL(book models.Book) string {
	sum := sha256.Sum256([]byte(book.Identifier))
	name := hex.EncodeToString(sum[:]) + "." + pathExtension(book)
	return filepath.Join(c.contentDir(c.account.ID()), name)
}

func pathExtension(book models.Book) string {
	lcp := false
	if acq := book.DefaultAcquisition(); acq != nil {
		for _, t := range acq.MIMEChain() {
			if strings.HasPrefix(models.NormalizeMIME(t), models.ContentTypeReadiumLCP) {
				lcp = true
			}
		}
	}
	switch book.ContentType() {
	case models.ContentTypeAudiobookBook:
		if lcp {
			return "lcpa"
		}
		return "json"
	case models.ContentTypePDFBook:
		if lcp {
			return "zip"
		}
		return "pdf"
	default:
		return "epub"
	}
}

// DeleteLocalContent removes the downloaded content of a registered book.
func (c *Center) DeleteLocalContent(id string) error {
	book, ok := c.registry.Book(id)
	if !ok {
		return nil
	}
	return c.RemoveLocalContent(book)
}

// RemoveLocalContent removes the content of book. It does not consult the
// registry, so the registry may call it while handling a message.
func (c *Center) RemoveLocalContent(book models.Book) error {
	if book.ContentType() == models.ContentTypeUnsupported {
		return nil
	}
	path := c.fileURL(book)
	for _, p := range []string{path, path + rightsSuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			logging.WarnWithContext(c.logger, "failed to remove local content", "content_remove_failed",
				logging.String(logging.FieldBookID, book.Identifier),
				logging.String("path", p),
				logging.Error(err),
				logging.String(logging.FieldImpact, "stale content left on disk"))
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	c.logger.Info("removed local content", logging.String(logging.FieldBookID, book.Identifier))
	return nil
}
