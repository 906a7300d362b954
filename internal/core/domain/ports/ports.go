package ports

import (
	"context"
	"errors"
	"net/http"

	"loanshelf/internal/core/domain/models"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by BlobStore.Read for absent keys.
	ErrNotFound = errors.New("blob not found")

	// ErrReauthRequired is the terminal signal from the network layer that
	// a token refresh did not help and the patron must sign in again.
	ErrReauthRequired = errors.New("reauthentication required")

	// ErrLoginRequired means the library needs credentials that are missing
	// or were rejected, and only an interactive sign-in can continue.
	ErrLoginRequired = errors.New("login required")

	// ErrCannotDecode marks a transfer whose body could not be decoded.
	ErrCannotDecode = errors.New("cannot decode content")
)

// BlobStore is durable key to blob storage scoped per library account.
// Keys are slash separated paths. Write must be atomic: readers see either
// the old or the new blob. DeleteTree removes prefix and every key below it;
// an empty prefix removes the whole account.
type BlobStore interface {
	Read(ctx context.Context, account, key string) ([]byte, error)
	Write(ctx context.Context, account, key string, data []byte) error
	Exists(ctx context.Context, account, key string) (bool, error)
	DeleteTree(ctx context.Context, account, prefix string) error
}

// FeedFetcher retrieves and parses an OPDS feed. A server problem document
// is returned as a *models.ProblemDocument error.
type FeedFetcher interface {
	FetchFeed(ctx context.Context, url string, resetCache bool) (*models.Feed, error)
}

// Library identifies a library account and its patron feeds.
type Library interface {
	ID() string
	LoansURL() string
	SelectionURL() string
}

// Account is the patron state the download pipeline consults.
type Account interface {
	Library
	NeedsAuth() bool
	HasCredentials() bool
	AuthToken() string
	Cookies() []*http.Cookie
	SetCookies(cookies []*http.Cookie)
	UserID() string
	DeviceID() string
}

// Reauthenticator refreshes credentials, interactively if needed, and then
// calls completion. When completion will not be called it returns an error,
// wrapping ErrLoginRequired if the patron has to sign in.
type Reauthenticator interface {
	AuthenticateIfNeeded(ctx context.Context, account Account, usingExistingCredentials bool, completion func()) error
}

// Cancelable is any in-flight operation that can be stopped.
type Cancelable interface {
	Cancel()
}

// Transfer is one download task.
type Transfer interface {
	Cancelable
	ID() uuid.UUID
	Resume()
	OriginalRequest() *http.Request
	Response() *http.Response
}

// TransferDelegate receives a transfer's callbacks, in this order:
// DidReceiveResponse once, DidWriteData zero or more times,
// DidFinishDownloading when the body was stored, DidComplete always last.
// WillRedirect may be called before DidReceiveResponse; returning nil stops
// the redirect.
type TransferDelegate interface {
	DidReceiveResponse(t Transfer, resp *http.Response) bool
	DidWriteData(t Transfer, written, expected int64)
	WillRedirect(t Transfer, next *http.Request, via []*http.Request) *http.Request
	DidFinishDownloading(t Transfer, tempPath string)
	DidComplete(t Transfer, err error)
}

// Session creates download transfers. The transfer starts on Resume. The
// delegate owns the file passed to DidFinishDownloading. A transfer that is
// cancelled, or whose response the delegate rejects, completes with an error
// matching context.Canceled.
type Session interface {
	Download(ctx context.Context, req *http.Request, delegate TransferDelegate) Transfer
}

// CookieOutcome is the result of a cookie replay flow.
type CookieOutcome struct {
	Cancelled bool
	Request   *http.Request
	Cookies   []*http.Cookie
	Problem   *models.ProblemDocument
}

// CookieFlow replays session cookies from an earlier SAML login so a
// federated login redirect is not triggered again.
type CookieFlow interface {
	Run(ctx context.Context, req *http.Request, cookies []*http.Cookie) CookieOutcome
}

// AdobeResult is reported by AdobeService when a fulfillment ends.
type AdobeResult struct {
	Finished      bool
	LocalPath     string
	FulfillmentID string
	Returnable    bool
	Rights        []byte
	Err           error
}

// AdobeDelegate receives Adobe fulfillment callbacks keyed by tag.
type AdobeDelegate interface {
	AdeptDidFinish(tag string, result AdobeResult)
	AdeptDidUpdateProgress(tag string, progress float64)
	AdeptDidCancel(tag string)
}

// AdobeService fulfills ACSM files through Adobe ACS.
type AdobeService interface {
	SetDelegate(d AdobeDelegate)
	Fulfill(ctx context.Context, acsm []byte, tag, userID, deviceID string)
	CancelFulfillment(tag string)
	ReturnLoan(ctx context.Context, fulfillmentID, userID, deviceID string) error
}

// LCPResult is reported by LCPService when a fulfillment ends.
type LCPResult struct {
	LocalPath string
	LicenseID string
	Err       error
}

// LCPService fulfills Readium LCP licenses.
type LCPService interface {
	LicenseExtension() string
	Fulfill(ctx context.Context, licensePath string, progress func(float64), completion func(LCPResult)) Cancelable
}

// Alert is a failure surfaced to the patron.
type Alert struct {
	Kind    models.FailureKind
	BookID  string
	Title   string
	Message string
	Problem *models.ProblemDocument
	Err     error
}

// Alerter presents alerts to the patron.
type Alerter interface {
	Alert(ctx context.Context, a Alert)
}

// UserNotifier delivers patron-facing notifications outside the app.
type UserNotifier interface {
	BookIsAvailable(ctx context.Context, book models.Book) error
	SetBadge(ctx context.Context, count int) error
}

// ContentRemover deletes a book's downloaded content.
type ContentRemover interface {
	RemoveLocalContent(book models.Book) error
}
