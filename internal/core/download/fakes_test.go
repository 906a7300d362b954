package download_test

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"loanshelf/internal/adapters/network"
	"loanshelf/internal/adapters/storage"
	"loanshelf/internal/core/domain/models"
	"loanshelf/internal/core/domain/ports"
	"loanshelf/internal/core/download"
	"loanshelf/internal/core/events"
	"loanshelf/internal/core/registry"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type testAccount struct {
	mu        sync.Mutex
	needsAuth bool
	token     string
	cookies   []*http.Cookie
}

func (a *testAccount) ID() string           { return "lib-1" }
func (a *testAccount) LoansURL() string     { return "https://lib.example/loans" }
func (a *testAccount) SelectionURL() string { return "https://lib.example/selected" }
func (a *testAccount) NeedsAuth() bool      { return a.needsAuth }
func (a *testAccount) HasCredentials() bool { return a.token != "" }
func (a *testAccount) AuthToken() string    { return a.token }
func (a *testAccount) UserID() string       { return "user" }
func (a *testAccount) DeviceID() string     { return "device" }

func (a *testAccount) Cookies() []*http.Cookie {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cookies
}

func (a *testAccount) SetCookies(cookies []*http.Cookie) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cookies = cookies
}

// feedStub answers borrow and revoke links from canned books or errors.
type feedStub struct {
	mu    sync.Mutex
	feeds map[string]*models.Feed
	errs  map[string]error
}

func newFeedStub() *feedStub {
	return &feedStub{feeds: map[string]*models.Feed{}, errs: map[string]error{}}
}

func (f *feedStub) set(url string, books ...models.Book) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feeds[url] = &models.Feed{Entries: books}
}

func (f *feedStub) fail(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[url] = err
}

func (f *feedStub) FetchFeed(ctx context.Context, url string, resetCache bool) (*models.Feed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[url]; err != nil {
		return nil, err
	}
	if feed, ok := f.feeds[url]; ok {
		return feed, nil
	}
	return &models.Feed{}, nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []ports.Alert
}

func (a *recordingAlerter) Alert(ctx context.Context, alert ports.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
}

func (a *recordingAlerter) kinds() []models.FailureKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []models.FailureKind
	for _, alert := range a.alerts {
		out = append(out, alert.Kind)
	}
	return out
}

type fixture struct {
	center  *download.Center
	reg     *registry.Registry
	feeds   *feedStub
	account *testAccount
	alerter *recordingAlerter
	bus     *events.Bus
	root    string
}

func newFixture(t *testing.T, client *http.Client, account *testAccount, opts ...func(*download.Options)) *fixture {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	if account == nil {
		account = &testAccount{}
	}

	f := &fixture{
		feeds:   newFeedStub(),
		account: account,
		alerter: &recordingAlerter{},
		bus:     events.NewBus(),
		root:    t.TempDir(),
	}
	f.reg = registry.New(registry.Options{
		Store:   store,
		Fetcher: f.feeds,
		Library: account,
		Bus:     f.bus,
	})
	t.Cleanup(f.reg.Close)
	require.NoError(t, f.reg.Load(context.Background(), ""))

	if client == nil {
		client = http.DefaultClient
	}
	options := download.Options{
		Registry:    f.reg,
		Session:     network.NewSession(client, network.WithTempDir(t.TempDir())),
		Fetcher:     f.feeds,
		Account:     account,
		Alerter:     f.alerter,
		ContentRoot: f.root,
	}
	for _, opt := range opts {
		opt(&options)
	}
	f.center, err = download.New(options)
	require.NoError(t, err)
	t.Cleanup(f.center.Close)
	return f
}

func (f *fixture) waitForState(t *testing.T, id string, want models.BookState) {
	t.Helper()
	require.Eventually(t, func() bool { return f.reg.BookState(id) == want },
		5*time.Second, 10*time.Millisecond,
		"book %s never reached %s, last state %s", id, want, f.reg.BookState(id))
}

func openAccessBook(id, href string) models.Book {
	return models.Book{
		Identifier: id,
		Title:      "Title " + id,
		Acquisitions: []models.Acquisition{{
			Relation:     models.RelationOpenAccess,
			Type:         models.ContentTypeEpubZip,
			HRef:         href,
			Availability: models.Unlimited{},
		}},
	}
}

// fakeTransfer is a Transfer whose callbacks are driven by the test.
type fakeTransfer struct {
	id  uuid.UUID
	req *http.Request
}

func newFakeTransfer(req *http.Request) *fakeTransfer {
	return &fakeTransfer{id: uuid.New(), req: req}
}

func (t *fakeTransfer) ID() uuid.UUID                  { return t.id }
func (t *fakeTransfer) Resume()                        {}
func (t *fakeTransfer) Cancel()                        {}
func (t *fakeTransfer) OriginalRequest() *http.Request { return t.req }
func (t *fakeTransfer) Response() *http.Response       { return nil }

// fakeReauth completes synchronously unless err is set. hook runs before
// completion, standing in for the patron signing in.
type fakeReauth struct {
	mu    sync.Mutex
	calls int
	err   error
	hook  func()
}

func (r *fakeReauth) AuthenticateIfNeeded(ctx context.Context, account ports.Account, usingExistingCredentials bool, completion func()) error {
	r.mu.Lock()
	r.calls++
	err, hook := r.err, r.hook
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook()
	}
	completion()
	return nil
}

func (r *fakeReauth) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func withReauth(r *fakeReauth) func(*download.Options) {
	return func(o *download.Options) { o.Reauthenticator = r }
}

// fakeCookieFlow answers each run with the next outcome.
type fakeCookieFlow struct {
	mu       sync.Mutex
	outcomes []ports.CookieOutcome
	seen     [][]*http.Cookie
}

func (f *fakeCookieFlow) Run(ctx context.Context, req *http.Request, cookies []*http.Cookie) ports.CookieOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, cookies)
	if len(f.outcomes) == 0 {
		return ports.CookieOutcome{Cancelled: true}
	}
	out := f.outcomes[0]
	f.outcomes = f.outcomes[1:]
	return out
}

func (f *fakeCookieFlow) runs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

// fakeAdobe plays the Adobe service. With cancel set it reports a
// cancellation; otherwise it writes content and reports a finished loan.
type fakeAdobe struct {
	mu       sync.Mutex
	delegate ports.AdobeDelegate
	dir      string
	cancel   bool
	acsm     []byte
	returned []string
}

func (a *fakeAdobe) SetDelegate(d ports.AdobeDelegate) { a.delegate = d }

func (a *fakeAdobe) Fulfill(ctx context.Context, acsm []byte, tag, userID, deviceID string) {
	a.mu.Lock()
	a.acsm = acsm
	a.mu.Unlock()
	if a.cancel {
		a.delegate.AdeptDidCancel(tag)
		return
	}
	path := filepath.Join(a.dir, tag+".epub")
	if err := os.WriteFile(path, []byte("adobe epub"), 0o644); err != nil {
		a.delegate.AdeptDidFinish(tag, ports.AdobeResult{Err: err})
		return
	}
	a.delegate.AdeptDidUpdateProgress(tag, 0.5)
	a.delegate.AdeptDidFinish(tag, ports.AdobeResult{
		Finished:      true,
		LocalPath:     path,
		FulfillmentID: "urn:adobe:loan-1",
		Returnable:    true,
		Rights:        []byte("<rights/>"),
	})
}

func (a *fakeAdobe) CancelFulfillment(tag string) {}

func (a *fakeAdobe) ReturnLoan(ctx context.Context, fulfillmentID, userID, deviceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.returned = append(a.returned, fulfillmentID)
	return nil
}

func (a *fakeAdobe) received() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acsm
}

// fakeLCP decrypts nothing: it records the license it was given and hands
// back a prepared publication.
type fakeLCP struct {
	mu      sync.Mutex
	dir     string
	err     error
	license string
	body    []byte
}

type noopJob struct{}

func (noopJob) Cancel() {}

func (l *fakeLCP) LicenseExtension() string { return "lcpl" }

func (l *fakeLCP) Fulfill(ctx context.Context, licensePath string, progress func(float64), completion func(ports.LCPResult)) ports.Cancelable {
	body, _ := os.ReadFile(licensePath)
	l.mu.Lock()
	l.license, l.body = licensePath, body
	err := l.err
	l.mu.Unlock()
	if err != nil {
		completion(ports.LCPResult{Err: err})
		return noopJob{}
	}
	path := filepath.Join(l.dir, "publication.epub")
	if werr := os.WriteFile(path, []byte("lcp epub"), 0o644); werr != nil {
		completion(ports.LCPResult{Err: werr})
		return noopJob{}
	}
	progress(0.5)
	completion(ports.LCPResult{LocalPath: path, LicenseID: "lic-1"})
	return noopJob{}
}

func (l *fakeLCP) received() (string, []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.license, l.body
}
