package download_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"loanshelf/internal/core/domain/models"
	"loanshelf/internal/core/domain/ports"
	"loanshelf/internal/core/download"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartDownload_UnauthorizedProblemReauthenticatesAndRetries(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.Header().Set("Content-Type", models.ContentTypeProblemDocument)
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"type":"http://example.com/session-expired","title":"Session expired"}`)
			return
		}
		w.Header().Set("Content-Type", models.ContentTypeEpubZip)
		fmt.Fprint(w, "epub")
	}))
	defer server.Close()

	reauth := &fakeReauth{}
	f := newFixture(t, server.Client(), &testAccount{needsAuth: true, token: "tok"}, withReauth(reauth))
	book := openAccessBook("b1", server.URL+"/b1.epub")

	require.NoError(t, f.center.StartDownload(context.Background(), book, nil))
	f.waitForState(t, "b1", models.StateDownloadSuccessful)

	assert.Equal(t, 1, reauth.count())
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
	assert.Empty(t, f.alerter.kinds())
}

func TestStartDownload_UnauthorizedTwiceGivesUp(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, "<html>sign in</html>")
	}))
	defer server.Close()

	reauth := &fakeReauth{}
	f := newFixture(t, server.Client(), &testAccount{needsAuth: true, token: "tok"}, withReauth(reauth))
	book := openAccessBook("b1", server.URL+"/b1.epub")

	require.NoError(t, f.center.StartDownload(context.Background(), book, nil))
	f.waitForState(t, "b1", models.StateDownloadFailed)
	require.Eventually(t, func() bool { return len(f.alerter.kinds()) == 1 }, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, reauth.count())
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
	assert.Equal(t, []models.FailureKind{models.FailureInvalidCredentials}, f.alerter.kinds())
}

func TestStartDownload_UnauthorizedWithoutSignInFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	reauth := &fakeReauth{err: ports.ErrLoginRequired}
	f := newFixture(t, server.Client(), &testAccount{needsAuth: true, token: "tok"}, withReauth(reauth))

	require.NoError(t, f.center.StartDownload(context.Background(), openAccessBook("b1", server.URL+"/b1.epub"), nil))
	f.waitForState(t, "b1", models.StateDownloadFailed)
	require.Eventually(t, func() bool { return len(f.alerter.kinds()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, reauth.count())
}

func TestStartDownload_ServerErrorIsNotReauthenticated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	reauth := &fakeReauth{}
	f := newFixture(t, server.Client(), &testAccount{needsAuth: true, token: "tok"}, withReauth(reauth))

	require.NoError(t, f.center.StartDownload(context.Background(), openAccessBook("b1", server.URL+"/b1.epub"), nil))
	f.waitForState(t, "b1", models.StateDownloadFailed)
	require.Eventually(t, func() bool { return len(f.alerter.kinds()) == 1 }, 5*time.Second, 10*time.Millisecond)

	f.alerter.mu.Lock()
	alert := f.alerter.alerts[0]
	f.alerter.mu.Unlock()
	assert.Equal(t, models.FailureNetwork, alert.Kind)
	assert.Contains(t, alert.Message, "503")
	assert.Zero(t, reauth.count())
}

func TestStartDownload_LoginRequiredWhenSignInUnavailable(t *testing.T) {
	reauth := &fakeReauth{err: ports.ErrLoginRequired}
	f := newFixture(t, nil, &testAccount{needsAuth: true}, withReauth(reauth))

	err := f.center.StartDownload(context.Background(), openAccessBook("b1", "https://lib.example/b1"), nil)
	assert.ErrorIs(t, err, download.ErrLoginRequired)
	assert.Equal(t, 1, reauth.count())
	assert.Equal(t, models.StateUnregistered, f.reg.BookState("b1"))
}

func borrowableBook(borrowURL string) models.Book {
	return models.Book{
		Identifier: "b1",
		Title:      "Borrowable",
		Acquisitions: []models.Acquisition{{
			Relation:      models.RelationBorrow,
			Type:          models.ContentTypeOPDSEntry,
			HRef:          borrowURL,
			IndirectTypes: []string{models.ContentTypeEpubZip},
			Availability:  models.Limited{CopiesAvailable: 1, CopiesTotal: 2},
		}},
	}
}

func TestStartBorrow_InvalidCredentialsReauthenticatesThenDownloads(t *testing.T) {
	server, hits := epubServer(t, "borrowed epub")
	const borrowURL = "https://lib.example/works/b1/borrow"
	book := borrowableBook(borrowURL)
	loan := book
	loan.Acquisitions = []models.Acquisition{{
		Relation:     models.RelationGeneric,
		Type:         models.ContentTypeEpubZip,
		HRef:         server.URL + "/fulfill/b1",
		Availability: models.Limited{CopiesTotal: 2},
	}}

	reauth := &fakeReauth{}
	f := newFixture(t, server.Client(), &testAccount{needsAuth: true, token: "tok"}, withReauth(reauth))
	f.feeds.fail(borrowURL, &models.ProblemDocument{Type: models.ProblemTypeInvalidCredentials, Title: "Invalid credentials"})
	reauth.hook = func() {
		f.feeds.fail(borrowURL, nil)
		f.feeds.set(borrowURL, loan)
	}

	require.NoError(t, f.center.StartBorrow(context.Background(), book, true))
	f.waitForState(t, "b1", models.StateDownloadSuccessful)

	assert.Equal(t, 1, reauth.count())
	assert.EqualValues(t, 1, atomic.LoadInt32(hits))
	assert.Empty(t, f.alerter.kinds())
}

func TestStartBorrow_InvalidCredentialsWithoutSignIn(t *testing.T) {
	const borrowURL = "https://lib.example/works/b1/borrow"
	reauth := &fakeReauth{err: ports.ErrLoginRequired}
	f := newFixture(t, nil, &testAccount{needsAuth: true, token: "tok"}, withReauth(reauth))
	f.feeds.fail(borrowURL, &models.ProblemDocument{Type: models.ProblemTypeInvalidCredentials})

	err := f.center.StartBorrow(context.Background(), borrowableBook(borrowURL), true)
	assert.ErrorIs(t, err, download.ErrLoginRequired)
	assert.Equal(t, []models.FailureKind{models.FailureInvalidCredentials}, f.alerter.kinds())
	assert.Equal(t, models.StateUnregistered, f.reg.BookState("b1"))
}

func TestReturnBook_InvalidCredentialsReauthenticatesThenReturns(t *testing.T) {
	const revokeURL = "https://lib.example/works/b1/revoke"
	reauth := &fakeReauth{}
	f := newFixture(t, nil, &testAccount{needsAuth: true, token: "tok"}, withReauth(reauth))
	book, path := downloadedLoan(t, f, revokeURL)

	f.feeds.fail(revokeURL, &models.ProblemDocument{Type: models.ProblemTypeInvalidCredentials})
	reauth.hook = func() {
		f.feeds.fail(revokeURL, nil)
		f.feeds.set(revokeURL, book)
	}

	require.NoError(t, f.center.ReturnBook(context.Background(), "b1"))
	assert.Equal(t, 1, reauth.count())
	assert.NoFileExists(t, path)
	assert.Equal(t, models.StateUnregistered, f.reg.BookState("b1"))
	assert.Empty(t, f.alerter.kinds())
}

func TestReturnBook_InvalidCredentialsWithoutSignIn(t *testing.T) {
	const revokeURL = "https://lib.example/works/b1/revoke"
	reauth := &fakeReauth{err: ports.ErrLoginRequired}
	f := newFixture(t, nil, &testAccount{needsAuth: true, token: "tok"}, withReauth(reauth))
	_, path := downloadedLoan(t, f, revokeURL)
	f.feeds.fail(revokeURL, &models.ProblemDocument{Type: models.ProblemTypeInvalidCredentials})

	err := f.center.ReturnBook(context.Background(), "b1")
	assert.ErrorIs(t, err, download.ErrLoginRequired)
	assert.Equal(t, []models.FailureKind{models.FailureInvalidCredentials}, f.alerter.kinds())
	assert.FileExists(t, path)
	assert.Equal(t, models.StateDownloadSuccessful, f.reg.BookState("b1"))
}

func samlAccount() *testAccount {
	return &testAccount{
		needsAuth: true,
		token:     "tok",
		cookies:   []*http.Cookie{{Name: "saml", Value: "old"}},
	}
}

func TestStartDownload_CookieReplayCancelled(t *testing.T) {
	server, hits := epubServer(t, "epub")
	flow := &fakeCookieFlow{outcomes: []ports.CookieOutcome{{Cancelled: true}}}
	f := newFixture(t, server.Client(), samlAccount(), func(o *download.Options) { o.CookieFlow = flow })
	book := openAccessBook("b1", server.URL+"/b1.epub")
	f.reg.AddBook(book, models.StateDownloadNeeded, models.SelectionUnselected)

	require.NoError(t, f.center.StartDownload(context.Background(), book, nil))

	assert.Equal(t, models.StateDownloadNeeded, f.reg.BookState("b1"))
	assert.Equal(t, 1, flow.runs())
	assert.Equal(t, "old", flow.seen[0][0].Value)
	assert.Zero(t, atomic.LoadInt32(hits))
	assert.Empty(t, f.center.Active())
}

func TestStartDownload_CookieReplayFollowsReturnedRequest(t *testing.T) {
	var path atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		w.Header().Set("Content-Type", models.ContentTypeEpubZip)
		fmt.Fprint(w, "epub")
	}))
	defer server.Close()

	next, err := http.NewRequest(http.MethodGet, server.URL+"/after-login", nil)
	require.NoError(t, err)
	fresh := []*http.Cookie{{Name: "saml", Value: "new"}}
	flow := &fakeCookieFlow{outcomes: []ports.CookieOutcome{{Request: next, Cookies: fresh}}}
	account := samlAccount()
	f := newFixture(t, server.Client(), account, func(o *download.Options) { o.CookieFlow = flow })
	book := openAccessBook("b1", server.URL+"/b1.epub")
	f.reg.AddBook(book, models.StateDownloadNeeded, models.SelectionUnselected)

	require.NoError(t, f.center.StartDownload(context.Background(), book, nil))
	f.waitForState(t, "b1", models.StateDownloadSuccessful)

	assert.Equal(t, "/after-login", path.Load())
	assert.Equal(t, fresh, account.Cookies())
	assert.Equal(t, 1, flow.runs())
}

func TestStartDownload_CookieReplayProblemReauthenticates(t *testing.T) {
	server, hits := epubServer(t, "epub")
	next, err := http.NewRequest(http.MethodGet, server.URL+"/b1.epub", nil)
	require.NoError(t, err)
	flow := &fakeCookieFlow{outcomes: []ports.CookieOutcome{
		{Problem: &models.ProblemDocument{Type: models.ProblemTypeExpiredCredentials}},
		{Request: next},
	}}
	reauth := &fakeReauth{}
	f := newFixture(t, server.Client(), samlAccount(), withReauth(reauth),
		func(o *download.Options) { o.CookieFlow = flow })
	book := openAccessBook("b1", server.URL+"/b1.epub")
	f.reg.AddBook(book, models.StateDownloadNeeded, models.SelectionUnselected)

	require.NoError(t, f.center.StartDownload(context.Background(), book, nil))
	f.waitForState(t, "b1", models.StateDownloadSuccessful)

	assert.Equal(t, 1, reauth.count())
	assert.Equal(t, 2, flow.runs())
	assert.EqualValues(t, 1, atomic.LoadInt32(hits))
}

func TestStartDownload_CookieReplayProblemWithoutSignIn(t *testing.T) {
	flow := &fakeCookieFlow{outcomes: []ports.CookieOutcome{
		{Problem: &models.ProblemDocument{Type: models.ProblemTypeExpiredCredentials}},
	}}
	f := newFixture(t, nil, samlAccount(), func(o *download.Options) { o.CookieFlow = flow })
	book := openAccessBook("b1", "https://lib.example/b1.epub")
	f.reg.AddBook(book, models.StateDownloadNeeded, models.SelectionUnselected)

	err := f.center.StartDownload(context.Background(), book, nil)
	assert.ErrorIs(t, err, download.ErrLoginRequired)
	assert.Equal(t, models.StateDownloadNeeded, f.reg.BookState("b1"))
	assert.Equal(t, []models.FailureKind{models.FailureInvalidCredentials}, f.alerter.kinds())
}
