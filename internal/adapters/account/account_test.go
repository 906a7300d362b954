package account

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"loanshelf/internal/adapters/storage"
	"loanshelf/internal/core/domain/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAccount(t *testing.T, store ports.BlobStore, opts ...Option) *UserAccount {
	t.Helper()
	if store == nil {
		fs, err := storage.NewFileStore(t.TempDir())
		require.NoError(t, err)
		store = fs
	}
	a, err := New("lib-1", store, opts...)
	require.NoError(t, err)
	require.NoError(t, a.Load(context.Background()))
	return a
}

func TestNew_RequiresLibrary(t *testing.T) {
	_, err := New("", nil)
	assert.Error(t, err)
}

func TestUserAccount_PersistsAcrossLoads(t *testing.T) {
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	a := newAccount(t, store, WithURLs(URLs{Loans: "https://lib.example/loans"}), WithNeedsAuth(true))
	device := a.DeviceID()
	require.NotEmpty(t, device)
	a.SetCredentials("patron", "1234")
	a.SetAuthToken("tok", time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	a.SetCookies([]*http.Cookie{{Name: "session", Value: "abc", Domain: "idp.example"}})
	a.SetLicensor(map[string]string{"vendor": "NYPL"})

	b := newAccount(t, store, WithURLs(URLs{Selection: "https://lib.example/selected"}))
	assert.Equal(t, device, b.DeviceID())
	assert.Equal(t, "tok", b.AuthToken())
	assert.True(t, b.NeedsAuth())
	assert.True(t, b.HasCredentials())
	assert.Equal(t, "https://lib.example/loans", b.LoansURL())
	assert.Equal(t, "https://lib.example/selected", b.SelectionURL())
	user, pass, ok := b.BasicAuth()
	assert.True(t, ok)
	assert.Equal(t, "patron", user)
	assert.Equal(t, "1234", pass)
	require.Len(t, b.Cookies(), 1)
	assert.Equal(t, "session", b.Cookies()[0].Name)
	assert.Equal(t, "idp.example", b.Cookies()[0].Domain)
	assert.Equal(t, map[string]string{"vendor": "NYPL"}, b.Licensor())
}

func TestUserAccount_AuthTokenHasExpired(t *testing.T) {
	a := newAccount(t, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.False(t, a.AuthTokenHasExpired(now), "no token")

	a.SetAuthToken("tok", time.Time{})
	assert.False(t, a.AuthTokenHasExpired(now), "no expiry")

	a.SetAuthToken("tok", now.Add(time.Hour))
	assert.False(t, a.AuthTokenHasExpired(now))

	a.SetAuthToken("tok", now.Add(-time.Second))
	assert.True(t, a.AuthTokenHasExpired(now))

	a.SetAuthToken("tok", now)
	assert.True(t, a.AuthTokenHasExpired(now))
}

func TestUserAccount_SignOutKeepsDevice(t *testing.T) {
	a := newAccount(t, nil)
	device := a.DeviceID()
	a.SetCredentials("patron", "1234")
	a.SetAuthToken("tok", time.Time{})
	a.SetCookies([]*http.Cookie{{Name: "s", Value: "v"}})

	a.SignOut()
	assert.False(t, a.HasCredentials())
	assert.Empty(t, a.AuthToken())
	assert.Empty(t, a.Cookies())
	assert.Equal(t, device, a.DeviceID())
}

func TestTokenClient_RefreshToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "patron" || pass != "1234" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"accessToken": "fresh", "tokenType": "Bearer", "expiresIn": 3600})
	}))
	defer server.Close()

	a := newAccount(t, nil, WithURLs(URLs{Token: server.URL}), WithNeedsAuth(true))
	a.SetCredentials("patron", "1234")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tc := NewTokenClient(a, server.Client(), nil)
	tc.now = func() time.Time { return now }

	require.NoError(t, tc.RefreshToken(context.Background()))
	assert.Equal(t, "fresh", a.AuthToken())
	assert.False(t, a.AuthTokenHasExpired(now.Add(59*time.Minute)))
	assert.True(t, a.AuthTokenHasExpired(now.Add(time.Hour)))

	a.SetCredentials("patron", "wrong")
	err := tc.RefreshToken(context.Background())
	assert.ErrorIs(t, err, ports.ErrReauthRequired)
}

func TestTokenClient_RefreshNeedsEndpointAndCredentials(t *testing.T) {
	a := newAccount(t, nil)
	tc := NewTokenClient(a, nil, nil)
	assert.ErrorIs(t, tc.RefreshToken(context.Background()), ErrNoTokenEndpoint)

	b := newAccount(t, nil, WithURLs(URLs{Token: "https://lib.example/token"}))
	assert.ErrorIs(t, NewTokenClient(b, nil, nil).RefreshToken(context.Background()), ErrNoCredentials)
}

func TestTokenClient_AuthenticateIfNeeded(t *testing.T) {
	a := newAccount(t, nil, WithNeedsAuth(true))
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tc := NewTokenClient(a, nil, nil)
	tc.now = func() time.Time { return now }

	calls := 0
	done := func() { calls++ }

	err := tc.AuthenticateIfNeeded(context.Background(), a, false, done)
	assert.ErrorIs(t, err, ports.ErrLoginRequired, "no stored credentials")
	assert.Equal(t, 0, calls)

	a.SetCredentials("patron", "1234")
	require.NoError(t, tc.AuthenticateIfNeeded(context.Background(), a, false, done))
	assert.Equal(t, 1, calls)

	err = tc.AuthenticateIfNeeded(context.Background(), a, false, done)
	assert.ErrorIs(t, err, ports.ErrLoginRequired, "replayed inside the cooldown")
	assert.Equal(t, 1, calls)

	now = now.Add(time.Minute)
	require.NoError(t, tc.AuthenticateIfNeeded(context.Background(), a, false, done))
	assert.Equal(t, 2, calls)
}

func TestTokenClient_RejectedRefreshNeedsLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := newAccount(t, nil, WithNeedsAuth(true), WithURLs(URLs{Token: srv.URL}))
	a.SetCredentials("patron", "wrong")
	called := false
	err := NewTokenClient(a, srv.Client(), nil).AuthenticateIfNeeded(context.Background(), a, true, func() { called = true })
	assert.ErrorIs(t, err, ports.ErrLoginRequired)
	assert.ErrorIs(t, err, ports.ErrReauthRequired)
	assert.False(t, called)
}

func TestTokenClient_NoAuthLibraryCompletes(t *testing.T) {
	a := newAccount(t, nil)
	called := false
	err := NewTokenClient(a, nil, nil).AuthenticateIfNeeded(context.Background(), a, true, func() { called = true })
	require.NoError(t, err)
	assert.True(t, called)
}
