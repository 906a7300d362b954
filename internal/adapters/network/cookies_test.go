package network

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"loanshelf/internal/core/domain/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCookieReplay_FindsBook(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie("session"); err != nil {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		if r.URL.Path == "/borrow" {
			http.SetCookie(w, &http.Cookie{Name: "fulfil", Value: "1", Path: "/"})
			http.Redirect(w, r, server.URL+"/content", http.StatusFound)
			return
		}
		w.Header().Set("Content-Type", models.ContentTypeEpubZip)
		fmt.Fprint(w, "book")
	}))
	defer server.Close()

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/borrow", nil)
	flow := NewCookieReplay(server.Client().Transport, nil)

	out := flow.Run(context.Background(), req, []*http.Cookie{{Name: "session", Value: "abc"}})

	require.False(t, out.Cancelled)
	require.Nil(t, out.Problem)
	require.NotNil(t, out.Request)
	assert.Equal(t, server.URL+"/content", out.Request.URL.String())
	names := map[string]bool{}
	for _, ck := range out.Cookies {
		names[ck.Name] = true
	}
	assert.True(t, names["session"])
	assert.True(t, names["fulfil"])
	_, err := out.Request.Cookie("session")
	assert.NoError(t, err)
}

func TestCookieReplay_LoginPageMeansExpired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html>sign in</html>")
	}))
	defer server.Close()

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	out := NewCookieReplay(server.Client().Transport, nil).Run(context.Background(), req, nil)

	require.NotNil(t, out.Problem)
	assert.Equal(t, models.ProblemTypeExpiredCredentials, out.Problem.Type)
	assert.True(t, out.Problem.IndicatesReauthentication())
}

func TestCookieReplay_CancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)

	out := NewCookieReplay(server.Client().Transport, nil).Run(ctx, req, nil)
	assert.True(t, out.Cancelled)
}
