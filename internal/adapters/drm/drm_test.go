package drm

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"loanshelf/internal/core/domain/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func epubArchive(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range map[string]string{
		"mimetype":              "application/epub+zip",
		"OEBPS/chapter1.xhtml":  "<html/>",
		"META-INF/license.lcpl": "stale",
	} {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func writeLicense(t *testing.T, dir, href string) (string, []byte) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id": "lic-42",
		"links": []map[string]any{
			{"rel": "hint", "href": "https://lib.example/hint"},
			{"rel": "publication", "href": href, "type": "application/epub+zip"},
		},
	})
	require.NoError(t, err)
	path := filepath.Join(dir, "book.lcpl")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path, raw
}

func waitResult(t *testing.T, ch <-chan ports.LCPResult) ports.LCPResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("fulfillment did not complete")
		return ports.LCPResult{}
	}
}

func TestLCPFulfiller_EmbedsLicense(t *testing.T) {
	archive := epubArchive(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/epub+zip")
		w.Write(archive)
	}))
	defer server.Close()

	dir := t.TempDir()
	licensePath, license := writeLicense(t, dir, server.URL+"/pub.epub")
	f := NewLCPFulfiller(server.Client(), dir, nil)
	assert.Equal(t, "lcpl", f.LicenseExtension())

	var last float64
	done := make(chan ports.LCPResult, 1)
	f.Fulfill(context.Background(), licensePath, func(p float64) { last = p }, func(r ports.LCPResult) { done <- r })
	res := waitResult(t, done)

	require.NoError(t, res.Err)
	assert.Equal(t, "lic-42", res.LicenseID)
	assert.Equal(t, 1.0, last)

	zr, err := zip.OpenReader(res.LocalPath)
	require.NoError(t, err)
	defer zr.Close()
	entries := map[string][]byte{}
	for _, e := range zr.File {
		rc, err := e.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		entries[e.Name] = body
	}
	assert.Len(t, entries, 3)
	assert.Equal(t, "application/epub+zip", string(entries["mimetype"]))
	assert.Equal(t, license, entries["META-INF/license.lcpl"])
}

func TestLCPFulfiller_MissingPublicationLink(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "book.lcpl")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":"x","links":[]}`), 0o600))

	done := make(chan ports.LCPResult, 1)
	NewLCPFulfiller(nil, dir, nil).Fulfill(context.Background(), path, nil, func(r ports.LCPResult) { done <- r })
	res := waitResult(t, done)
	require.Error(t, res.Err)
	assert.Empty(t, res.LocalPath)
}

func TestLCPFulfiller_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	dir := t.TempDir()
	licensePath, _ := writeLicense(t, dir, server.URL)
	done := make(chan ports.LCPResult, 1)
	NewLCPFulfiller(server.Client(), dir, nil).Fulfill(context.Background(), licensePath, nil, func(r ports.LCPResult) { done <- r })
	res := waitResult(t, done)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "404")
}

func TestLCPFulfiller_CancelSkipsCompletion(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	dir := t.TempDir()
	licensePath, _ := writeLicense(t, dir, server.URL)
	called := make(chan struct{}, 1)
	job := NewLCPFulfiller(server.Client(), dir, nil).Fulfill(context.Background(), licensePath, nil, func(ports.LCPResult) { called <- struct{}{} })

	<-started
	job.Cancel()
	job.Cancel()
	select {
	case <-called:
		t.Fatal("completion called after cancel")
	case <-time.After(200 * time.Millisecond):
	}
}

type adobeRecorder struct {
	finished chan ports.AdobeResult
	canceled chan string
}

func (r *adobeRecorder) AdeptDidFinish(tag string, result ports.AdobeResult) { r.finished <- result }
func (r *adobeRecorder) AdeptDidUpdateProgress(tag string, progress float64) {}
func (r *adobeRecorder) AdeptDidCancel(tag string)                         { r.canceled <- tag }

func TestUnavailableAdobe_ReportsUnavailable(t *testing.T) {
	a := NewUnavailableAdobe(nil)
	a.Fulfill(context.Background(), []byte("<acsm/>"), "b1", "u", "d")

	rec := &adobeRecorder{finished: make(chan ports.AdobeResult, 1), canceled: make(chan string, 1)}
	a.SetDelegate(rec)
	a.Fulfill(context.Background(), []byte("<acsm/>"), "b1", "u", "d")
	select {
	case res := <-rec.finished:
		assert.ErrorIs(t, res.Err, ErrUnavailable)
		assert.False(t, res.Finished)
	case <-time.After(5 * time.Second):
		t.Fatal("delegate not called")
	}

	a.CancelFulfillment("b1")
	assert.Equal(t, "b1", <-rec.canceled)
	assert.ErrorIs(t, a.ReturnLoan(context.Background(), "f", "u", "d"), ErrUnavailable)
}
