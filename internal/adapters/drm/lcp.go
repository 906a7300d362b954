package drm

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"loanshelf/internal/core/domain/ports"
	"loanshelf/internal/logging"
)

const (
	licenseExtension = "lcpl"
	licenseEntry     = "META-INF/license.lcpl"
	relPublication   = "publication"
)

type lcpLicense struct {
	ID    string    `json:"id"`
	Links []lcpLink `json:"links"`
}

type lcpLink struct {
	Rel    string `json:"rel"`
	Href   string `json:"href"`
	Type   string `json:"type"`
	Length int64  `json:"length"`
}

// LCPFulfiller acquires the protected publication a Readium LCP license
// points to and embeds the license in it. Decryption is the reader's job.
type LCPFulfiller struct {
	client  *http.Client
	tempDir string
	logger  *slog.Logger
}

func NewLCPFulfiller(client *http.Client, tempDir string, logger *slog.Logger) *LCPFulfiller {
	if client == nil {
		client = http.DefaultClient
	}
	return &LCPFulfiller{client: client, tempDir: tempDir, logger: logging.NewComponentLogger(logger, "lcp")}
}

var _ ports.LCPService = (*LCPFulfiller)(nil)

func (f *LCPFulfiller) LicenseExtension() string { return licenseExtension }

type lcpJob struct {
	cancel context.CancelFunc
	once   sync.Once
}

func (j *lcpJob) Cancel() { j.once.Do(j.cancel) }

// Fulfill runs in the background. completion is not called for a cancelled
// job.
func (f *LCPFulfiller) Fulfill(ctx context.Context, licensePath string, progress func(float64), completion func(ports.LCPResult)) ports.Cancelable {
	ctx, cancel := context.WithCancel(ctx)
	job := &lcpJob{cancel: cancel}
	go func() {
		defer job.Cancel()
		res := f.fulfill(ctx, licensePath, progress)
		if ctx.Err() != nil {
			if res.LocalPath != "" {
				_ = os.Remove(res.LocalPath)
			}
			f.logger.Info("LCP fulfillment cancelled", logging.String("license", licensePath))
			return
		}
		completion(res)
	}()
	return job
}

func (f *LCPFulfiller) fulfill(ctx context.Context, licensePath string, progress func(float64)) ports.LCPResult {
	raw, err := os.ReadFile(licensePath)
	if err != nil {
		return ports.LCPResult{Err: fmt.Errorf("read license: %w", err)}
	}
	var license lcpLicense
	if err := json.Unmarshal(raw, &license); err != nil {
		return ports.LCPResult{Err: fmt.Errorf("decode license: %w", err)}
	}
	var pub *lcpLink
	for i := range license.Links {
		if license.Links[i].Rel == relPublication {
			pub = &license.Links[i]
			break
		}
	}
	if pub == nil || pub.Href == "" {
		return ports.LCPResult{Err: errors.New("license has no publication link")}
	}

	downloaded, err := f.download(ctx, pub, progress)
	if err != nil {
		return ports.LCPResult{Err: err}
	}
	defer os.Remove(downloaded)

	out, err := f.embedLicense(downloaded, raw)
	if err != nil {
		return ports.LCPResult{Err: err}
	}
	f.logger.Info("LCP publication acquired",
		logging.String("license_id", license.ID),
		logging.String(logging.FieldContentType, pub.Type))
	return ports.LCPResult{LocalPath: out, LicenseID: license.ID}
}

func (f *LCPFulfiller) download(ctx context.Context, pub *lcpLink, progress func(float64)) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pub.Href, nil)
	if err != nil {
		return "", fmt.Errorf("build publication request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch publication: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("publication returned status %d", resp.StatusCode)
	}

	total := pub.Length
	if total <= 0 {
		total = resp.ContentLength
	}
	tmp, err := os.CreateTemp(f.tempDir, "lcp-*.download")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	var body io.Reader = resp.Body
	if progress != nil && total > 0 {
		body = &progressReader{r: resp.Body, total: total, report: progress}
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("download publication: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// embedLicense rewrites the publication archive with the license at
// META-INF/license.lcpl, replacing any license already there.
func (f *LCPFulfiller) embedLicense(path string, license []byte) (string, error) {
	src, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("open publication archive: %w", err)
	}
	defer src.Close()

	out, err := os.CreateTemp(f.tempDir, "lcp-*.publication")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	fail := func(err error) (string, error) {
		out.Close()
		os.Remove(out.Name())
		return "", err
	}

	w := zip.NewWriter(out)
	for _, entry := range src.File {
		if entry.Name == licenseEntry {
			continue
		}
		if err := w.Copy(entry); err != nil {
			return fail(fmt.Errorf("copy %s: %w", entry.Name, err))
		}
	}
	lw, err := w.CreateHeader(&zip.FileHeader{Name: licenseEntry, Method: zip.Deflate})
	if err != nil {
		return fail(fmt.Errorf("add license: %w", err))
	}
	if _, err := lw.Write(license); err != nil {
		return fail(fmt.Errorf("write license: %w", err))
	}
	if err := w.Close(); err != nil {
		return fail(fmt.Errorf("finish archive: %w", err))
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", err
	}
	return out.Name(), nil
}

type progressReader struct {
	r      io.Reader
	read   int64
	total  int64
	report func(float64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		frac := float64(p.read) / float64(p.total)
		if frac > 1 {
			frac = 1
		}
		p.report(frac)
	}
	return n, err
}
