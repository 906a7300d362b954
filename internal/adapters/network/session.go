// Package network is the HTTP side of the client: download transfers with
// progress and redirect hooks, an executor for API calls that refreshes
// expired tokens, and the cookie replay flow for federated logins.
package network

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"loanshelf/internal/core/domain/ports"
	"loanshelf/internal/logging"

	"github.com/google/uuid"
)

// ErrRedirectRefused is reported when the delegate declined a redirect.
var ErrRedirectRefused = errors.New("redirect refused")

const copyBufferSize = 32 << 10

// Session runs download transfers on their own goroutines and stores each
// body in a temporary file.
type Session struct {
	client  *http.Client
	tempDir string
	logger  *slog.Logger
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithTempDir sets where transfer bodies are written. It should live on the
// same file system as the content directory so bodies can be renamed into
// place.
func WithTempDir(dir string) SessionOption {
	return func(s *Session) { s.tempDir = dir }
}

func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

func NewSession(client *http.Client, opts ...SessionOption) *Session {
	if client == nil {
		client = &http.Client{}
	}
	s := &Session{client: client}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.NewComponentLogger(s.logger, "network")
	return s
}

var _ ports.Session = (*Session)(nil)

// Download creates a transfer for req. Nothing is sent before Resume.
func (s *Session) Download(ctx context.Context, req *http.Request, delegate ports.TransferDelegate) ports.Transfer {
	tctx, cancel := context.WithCancel(ctx)
	return &transfer{
		id:       uuid.New(),
		session:  s,
		ctx:      tctx,
		cancel:   cancel,
		req:      req,
		delegate: delegate,
	}
}

type transfer struct {
	id       uuid.UUID
	session  *Session
	ctx      context.Context
	cancel   context.CancelFunc
	req      *http.Request
	delegate ports.TransferDelegate

	once sync.Once
	mu   sync.Mutex
	resp *http.Response
}

func (t *transfer) ID() uuid.UUID { return t.id }

func (t *transfer) Cancel() { t.cancel() }

func (t *transfer) OriginalRequest() *http.Request { return t.req }

func (t *transfer) Response() *http.Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resp
}

func (t *transfer) Resume() {
	t.once.Do(func() { go t.run() })
}

func (t *transfer) run() {
	defer t.cancel()
	err := t.fetch()
	if err != nil && t.ctx.Err() != nil {
		err = context.Canceled
	}
	t.delegate.DidComplete(t, err)
}

func (t *transfer) fetch() error {
	client := *t.session.client
	client.CheckRedirect = func(next *http.Request, via []*http.Request) error {
		follow := t.delegate.WillRedirect(t, next, via)
		if follow == nil {
			return ErrRedirectRefused
		}
		if follow != next {
			next.URL = follow.URL
			next.Header = follow.Header
		}
		return nil
	}

	resp, err := client.Do(t.req.Clone(t.ctx))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	t.mu.Lock()
	t.resp = resp
	t.mu.Unlock()

	if !t.delegate.DidReceiveResponse(t, resp) {
		t.cancel()
		return context.Canceled
	}

	path, err := t.store(resp)
	if err != nil {
		return err
	}
	t.delegate.DidFinishDownloading(t, path)
	return nil
}

// store copies the body into a temp file, reporting progress as it goes.
func (t *transfer) store(resp *http.Response) (string, error) {
	f, err := os.CreateTemp(t.session.tempDir, "transfer-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()

	var written int64
	buf := make([]byte, copyBufferSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				os.Remove(path)
				return "", fmt.Errorf("write temp file: %w", werr)
			}
			written += int64(n)
			t.delegate.DidWriteData(t, written, resp.ContentLength)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			os.Remove(path)
			return "", classifyReadError(rerr)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	t.session.logger.Debug("transfer stored",
		logging.String(logging.FieldTransferID, t.id.String()),
		logging.Int64("bytes", written))
	return path, nil
}

func classifyReadError(err error) error {
	var corrupt flate.CorruptInputError
	if errors.Is(err, gzip.ErrHeader) || errors.Is(err, gzip.ErrChecksum) || errors.As(err, &corrupt) {
		return fmt.Errorf("%w: %v", ports.ErrCannotDecode, err)
	}
	return fmt.Errorf("read body: %w", err)
}
