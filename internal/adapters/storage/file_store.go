package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"loanshelf/internal/core/domain/ports"

	"github.com/gofrs/flock"
)

// Ensure FileStore implements BlobStore
var _ ports.BlobStore = (*FileStore)(nil)

const lockFileName = ".lock"

// FileStore keeps each blob in its own file under <root>/<account>/<key>.
// Writers hold an advisory lock on the account directory so two processes
// sharing a data directory do not interleave.
type FileStore struct {
	root string
	mu   sync.RWMutex
}

// NewFileStore initializes a store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &FileStore{root: dir}, nil
}

func (s *FileStore) Root() string { return s.root }

func (s *FileStore) accountDir(account string) (string, error) {
	if err := checkAccount(account); err != nil {
		return "", err
	}
	return filepath.Join(s.root, account), nil
}

func (s *FileStore) path(account, key string, allowEmpty bool) (string, error) {
	dir, err := s.accountDir(account)
	if err != nil {
		return "", err
	}
	cleaned, err := cleanKey(key, allowEmpty)
	if err != nil {
		return "", err
	}
	if cleaned == "" {
		return dir, nil
	}
	return filepath.Join(dir, filepath.FromSlash(cleaned)), nil
}

func (s *FileStore) Read(ctx context.Context, account, key string) ([]byte, error) {
	p, err := s.path(account, key, false)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ports.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, account, key string) (bool, error) {
	p, err := s.path(account, key, false)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// Write replaces the blob atomically: the data goes to a temp file which is
// synced and renamed over the target.
func (s *FileStore) Write(ctx context.Context, account, key string, data []byte) error {
	p, err := s.path(account, key, false)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lockAccount(ctx, account)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}

	tmpFile := p + ".tmp"
	f, err := os.Create(tmpFile)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpFile)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpFile)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpFile)
		return err
	}
	if err := os.Rename(tmpFile, p); err != nil {
		os.Remove(tmpFile)
		return err
	}
	return nil
}

func (s *FileStore) DeleteTree(ctx context.Context, account, prefix string) error {
	p, err := s.path(account, prefix, true)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lockAccount(ctx, account)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("delete %s/%s: %w", account, prefix, err)
	}
	return nil
}

func (s *FileStore) lockAccount(ctx context.Context, account string) (func(), error) {
	dir, err := s.accountDir(account)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLockContext(ctx, 25*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("lock account %s: %w", account, err)
	}
	if !locked {
		return nil, fmt.Errorf("lock account %s: not acquired", account)
	}
	return func() { _ = lock.Unlock() }, nil
}
