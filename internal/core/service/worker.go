package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"loanshelf/internal/core/domain/models"
	"loanshelf/internal/core/events"
	"loanshelf/internal/core/registry"
	"loanshelf/internal/logging"

	"golang.org/x/sync/errgroup"
)

// ErrUnknownBook is returned for identifiers the registry does not hold.
var ErrUnknownBook = errors.New("book is not in the registry")

const pollInterval = 250 * time.Millisecond

// Result is the outcome of one book in a batch download.
type Result struct {
	ID    string
	Title string
	State models.BookState
	Err   error
}

// Sync reconciles the registry with the library's loans and favorites.
func (a *App) Sync(ctx context.Context) (registry.SyncResult, error) {
	if a.Account.NeedsAuth() && a.Account.AuthToken() == "" && a.Account.TokenURL() != "" {
		if err := a.Tokens.RefreshToken(ctx); err != nil {
			return registry.SyncResult{}, fmt.Errorf("sign in: %w", err)
		}
	}
	return a.Registry.Sync(ctx)
}

func (a *App) book(id string) (models.Book, error) {
	book, ok := a.Registry.Book(id)
	if !ok {
		return models.Book{}, fmt.Errorf("%s: %w", id, ErrUnknownBook)
	}
	return book, nil
}

// Borrow borrows a registered book without downloading it.
func (a *App) Borrow(ctx context.Context, id string) (models.BookState, error) {
	book, err := a.book(id)
	if err != nil {
		return models.StateUnregistered, err
	}
	if err := a.Center.StartBorrow(ctx, book, false); err != nil {
		return a.Registry.BookState(id), err
	}
	return a.Registry.BookState(id), nil
}

// Download acquires a registered book and waits for the transfer and any
// license fulfillment to end.
func (a *App) Download(ctx context.Context, id string) (models.BookState, error) {
	book, err := a.book(id)
	if err != nil {
		return models.StateUnregistered, err
	}

	changed := make(chan struct{}, 1)
	unsubscribe := a.Bus.Subscribe(func(e events.Event) {
		switch e.Type {
		case events.RegistryChanged, events.DownloadCenterChanged, events.DownloadFailed:
			select {
			case changed <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	if err := a.Center.StartDownload(ctx, book, nil); err != nil {
		return a.Registry.BookState(id), err
	}
	state, err := a.waitForDownload(ctx, id, changed)
	if err != nil {
		return state, err
	}
	if state == models.StateDownloadFailed {
		return state, fmt.Errorf("download of %s failed", id)
	}
	return state, nil
}

func (a *App) waitForDownload(ctx context.Context, id string, changed <-chan struct{}) (models.BookState, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		state := a.Registry.BookState(id)
		_, active := a.Center.DownloadInfo(id)
		if !active && state != models.StateDownloading && state != models.StateSAMLStarted {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-changed:
		case <-ticker.C:
		}
	}
}

// DownloadAll downloads ids with at most concurrency transfers at a time.
// One failing book does not stop the others; every failure is joined into
// the returned error.
func (a *App) DownloadAll(ctx context.Context, ids []string, concurrency int) ([]Result, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	a.Logger.Info("starting batch download",
		logging.Int("books", len(ids)),
		logging.Int("concurrency", concurrency))

	results := make([]Result, len(ids))
	var mu sync.Mutex
	var failures []error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, id := range ids {
		g.Go(func() error {
			state, err := a.Download(gctx, id)
			res := Result{ID: id, State: state, Err: err}
			if book, ok := a.Registry.Book(id); ok {
				res.Title = book.Title
			}
			results[i] = res
			if err != nil {
				a.Logger.Warn("book download failed",
					logging.String(logging.FieldBookID, id),
					logging.Error(err))
				mu.Lock()
				failures = append(failures, fmt.Errorf("%s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, errors.Join(failures...)
}

// PendingDownloads lists loans that have no local content yet.
func (a *App) PendingDownloads() []string {
	var ids []string
	for _, book := range a.Registry.Loans() {
		switch a.Registry.BookState(book.Identifier) {
		case models.StateDownloadNeeded, models.StateDownloadFailed:
			ids = append(ids, book.Identifier)
		}
	}
	return ids
}

// Return gives a loan back to the library.
func (a *App) Return(ctx context.Context, id string) error {
	if _, err := a.book(id); err != nil {
		return err
	}
	return a.Center.ReturnBook(ctx, id)
}

// Cancel stops an in-flight download.
func (a *App) Cancel(id string) error {
	if _, err := a.book(id); err != nil {
		return err
	}
	a.Center.CancelDownload(id)
	return nil
}

// SetSelected adds a registered book to the favorites or removes it, telling
// the library through the book's selection links.
func (a *App) SetSelected(ctx context.Context, id string, selected bool) error {
	book, err := a.book(id)
	if err != nil {
		return err
	}
	if selected {
		return a.Center.StartSelect(ctx, book)
	}
	return a.Center.StartUnselect(ctx, book)
}

// Reset cancels every transfer and deletes the account's registry and
// downloaded content.
func (a *App) Reset(ctx context.Context) error {
	id := a.Account.ID()
	centerErr := a.Center.Reset(id)
	regErr := a.Registry.Reset(ctx, id)
	return errors.Join(centerErr, regErr)
}

// Login stores credentials and, when the library issues bearer tokens,
// exchanges them for a token right away.
func (a *App) Login(ctx context.Context, username, password string) error {
	if username == "" {
		return errors.New("username is required")
	}
	a.Account.SetCredentials(username, password)
	if a.Account.TokenURL() != "" {
		if err := a.Tokens.RefreshToken(ctx); err != nil {
			return err
		}
	}
	return a.Account.Save(ctx)
}
