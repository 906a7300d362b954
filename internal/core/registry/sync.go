package registry

import (
	"context"
	"fmt"

	"loanshelf/internal/core/domain/models"
	"loanshelf/internal/logging"
)

// SyncResult reports what a sync found.
type SyncResult struct {
	// NewBooksAvailable is true when held books are ready to borrow.
	NewBooksAvailable bool
}

type licensorSetter interface {
	SetLicensor(licensor map[string]string)
}

// Sync reconciles the loans and holds feed and then the favorites feed. The
// favorites pass is skipped when the first pass failed. A server problem
// document is returned as a *models.ProblemDocument error.
func (r *Registry) Sync(ctx context.Context) (SyncResult, error) {
	result, err := r.SyncLoansAndHolds(ctx)
	if err != nil {
		return result, err
	}
	selected, err := r.SyncSelected(ctx)
	result.NewBooksAvailable = result.NewBooksAvailable || selected.NewBooksAvailable
	return result, err
}

// beginSync claims the sync guard for url. It reports false when a sync for
// the same url is already in flight.
func (r *Registry) beginSync(url string) bool {
	return query(r, func() bool {
		if r.syncURL == url {
			return false
		}
		r.setState(StateSyncing)
		r.syncURL = url
		return true
	})
}

// finishSync runs apply on the actor if the pass still owns the guard, and
// releases the guard. A pass superseded by Load or a newer sync is a no-op.
func (r *Registry) finishSync(url, pass string, apply func()) {
	r.do(func() {
		if r.syncURL != url {
			r.logger.Info("sync superseded", logging.String("pass", pass))
			return
		}
		defer func() {
			r.syncURL = ""
			r.setState(StateLoaded)
		}()
		apply()
	})
}

func (r *Registry) fetch(ctx context.Context, url string) (*models.Feed, error) {
	if r.fetcher == nil {
		return nil, fmt.Errorf("no feed fetcher configured")
	}
	return r.fetcher.FetchFeed(ctx, url, true)
}

// SyncLoansAndHolds makes the registry match the loans and holds feed. Feed
// entries are added or updated; records missing from the feed are removed,
// favorites being soft-deleted, and their downloaded content is deleted.
func (r *Registry) SyncLoansAndHolds(ctx context.Context) (SyncResult, error) {
	var url string
	if r.library != nil {
		url = r.library.LoansURL()
	}
	if url == "" {
		r.logger.Info("skipping loans sync, no loans feed")
		return SyncResult{}, nil
	}
	if !r.beginSync(url) {
		r.logger.Info("skipping loans sync, already syncing")
		return SyncResult{}, nil
	}

	feed, fetchErr := r.fetch(ctx, url)

	var (
		result SyncResult
		err    error
	)
	r.finishSync(url, "loans", func() {
		if fetchErr != nil {
			err = fmt.Errorf("sync loans: %w", fetchErr)
			return
		}
		r.applyLicensor(feed)
		result = r.reconcileLoans(feed)
	})
	return result, err
}

func (r *Registry) reconcileLoans(feed *models.Feed) SyncResult {
	stale := make(map[string]struct{}, len(r.records))
	for id := range r.records {
		stale[id] = struct{}{}
	}

	for _, book := range feed.Entries {
		if book.Identifier == "" {
			continue
		}
		delete(stale, book.Identifier)
		selection := r.loanSelection(book)
		if _, ok := r.records[book.Identifier]; ok {
			r.updateBook(book, selection)
		} else {
			r.addRecord(models.NewRecord(book, models.StateDownloadNeeded, selection))
		}
	}

	for id := range stale {
		rec := r.records[id]
		if rec.State.IsDownloaded() && r.remover != nil {
			if err := r.remover.RemoveLocalContent(rec.Book); err != nil {
				logging.WarnWithContext(r.logger, "deleting local content failed", "content_delete_failed",
					logging.String(logging.FieldBookID, id),
					logging.Error(err),
					logging.String(logging.FieldImpact, "orphaned file left on disk"))
			}
		}
		r.removeBook(id)
	}
	r.save()

	ready := 0
	for _, rec := range r.records {
		if rec.State == models.StateHolding && models.IsReady(rec.Book.Availability()) {
			ready++
		}
	}
	if ready != r.badge {
		r.badge = ready
		r.logger.Info("ready holds changed", logging.Int("ready", ready))
		if r.notifier != nil {
			r.later(func() {
				if err := r.notifier.SetBadge(context.Background(), ready); err != nil {
					r.logger.Warn("badge update failed", logging.Error(err))
				}
			})
		}
	}
	return SyncResult{NewBooksAvailable: ready > 0}
}

// loanSelection is the selection state of a loans feed entry. The entry's
// own marker wins. Otherwise the favorites pass decides, unless the library
// has no favorites feed, in which case the local selection stands.
func (r *Registry) loanSelection(book models.Book) models.SelectionState {
	if book.Selected {
		return models.SelectionSelected
	}
	if r.library == nil || r.library.SelectionURL() == "" {
		if rec, ok := r.records[book.Identifier]; ok && rec.SelectionState == models.SelectionSelected {
			return models.SelectionSelected
		}
	}
	return models.SelectionUnselected
}

// SyncSelected adds or updates favorites from the selection feed. It never
// removes records.
func (r *Registry) SyncSelected(ctx context.Context) (SyncResult, error) {
	var url string
	if r.library != nil {
		url = r.library.SelectionURL()
	}
	if url == "" {
		r.logger.Info("skipping favorites sync, no selection feed")
		return SyncResult{}, nil
	}
	if !r.beginSync(url) {
		r.logger.Info("skipping favorites sync, already syncing")
		return SyncResult{}, nil
	}

	feed, fetchErr := r.fetch(ctx, url)

	var err error
	r.finishSync(url, "selected", func() {
		if fetchErr != nil {
			err = fmt.Errorf("sync favorites: %w", fetchErr)
			return
		}
		for _, book := range feed.Entries {
			if book.Identifier == "" {
				continue
			}
			if rec, ok := r.records[book.Identifier]; ok {
				r.updateBook(rec.Book, models.SelectionSelected)
			} else {
				r.addRecord(models.NewRecord(book, models.StateUnregistered, models.SelectionSelected))
			}
		}
		r.save()
	})
	return SyncResult{}, err
}

func (r *Registry) applyLicensor(feed *models.Feed) {
	if len(feed.Licensor) == 0 {
		return
	}
	if setter, ok := r.library.(licensorSetter); ok {
		setter.SetLicensor(feed.Licensor)
	}
}
