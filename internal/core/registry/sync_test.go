package registry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"loanshelf/internal/core/domain/models"
	"loanshelf/internal/core/events"
	"loanshelf/internal/core/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSync_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.feeds.set(loansURL, epubBook("a", models.Limited{CopiesAvailable: 1}), epubBook("b", models.Reserved{HoldPosition: 4}))
	f.feeds.set(selectedURL, epubBook("a", models.Limited{CopiesAvailable: 1}), epubBook("x", models.Unlimited{}))

	_, err := f.reg.Sync(ctx)
	require.NoError(t, err)
	first := f.snapshot(t)

	_, err = f.reg.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, f.snapshot(t))

	assert.Len(t, f.reg.AllBooks(), 3)
	assert.Equal(t, models.SelectionSelected, f.reg.SelectionState("a"))
	assert.Equal(t, models.StateDownloadNeeded, f.reg.BookState("a"))
	assert.Equal(t, models.StateHolding, f.reg.BookState("b"))
	assert.Equal(t, models.StateUnregistered, f.reg.BookState("x"))
	assert.Equal(t, registry.StateLoaded, f.reg.Status())
}

func TestSyncLoansAndHolds_FavoriteSurvivesLoanExpiry(t *testing.T) {
	f := newFixture(t)
	f.reg.AddBook(epubBook("fav", models.Limited{CopiesAvailable: 1}), models.StateDownloadSuccessful, models.SelectionSelected)
	f.reg.AddBook(epubBook("gone", models.Limited{CopiesAvailable: 1}), models.StateUsed, models.SelectionUnselected)
	f.reg.AddBook(epubBook("pending", models.Limited{CopiesAvailable: 1}), models.StateDownloadNeeded, models.SelectionUnselected)

	_, err := f.reg.SyncLoansAndHolds(context.Background())
	require.NoError(t, err)

	rec := f.reg.Record("fav")
	require.NotNil(t, rec)
	assert.Equal(t, models.StateUnregistered, rec.State)
	assert.Equal(t, models.SelectionSelected, rec.SelectionState)
	assert.Nil(t, f.reg.Record("gone"))
	assert.Nil(t, f.reg.Record("pending"))
	assert.ElementsMatch(t, []string{"fav", "gone"}, f.remover.removed)
}

func TestSyncLoansAndHolds_SelectionFollowsFeeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.reg.AddBook(epubBook("local", models.Unlimited{}), models.StateDownloadNeeded, models.SelectionSelected)
	marked := epubBook("marked", models.Unlimited{})
	marked.Selected = true
	f.feeds.set(loansURL, epubBook("local", models.Unlimited{}), marked)

	_, err := f.reg.SyncLoansAndHolds(ctx)
	require.NoError(t, err)

	assert.Equal(t, models.SelectionUnselected, f.reg.SelectionState("local"), "favorites feed decides")
	assert.Equal(t, models.SelectionSelected, f.reg.SelectionState("marked"))
}

func TestSyncLoansAndHolds_KeepsLocalSelectionWithoutFavoritesFeed(t *testing.T) {
	f := newFixture(t)
	f.library.noFavorites = true
	ctx := context.Background()
	f.reg.AddBook(epubBook("local", models.Unlimited{}), models.StateDownloadNeeded, models.SelectionSelected)
	f.reg.AddBook(epubBook("plain", models.Unlimited{}), models.StateDownloadNeeded, models.SelectionUnselected)
	f.feeds.set(loansURL, epubBook("local", models.Unlimited{}), epubBook("plain", models.Unlimited{}))

	_, err := f.reg.Sync(ctx)
	require.NoError(t, err)

	assert.Equal(t, models.SelectionSelected, f.reg.SelectionState("local"))
	assert.Equal(t, models.SelectionUnselected, f.reg.SelectionState("plain"))
}

func TestSync_ReservationReadyNotifiesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.feeds.set(loansURL, epubBook("c", models.Reserved{HoldPosition: 1}))
	result, err := f.reg.Sync(ctx)
	require.NoError(t, err)
	assert.False(t, result.NewBooksAvailable)
	assert.Equal(t, models.StateHolding, f.reg.BookState("c"))

	f.feeds.set(loansURL, epubBook("c", models.Ready{}))
	result, err = f.reg.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, result.NewBooksAvailable)

	result, err = f.reg.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, result.NewBooksAvailable)

	assert.Equal(t, []string{"c"}, f.notifier.available)
	assert.Equal(t, []int{1}, f.notifier.badges)
	assert.Equal(t, models.StateHolding, f.reg.BookState("c"))
}

func TestSync_ProblemDocumentSkipsFavorites(t *testing.T) {
	f := newFixture(t)
	problem := &models.ProblemDocument{Type: models.ProblemTypeInvalidCredentials, Title: "Invalid credentials"}
	f.feeds.errs[loansURL] = problem

	_, err := f.reg.Sync(context.Background())
	require.Error(t, err)

	var doc *models.ProblemDocument
	require.True(t, errors.As(err, &doc))
	assert.Equal(t, models.ProblemTypeInvalidCredentials, doc.Type)
	assert.Equal(t, 1, f.feeds.calls)
	assert.Equal(t, registry.StateLoaded, f.reg.Status())

	// the guard was released
	delete(f.feeds.errs, loansURL)
	_, err = f.reg.Sync(context.Background())
	require.NoError(t, err)
}

func TestSync_SupersededByLoadIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.feeds.gate = make(chan struct{})
	f.feeds.set(loansURL, epubBook("late", models.Unlimited{}))

	done := make(chan error, 1)
	go func() {
		_, err := f.reg.SyncLoansAndHolds(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool {
		f.feeds.mu.Lock()
		defer f.feeds.mu.Unlock()
		return f.feeds.calls == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, registry.StateSyncing, f.reg.Status())

	// a second sync for the same feed is skipped while the first is in flight
	_, err := f.reg.SyncLoansAndHolds(ctx)
	require.NoError(t, err)

	require.NoError(t, f.reg.Load(ctx, "lib-1"))
	close(f.feeds.gate)
	require.NoError(t, <-done)

	assert.Empty(t, f.reg.AllBooks())
	assert.Equal(t, registry.StateLoaded, f.reg.Status())
	assert.Equal(t, 1, f.feeds.calls)
}

func TestSync_PublishesSyncEvents(t *testing.T) {
	f := newFixture(t)
	var types []events.Type
	f.bus.Subscribe(func(e events.Event) {
		switch e.Type {
		case events.SyncBegan, events.SyncEnded:
			types = append(types, e.Type)
		}
	})

	_, err := f.reg.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []events.Type{events.SyncBegan, events.SyncEnded, events.SyncBegan, events.SyncEnded}, types)
}

func TestSyncLoansAndHolds_AppliesLicensor(t *testing.T) {
	f := newFixture(t)
	f.feeds.feeds[loansURL] = &models.Feed{Licensor: map[string]string{"vendor": "acme"}}

	_, err := f.reg.SyncLoansAndHolds(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "acme", f.library.licensor["vendor"])
}
