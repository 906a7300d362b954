package registry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"loanshelf/internal/adapters/storage"
	"loanshelf/internal/core/domain/models"
	"loanshelf/internal/core/events"
	"loanshelf/internal/core/registry"

	"github.com/stretchr/testify/require"
)

const (
	loansURL    = "https://lib.example/loans"
	selectedURL = "https://lib.example/selected"
)

type testLibrary struct {
	mu       sync.Mutex
	licensor map[string]string
	// noFavorites hides the selection feed.
	noFavorites bool
}

func (l *testLibrary) ID() string       { return "lib-1" }
func (l *testLibrary) LoansURL() string { return loansURL }

func (l *testLibrary) SelectionURL() string {
	if l.noFavorites {
		return ""
	}
	return selectedURL
}

func (l *testLibrary) SetLicensor(licensor map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.licensor = licensor
}

// feedStub serves canned feeds by URL. A non-nil gate blocks the fetch until
// it is closed.
type feedStub struct {
	mu    sync.Mutex
	feeds map[string]*models.Feed
	errs  map[string]error
	gate  chan struct{}
	calls int
}

func newFeedStub() *feedStub {
	return &feedStub{feeds: map[string]*models.Feed{}, errs: map[string]error{}}
}

func (f *feedStub) set(url string, books ...models.Book) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feeds[url] = &models.Feed{Entries: books}
}

func (f *feedStub) FetchFeed(ctx context.Context, url string, resetCache bool) (*models.Feed, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[url]; err != nil {
		return nil, err
	}
	if feed, ok := f.feeds[url]; ok {
		return feed, nil
	}
	return &models.Feed{}, nil
}

type recordingNotifier struct {
	mu        sync.Mutex
	available []string
	badges    []int
}

func (n *recordingNotifier) BookIsAvailable(ctx context.Context, book models.Book) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.available = append(n.available, book.Identifier)
	return nil
}

func (n *recordingNotifier) SetBadge(ctx context.Context, count int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.badges = append(n.badges, count)
	return nil
}

type recordingRemover struct {
	removed []string
}

func (r *recordingRemover) RemoveLocalContent(book models.Book) error {
	r.removed = append(r.removed, book.Identifier)
	return nil
}

type fixture struct {
	reg      *registry.Registry
	store    *storage.FileStore
	feeds    *feedStub
	notifier *recordingNotifier
	remover  *recordingRemover
	library  *testLibrary
	bus      *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		store:    store,
		feeds:    newFeedStub(),
		notifier: &recordingNotifier{},
		remover:  &recordingRemover{},
		library:  &testLibrary{},
		bus:      events.NewBus(),
	}
	f.reg = registry.New(registry.Options{
		Store:    store,
		Fetcher:  f.feeds,
		Library:  f.library,
		Notifier: f.notifier,
		Bus:      f.bus,
	})
	f.reg.SetContentRemover(f.remover)
	t.Cleanup(f.reg.Close)
	require.NoError(t, f.reg.Load(context.Background(), ""))
	return f
}

func (f *fixture) snapshot(t *testing.T) string {
	t.Helper()
	data, err := f.store.Read(context.Background(), "lib-1", "registry/registry.json")
	require.NoError(t, err)
	return string(data)
}

var updated = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func epubBook(id string, avail models.Availability) models.Book {
	return models.Book{
		Identifier: id,
		Title:      "Title " + id,
		Authors:    []string{"Author"},
		Acquisitions: []models.Acquisition{{
			Relation:     models.RelationBorrow,
			Type:         models.ContentTypeEpubZip,
			HRef:         "https://lib.example/borrow/" + id,
			Availability: avail,
		}},
		Updated: updated,
	}
}
