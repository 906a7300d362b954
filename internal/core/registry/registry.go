// Package registry keeps the per-account ledger of every book the patron
// has interacted with and reconciles it against the loans and favorites
// feeds.
//
// A Registry is an actor: one goroutine owns the record map and every
// public method runs as a message on that goroutine. Events and patron
// notifications queued by a message are delivered after it completes, on
// the caller's goroutine, so observers may call back into the registry.
// Collaborators invoked from inside a message (the BlobStore and the
// ContentRemover) must not call the registry.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"loanshelf/internal/core/domain/models"
	"loanshelf/internal/core/domain/ports"
	"loanshelf/internal/core/events"
	"loanshelf/internal/logging"
)

const (
	registryDir = "registry"
	registryKey = registryDir + "/registry.json"

	unreadableKey = registryKey + ".unreadable"
)

// ErrNotLoaded is returned when an operation needs a loaded account.
var ErrNotLoaded = errors.New("registry: no account loaded")

// State is the registry's lifecycle state.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
	StateSyncing
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateSyncing:
		return "syncing"
	default:
		return "unloaded"
	}
}

// Options configures a Registry. Store is required.
type Options struct {
	Store    ports.BlobStore
	Fetcher  ports.FeedFetcher
	Library  ports.Library
	Notifier ports.UserNotifier
	Bus      *events.Bus
	Logger   *slog.Logger
}

type Registry struct {
	store    ports.BlobStore
	fetcher  ports.FeedFetcher
	library  ports.Library
	notifier ports.UserNotifier
	bus      *events.Bus
	logger   *slog.Logger

	ops       chan func()
	quit      chan struct{}
	closeOnce sync.Once

	// Owned by the actor goroutine.
	remover    ports.ContentRemover
	account    string
	records    map[string]*models.BookRecord
	processing map[string]bool
	state      State
	syncURL    string
	badge      int
	deferred   []func()
}

func New(opts Options) *Registry {
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus()
	}
	r := &Registry{
		store:      opts.Store,
		fetcher:    opts.Fetcher,
		library:    opts.Library,
		notifier:   opts.Notifier,
		bus:        bus,
		logger:     logging.NewComponentLogger(opts.Logger, "registry"),
		ops:        make(chan func()),
		quit:       make(chan struct{}),
		records:    make(map[string]*models.BookRecord),
		processing: make(map[string]bool),
	}
	go r.run()
	return r
}

// Close stops the actor. Calls made after Close return zero values.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.quit) })
}

func (r *Registry) Bus() *events.Bus { return r.bus }

// SetContentRemover installs the collaborator that deletes downloaded
// content when a sync drops a book.
func (r *Registry) SetContentRemover(remover ports.ContentRemover) {
	r.do(func() { r.remover = remover })
}

func (r *Registry) run() {
	for {
		select {
		case op := <-r.ops:
			op()
		case <-r.quit:
			return
		}
	}
}

// do runs fn on the actor goroutine, then runs whatever fn deferred on the
// calling goroutine. It reports false once the registry is closed.
func (r *Registry) do(fn func()) bool {
	done := make(chan []func(), 1)
	op := func() {
		fn()
		after := r.deferred
		r.deferred = nil
		done <- after
	}
	select {
	case r.ops <- op:
	case <-r.quit:
		return false
	}
	for _, f := range <-done {
		f()
	}
	return true
}

func query[T any](r *Registry, fn func() T) T {
	var v T
	r.do(func() { v = fn() })
	return v
}

func (r *Registry) later(f func()) {
	r.deferred = append(r.deferred, f)
}

func (r *Registry) publish(e events.Event) {
	r.later(func() { r.bus.Publish(e) })
}

func (r *Registry) setState(s State) {
	if r.state == s {
		return
	}
	wasSyncing := r.state == StateSyncing
	r.state = s
	r.publish(events.Event{Type: events.RegistryStateChanged, State: s.String()})
	switch {
	case s == StateSyncing:
		r.publish(events.Event{Type: events.SyncBegan})
	case wasSyncing:
		r.publish(events.Event{Type: events.SyncEnded})
	}
}

// Status returns the lifecycle state.
func (r *Registry) Status() State {
	return query(r, func() State { return r.state })
}

// Account returns the identifier of the loaded library account.
func (r *Registry) Account() string {
	return query(r, func() string { return r.account })
}

type registryFile struct {
	Records []json.RawMessage `json:"records"`
}

// Load replaces the in-memory map with the account's persisted records.
// Records left mid-transfer by a crash come back as DownloadFailed. Loading
// supersedes any sync still in flight. An empty account falls back to the
// configured library.
//
// A registry file that cannot be decoded is copied to registry.json.unreadable
// and the account starts empty. When the file cannot be read, or the copy
// cannot be written, the registry stays unloaded so no later mutation
// overwrites the persisted data.
func (r *Registry) Load(ctx context.Context, account string) error {
	if account == "" && r.library != nil {
		account = r.library.ID()
	}
	if account == "" {
		return ErrNotLoaded
	}

	var loadErr error
	r.do(func() {
		r.syncURL = ""
		r.setState(StateLoading)
		r.account = ""
		r.records = make(map[string]*models.BookRecord)
		r.processing = make(map[string]bool)

		if loadErr = r.load(ctx, account); loadErr != nil {
			r.setState(StateUnloaded)
			return
		}
		r.account = account
		r.setState(StateLoaded)
		r.logger.Info("registry loaded",
			logging.String(logging.FieldAccount, account),
			logging.Int("records", len(r.records)))
	})
	return loadErr
}

func (r *Registry) load(ctx context.Context, account string) error {
	data, err := r.store.Read(ctx, account, registryKey)
	if errors.Is(err, ports.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read registry: %w", err)
	}
	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		if werr := r.store.Write(ctx, account, unreadableKey, data); werr != nil {
			return fmt.Errorf("decode registry: %w (keeping a copy failed: %v)", err, werr)
		}
		logging.ErrorWithContext(r.logger, "registry file unreadable, starting empty", "registry_unreadable",
			logging.String(logging.FieldAccount, account),
			logging.Error(err),
			logging.String(logging.FieldImpact, "previous records kept in "+unreadableKey))
		return nil
	}
	for _, raw := range file.Records {
		var rec models.BookRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			logging.WarnWithContext(r.logger, "skipping unreadable registry record", "registry_record_invalid",
				logging.String(logging.FieldAccount, account),
				logging.Error(err),
				logging.String(logging.FieldImpact, "record dropped from registry"))
			continue
		}
		if rec.State == models.StateDownloading || rec.State == models.StateSAMLStarted {
			rec.State = models.StateDownloadFailed
		}
		r.records[rec.Book.Identifier] = &rec
	}
	return nil
}

// Save writes the full registry snapshot and broadcasts RegistryChanged.
func (r *Registry) Save(ctx context.Context) error {
	var err error
	r.do(func() { err = r.persist(ctx) })
	return err
}

// save persists after a mutation. Failures are logged; mutators do not
// report them.
func (r *Registry) save() {
	if err := r.persist(context.Background()); err != nil {
		logging.ErrorWithContext(r.logger, "saving book registry failed", "registry_save_failed",
			logging.String(logging.FieldAccount, r.account),
			logging.Error(err))
	}
}

func (r *Registry) persist(ctx context.Context) error {
	if r.account == "" {
		return ErrNotLoaded
	}
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	file := registryFile{Records: make([]json.RawMessage, 0, len(ids))}
	for _, id := range ids {
		raw, err := json.Marshal(r.records[id])
		if err != nil {
			return fmt.Errorf("encode record %s: %w", id, err)
		}
		file.Records = append(file.Records, raw)
	}
	data, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	if err := r.store.Write(ctx, r.account, registryKey, data); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	r.publish(events.Event{Type: events.RegistryChanged})
	return nil
}

// Reset unloads the registry and deletes the account's persisted registry.
func (r *Registry) Reset(ctx context.Context, account string) error {
	var err error
	r.do(func() {
		r.setState(StateUnloaded)
		r.records = make(map[string]*models.BookRecord)
		r.processing = make(map[string]bool)
		r.syncURL = ""
		if r.account == account {
			r.account = ""
		}
		if derr := r.store.DeleteTree(ctx, account, registryDir); derr != nil {
			err = fmt.Errorf("delete registry data: %w", derr)
		}
		r.publish(events.Event{Type: events.RegistryChanged})
	})
	return err
}
