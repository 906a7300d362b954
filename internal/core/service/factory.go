// Package service assembles the loan manager from its adapters and runs the
// batch operations the CLI exposes.
package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"loanshelf/internal/adapters/account"
	"loanshelf/internal/adapters/drm"
	"loanshelf/internal/adapters/network"
	"loanshelf/internal/adapters/notify"
	"loanshelf/internal/adapters/source"
	"loanshelf/internal/adapters/storage"
	"loanshelf/internal/adapters/util"
	"loanshelf/internal/config"
	"loanshelf/internal/core/domain/ports"
	"loanshelf/internal/core/download"
	"loanshelf/internal/core/events"
	"loanshelf/internal/core/fulfillment"
	"loanshelf/internal/core/registry"
	"loanshelf/internal/logging"
)

const userAgent = "loanshelf/0.1"

// App is a fully wired loan manager for one library account.
type App struct {
	Config   *config.Config
	Account  *account.UserAccount
	Tokens   *account.TokenClient
	Registry *registry.Registry
	Center   *download.Center
	Bus      *events.Bus
	Logger   *slog.Logger

	store ports.BlobStore
}

// CreateStore opens the blob store selected by the configuration.
func CreateStore(cfg *config.Config) (ports.BlobStore, error) {
	switch cfg.StoreBackend {
	case "sqlite":
		return storage.OpenSQLiteStore(cfg.StorePath())
	case "file", "":
		return storage.NewFileStore(cfg.StorePath())
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// CreateHTTPClient returns a client that logs every request and retries
// idempotent ones. A zero timeout means no overall deadline, which download
// transfers need.
func CreateHTTPClient(cfg *config.Config, timeout time.Duration, logger *slog.Logger) *http.Client {
	return &http.Client{
		Transport: transport(cfg, logger),
		Timeout:   timeout,
	}
}

func transport(cfg *config.Config, logger *slog.Logger) http.RoundTripper {
	httpLogger := logging.NewComponentLogger(logger, "http")
	return &util.LoggingTransport{
		Base: &util.RetryTransport{
			Base:       http.DefaultTransport,
			MaxRetries: cfg.HTTPRetries,
			Logger:     httpLogger,
		},
		Logger: httpLogger,
	}
}

// New wires the account, registry and download center and loads the
// account's registry.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	store, err := CreateStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	app, err := assemble(ctx, cfg, store, logger)
	if err != nil {
		closeStore(store)
		return nil, err
	}
	return app, nil
}

func assemble(ctx context.Context, cfg *config.Config, store ports.BlobStore, logger *slog.Logger) (*App, error) {
	acct, err := account.New(cfg.LibraryID, store,
		account.WithURLs(account.URLs{
			Catalog:   cfg.CatalogURL,
			Loans:     cfg.LoansURL,
			Selection: cfg.SelectionURL,
			Token:     cfg.TokenURL,
		}),
		account.WithNeedsAuth(cfg.NeedsAuth),
		account.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := acct.Load(ctx); err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if cfg.Username != "" {
		acct.SetCredentials(cfg.Username, cfg.Password)
	}

	apiClient := CreateHTTPClient(cfg, cfg.HTTPTimeout, logger)
	downloadClient := CreateHTTPClient(cfg, 0, logger)

	tokens := account.NewTokenClient(acct, apiClient, logger)
	executor := network.NewExecutor(apiClient, acct,
		network.WithTokenRefresher(tokens),
		network.WithUserAgent(userAgent),
		network.WithExecutorLogger(logger))
	fetcher := source.NewOPDSFetcher(executor,
		source.WithCacheTTL(cfg.FeedCacheTTL),
		source.WithLogger(logger))
	notifier := notify.New(cfg.NtfyTopic, cfg.HTTPTimeout, logger)

	bus := events.NewBus()
	reg := registry.New(registry.Options{
		Store:    store,
		Fetcher:  fetcher,
		Library:  acct,
		Notifier: notifier,
		Bus:      bus,
		Logger:   logger,
	})
	if err := reg.Load(ctx, acct.ID()); err != nil {
		reg.Close()
		return nil, fmt.Errorf("load registry: %w", err)
	}

	center, err := download.New(download.Options{
		Registry: reg,
		Session: network.NewSession(downloadClient,
			network.WithTempDir(cfg.TempDir()),
			network.WithSessionLogger(logger)),
		Fetcher:         fetcher,
		Account:         acct,
		Reauthenticator: tokens,
		CookieFlow:      network.NewCookieReplay(transport(cfg, logger), logger),
		Adobe:           drm.NewUnavailableAdobe(logger),
		LCP:             drm.NewLCPFulfiller(downloadClient, cfg.TempDir(), logger),
		Alerter:         notifier,
		Classifier: fulfillment.New(
			fulfillment.WithOverdrive(cfg.OverdriveEnabled),
			fulfillment.WithLogger(logger)),
		ContentRoot:    cfg.ContentRoot(),
		BroadcastDelay: cfg.BroadcastDelay,
		MaxRedirects:   cfg.MaxRedirects,
		Logger:         logger,
	})
	if err != nil {
		reg.Close()
		return nil, err
	}

	return &App{
		Config:   cfg,
		Account:  acct,
		Tokens:   tokens,
		Registry: reg,
		Center:   center,
		Bus:      bus,
		Logger:   logger,
		store:    store,
	}, nil
}

// Close stops transfers and the registry and releases the store.
func (a *App) Close() error {
	a.Center.Close()
	a.Registry.Close()
	return closeStore(a.store)
}

func closeStore(store ports.BlobStore) error {
	if c, ok := store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("close store: %w", err)
		}
	}
	return nil
}
