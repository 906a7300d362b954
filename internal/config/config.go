package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	DataDir      string `env:"LS_DATA_DIR"`
	StoreBackend string `env:"LS_STORE_BACKEND" envDefault:"file"`

	LibraryID    string `env:"LS_LIBRARY_ID" envDefault:"default"`
	CatalogURL   string `env:"LS_CATALOG_URL"`
	LoansURL     string `env:"LS_LOANS_URL"`
	SelectionURL string `env:"LS_SELECTION_URL"`
	TokenURL     string `env:"LS_TOKEN_URL"`
	Username     string `env:"LS_USERNAME"`
	Password     string `env:"LS_PASSWORD"`
	NeedsAuth    bool   `env:"LS_NEEDS_AUTH" envDefault:"false"`

	LogLevel  string `env:"LS_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LS_LOG_FORMAT" envDefault:"auto"`

	HTTPTimeout    time.Duration `env:"LS_HTTP_TIMEOUT" envDefault:"60s"`
	HTTPRetries    int           `env:"LS_HTTP_RETRIES" envDefault:"3"`
	MaxRedirects   int           `env:"LS_MAX_REDIRECTS" envDefault:"10"`
	BroadcastDelay time.Duration `env:"LS_BROADCAST_DELAY" envDefault:"200ms"`
	FeedCacheTTL   time.Duration `env:"LS_FEED_CACHE_TTL" envDefault:"5m"`

	NtfyTopic           string `env:"LS_NTFY_TOPIC"`
	OverdriveEnabled    bool   `env:"LS_OVERDRIVE_ENABLED" envDefault:"false"`
	DownloadConcurrency int    `env:"LS_DOWNLOAD_CONCURRENCY" envDefault:"3"`
}

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("LS_STORE_BACKEND must be file or sqlite, got %q", c.StoreBackend)
	}

	if strings.TrimSpace(c.LibraryID) == "" {
		return fmt.Errorf("LS_LIBRARY_ID cannot be empty")
	}

	if strings.ContainsAny(c.LibraryID, `/\`) || c.LibraryID == "." || c.LibraryID == ".." {
		return fmt.Errorf("LS_LIBRARY_ID must not contain path separators")
	}

	if c.LoansURL == "" {
		return fmt.Errorf("LS_LOANS_URL is required")
	}

	if c.NeedsAuth && c.TokenURL == "" && c.Username == "" {
		return fmt.Errorf("LS_TOKEN_URL or LS_USERNAME is required when LS_NEEDS_AUTH is set")
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("LS_HTTP_TIMEOUT must be positive")
	}

	if c.HTTPRetries < 0 {
		return fmt.Errorf("LS_HTTP_RETRIES cannot be negative")
	}

	if c.MaxRedirects < 1 {
		return fmt.Errorf("LS_MAX_REDIRECTS must be at least 1")
	}

	if c.BroadcastDelay < 0 {
		return fmt.Errorf("LS_BROADCAST_DELAY cannot be negative")
	}

	if c.DownloadConcurrency < 1 {
		return fmt.Errorf("LS_DOWNLOAD_CONCURRENCY must be at least 1")
	}

	return nil
}

// ContentRoot is where downloaded books are stored.
func (c *Config) ContentRoot() string {
	return filepath.Join(c.DataDir, "books")
}

// StorePath is the registry store location: a directory for the file
// backend, a database file for sqlite.
func (c *Config) StorePath() string {
	if c.StoreBackend == "sqlite" {
		return filepath.Join(c.DataDir, "loanshelf.db")
	}
	return filepath.Join(c.DataDir, "store")
}

// TempDir holds partial transfers.
func (c *Config) TempDir() string {
	return filepath.Join(c.DataDir, "tmp")
}

// EnsureDirectories creates the data directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.DataDir, c.ContentRoot(), c.TempDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if c.StoreBackend == "file" {
		if err := os.MkdirAll(c.StorePath(), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", c.StorePath(), err)
		}
	}
	return nil
}

// Load reads .env files when present, parses the LS_ variables and fills
// in the default data directory. It does not validate.
func Load(envFiles ...string) (*Config, error) {
	_ = godotenv.Load(envFiles...)
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.DataDir == "" {
		dir, err := defaultDataDir()
		if err != nil {
			return nil, err
		}
		cfg.DataDir = dir
	}
	cfg.DataDir = expandHome(cfg.DataDir)
	return cfg, nil
}

func defaultDataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "loanshelf"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve data directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "loanshelf"), nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
