// Package account holds the patron's library account: credentials, the
// cookies of a federated login and the library's patron feeds.
package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"loanshelf/internal/core/domain/ports"
	"loanshelf/internal/logging"

	"github.com/google/uuid"
)

const accountKey = "account/account.json"

// URLs are the library endpoints an account talks to.
type URLs struct {
	Catalog   string `json:"catalog,omitempty"`
	Loans     string `json:"loans,omitempty"`
	Selection string `json:"selection,omitempty"`
	Token     string `json:"token,omitempty"`
}

type cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain,omitempty"`
	Path     string    `json:"path,omitempty"`
	Expires  time.Time `json:"expires,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	HTTPOnly bool      `json:"http_only,omitempty"`
}

type accountFile struct {
	URLs        URLs              `json:"urls"`
	NeedsAuth   bool              `json:"needs_auth"`
	Username    string            `json:"username,omitempty"`
	Password    string            `json:"password,omitempty"`
	AuthToken   string            `json:"auth_token,omitempty"`
	TokenExpiry *time.Time        `json:"token_expiry,omitempty"`
	Cookies     []cookie          `json:"cookies,omitempty"`
	UserID      string            `json:"user_id,omitempty"`
	DeviceID    string            `json:"device_id,omitempty"`
	Licensor    map[string]string `json:"licensor,omitempty"`
}

// UserAccount is the signed-in patron of one library. It is read far more
// often than written and safe for concurrent use.
type UserAccount struct {
	id     string
	store  ports.BlobStore
	logger *slog.Logger

	mu   sync.RWMutex
	data accountFile
}

// Option configures a UserAccount.
type Option func(*UserAccount)

func WithURLs(urls URLs) Option {
	return func(a *UserAccount) { a.data.URLs = urls }
}

// WithNeedsAuth marks a library whose feeds require sign-in.
func WithNeedsAuth(needsAuth bool) Option {
	return func(a *UserAccount) { a.data.NeedsAuth = needsAuth }
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *UserAccount) { a.logger = logger }
}

func New(libraryID string, store ports.BlobStore, opts ...Option) (*UserAccount, error) {
	if libraryID == "" {
		return nil, errors.New("account: library id is required")
	}
	a := &UserAccount{id: libraryID, store: store}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = logging.NewComponentLogger(a.logger, "account")
	return a, nil
}

var (
	_ ports.Account = (*UserAccount)(nil)
	_ ports.Library = (*UserAccount)(nil)
)

// Load restores the persisted account. Configured URLs win over stored ones
// so that a changed configuration takes effect. A device id is created on
// first use.
func (a *UserAccount) Load(ctx context.Context) error {
	raw, err := a.store.Read(ctx, a.id, accountKey)
	if err != nil && !errors.Is(err, ports.ErrNotFound) {
		return fmt.Errorf("read account: %w", err)
	}

	a.mu.Lock()
	if err == nil {
		var stored accountFile
		if uerr := json.Unmarshal(raw, &stored); uerr != nil {
			a.mu.Unlock()
			return fmt.Errorf("decode account: %w", uerr)
		}
		configured := a.data
		a.data = stored
		a.data.URLs = mergeURLs(configured.URLs, stored.URLs)
		a.data.NeedsAuth = configured.NeedsAuth || stored.NeedsAuth
	}
	created := a.data.DeviceID == ""
	if created {
		a.data.DeviceID = uuid.NewString()
	}
	a.mu.Unlock()

	a.logger.Debug("account loaded", logging.String(logging.FieldAccount, a.id))
	if created {
		return a.Save(ctx)
	}
	return nil
}

func mergeURLs(configured, stored URLs) URLs {
	pick := func(c, s string) string {
		if c != "" {
			return c
		}
		return s
	}
	return URLs{
		Catalog:   pick(configured.Catalog, stored.Catalog),
		Loans:     pick(configured.Loans, stored.Loans),
		Selection: pick(configured.Selection, stored.Selection),
		Token:     pick(configured.Token, stored.Token),
	}
}

// Save persists the account.
func (a *UserAccount) Save(ctx context.Context) error {
	a.mu.RLock()
	raw, err := json.MarshalIndent(a.data, "", "  ")
	a.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode account: %w", err)
	}
	if err := a.store.Write(ctx, a.id, accountKey, raw); err != nil {
		return fmt.Errorf("write account: %w", err)
	}
	return nil
}

// save persists after a setter. Failures are logged; the in-memory state
// stays authoritative for this process.
func (a *UserAccount) save() {
	if err := a.Save(context.Background()); err != nil {
		logging.WarnWithContext(a.logger, "failed to persist account", "account_save_failed",
			logging.String(logging.FieldAccount, a.id),
			logging.Error(err),
			logging.String(logging.FieldImpact, "account changes lost on restart"))
	}
}

func (a *UserAccount) ID() string { return a.id }

func (a *UserAccount) CatalogURL() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.data.URLs.Catalog
}

func (a *UserAccount) LoansURL() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.data.URLs.Loans
}

func (a *UserAccount) SelectionURL() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.data.URLs.Selection
}

func (a *UserAccount) TokenURL() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.data.URLs.Token
}

func (a *UserAccount) NeedsAuth() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.data.NeedsAuth
}

// HasCredentials reports whether a token or a username is stored.
func (a *UserAccount) HasCredentials() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.data.AuthToken != "" || a.data.Username != ""
}

func (a *UserAccount) AuthToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.data.AuthToken
}

// BasicAuth returns the stored username and password.
func (a *UserAccount) BasicAuth() (string, string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.data.Username, a.data.Password, a.data.Username != ""
}

// AuthTokenHasExpired reports whether the token carries an expiry at or
// before now. A token without an expiry never expires here; the server
// rejecting it triggers the refresh instead.
func (a *UserAccount) AuthTokenHasExpired(now time.Time) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.data.AuthToken == "" || a.data.TokenExpiry == nil {
		return false
	}
	return !a.data.TokenExpiry.After(now)
}

// SetCredentials stores a username and password, keeping any token.
func (a *UserAccount) SetCredentials(username, password string) {
	a.mu.Lock()
	a.data.Username = username
	a.data.Password = password
	a.mu.Unlock()
	a.save()
}

// SetAuthToken stores a bearer token. A zero expiry means none was given.
func (a *UserAccount) SetAuthToken(token string, expiry time.Time) {
	a.mu.Lock()
	a.data.AuthToken = token
	a.data.TokenExpiry = nil
	if !expiry.IsZero() {
		a.data.TokenExpiry = &expiry
	}
	a.mu.Unlock()
	a.save()
}

func (a *UserAccount) Cookies() []*http.Cookie {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*http.Cookie, 0, len(a.data.Cookies))
	for _, c := range a.data.Cookies {
		out = append(out, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		})
	}
	return out
}

func (a *UserAccount) SetCookies(cookies []*http.Cookie) {
	stored := make([]cookie, 0, len(cookies))
	for _, c := range cookies {
		stored = append(stored, cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		})
	}
	a.mu.Lock()
	a.data.Cookies = stored
	a.mu.Unlock()
	a.save()
}

func (a *UserAccount) UserID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.data.UserID
}

func (a *UserAccount) SetUserID(id string) {
	a.mu.Lock()
	a.data.UserID = id
	a.mu.Unlock()
	a.save()
}

func (a *UserAccount) DeviceID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.data.DeviceID
}

// SetLicensor records the DRM licensor announced by the loans feed.
func (a *UserAccount) SetLicensor(licensor map[string]string) {
	copied := make(map[string]string, len(licensor))
	for k, v := range licensor {
		copied[k] = v
	}
	a.mu.Lock()
	a.data.Licensor = copied
	a.mu.Unlock()
	a.save()
}

func (a *UserAccount) Licensor() map[string]string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]string, len(a.data.Licensor))
	for k, v := range a.data.Licensor {
		out[k] = v
	}
	return out
}

// SignOut drops every credential and cookie. The device id is kept.
func (a *UserAccount) SignOut() {
	a.mu.Lock()
	a.data.Username = ""
	a.data.Password = ""
	a.data.AuthToken = ""
	a.data.TokenExpiry = nil
	a.data.Cookies = nil
	a.data.Licensor = nil
	a.mu.Unlock()
	a.save()
}
