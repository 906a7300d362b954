package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"loanshelf/internal/core/domain/ports"
	"loanshelf/internal/logging"
)

var (
	// ErrNoTokenEndpoint is returned when the library has no token URL.
	ErrNoTokenEndpoint = errors.New("account: library has no token endpoint")

	// ErrNoCredentials is returned when no username is stored.
	ErrNoCredentials = errors.New("account: no stored credentials")
)

// defaultCooldown bounds how often stored credentials are replayed. A second
// rejection inside the window means they are wrong, not stale.
const defaultCooldown = 30 * time.Second

type tokenResponse struct {
	AccessToken string `json:"accessToken"`
	TokenType   string `json:"tokenType"`
	ExpiresIn   int64  `json:"expiresIn"`
}

// TokenClient exchanges stored credentials for bearer tokens. It serves as
// the executor's TokenRefresher and as a non-interactive Reauthenticator.
type TokenClient struct {
	account  *UserAccount
	client   *http.Client
	logger   *slog.Logger
	now      func() time.Time
	cooldown time.Duration

	mu   sync.Mutex
	last time.Time
}

func NewTokenClient(account *UserAccount, client *http.Client, logger *slog.Logger) *TokenClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenClient{
		account:  account,
		client:   client,
		logger:   logging.NewComponentLogger(logger, "auth"),
		now:      time.Now,
		cooldown: defaultCooldown,
	}
}

var _ ports.Reauthenticator = (*TokenClient)(nil)

// RefreshToken posts the stored credentials to the token endpoint and stores
// the token it returns.
func (t *TokenClient) RefreshToken(ctx context.Context) error {
	tokenURL := t.account.TokenURL()
	if tokenURL == "" {
		return ErrNoTokenEndpoint
	}
	username, password, ok := t.account.BasicAuth()
	if !ok {
		return ErrNoCredentials
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, nil)
	if err != nil {
		return fmt.Errorf("build token request: %w", err)
	}
	req.SetBasicAuth(username, password)
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("token endpoint rejected credentials: %w", ports.ErrReauthRequired)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return errors.New("token response carried no access token")
	}

	var expiry time.Time
	if tok.ExpiresIn > 0 {
		expiry = t.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	t.account.SetAuthToken(tok.AccessToken, expiry)
	t.logger.Info("auth token refreshed",
		logging.String(logging.FieldAccount, t.account.ID()),
		logging.Bool("expires", !expiry.IsZero()))
	return nil
}

// AuthenticateIfNeeded replays the stored credentials and calls completion
// when they are usable. Without stored credentials, or when they were
// replayed moments ago, the patron has to sign in: completion is not called
// and the error wraps ports.ErrLoginRequired.
func (t *TokenClient) AuthenticateIfNeeded(ctx context.Context, account ports.Account, usingExistingCredentials bool, completion func()) error {
	if !account.NeedsAuth() {
		completion()
		return nil
	}
	if _, _, ok := t.account.BasicAuth(); !ok {
		t.logger.Warn("sign-in required", logging.String(logging.FieldAccount, account.ID()))
		return ports.ErrLoginRequired
	}

	t.mu.Lock()
	now := t.now()
	recent := !t.last.IsZero() && now.Sub(t.last) < t.cooldown
	if !recent {
		t.last = now
	}
	t.mu.Unlock()
	if recent {
		logging.WarnWithContext(t.logger, "stored credentials were rejected again", "reauth_loop",
			logging.String(logging.FieldAccount, account.ID()),
			logging.String(logging.FieldErrorHint, "sign in again with loanshelf login"),
			logging.String(logging.FieldImpact, "operation abandoned"))
		return fmt.Errorf("stored credentials were rejected again: %w", ports.ErrLoginRequired)
	}

	if t.account.TokenURL() != "" {
		if err := t.RefreshToken(ctx); err != nil {
			logging.WarnWithContext(t.logger, "token refresh failed", "token_refresh_failed",
				logging.String(logging.FieldAccount, account.ID()),
				logging.Error(err),
				logging.String(logging.FieldImpact, "operation abandoned"))
			if errors.Is(err, ports.ErrReauthRequired) || errors.Is(err, ErrNoCredentials) {
				return fmt.Errorf("%w: %w", ports.ErrLoginRequired, err)
			}
			return fmt.Errorf("refresh token: %w", err)
		}
	}
	completion()
	return nil
}
