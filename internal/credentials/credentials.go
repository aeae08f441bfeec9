// Package credentials holds the assistant credential state: either a static
// API key or an OAuth access/refresh/expiry triple that is refreshed ahead of
// expiry and written back to durable storage.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/viagen/viagen/internal/config"
)

// RefreshLookahead is how far ahead of expiry an OAuth token is refreshed.
const RefreshLookahead = 300 * time.Second

// Environment variable names used for injection and persistence.
const (
	EnvAPIKey       = "ANTHROPIC_API_KEY"
	EnvOAuthToken   = "CLAUDE_CODE_OAUTH_TOKEN"
	EnvAccessToken  = "CLAUDE_ACCESS_TOKEN"
	EnvRefreshToken = "CLAUDE_REFRESH_TOKEN"
	EnvTokenExpires = "CLAUDE_TOKEN_EXPIRES"
)

// Mode identifies which credential form is active.
type Mode string

const (
	ModeNone   Mode = "none"
	ModeAPIKey Mode = "api_key"
	ModeOAuth  Mode = "oauth"
)

var (
	// ErrNotOAuth is returned by Refresh when the OAuth form is not in use.
	ErrNotOAuth = errors.New("credentials are not in oauth form")
	// ErrNoRefresher is returned by Refresh when no token-refresh collaborator is configured.
	ErrNoRefresher = errors.New("no token refresher configured")

	errMissingRefreshToken = errors.New("no refresh token available")
)

// Token is the result of a successful refresh-token grant.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64 // seconds
}

// Refresher exchanges a refresh token for a new token triple.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Token, error)
}

// Persister durably stores credential values keyed by variable name.
type Persister interface {
	UpdateValues(values map[string]string) error
}

// Options configures collaborators shared by both credential forms.
type Options struct {
	Refresher Refresher
	Persister Persister
	Logger    *slog.Logger
	Now       func() time.Time
}

// Credentials is safe for concurrent use.
type Credentials struct {
	mu           sync.RWMutex
	apiKey       string
	accessToken  string
	refreshToken string
	expiresAt    int64

	// refreshMu collapses concurrent refreshes into one network call.
	refreshMu sync.Mutex

	refresher Refresher
	persister Persister
	logger    *slog.Logger
	now       func() time.Time
}

func newCredentials(opts Options) *Credentials {
	c := &Credentials{
		refresher: opts.Refresher,
		persister: opts.Persister,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// NewAPIKey returns credentials in API-key form.
func NewAPIKey(key string, opts Options) *Credentials {
	c := newCredentials(opts)
	c.apiKey = key
	return c
}

// NewOAuth returns credentials in OAuth form. expiresAt is in epoch seconds.
func NewOAuth(accessToken, refreshToken string, expiresAt int64, opts Options) *Credentials {
	c := newCredentials(opts)
	c.accessToken = accessToken
	c.refreshToken = refreshToken
	c.expiresAt = expiresAt
	return c
}

// FromConfig builds credentials from configuration. The API key wins when
// both forms are present.
func FromConfig(auth config.AuthConfig, opts Options) *Credentials {
	if auth.HasAPIKey() {
		if auth.HasOAuth() {
			logger := opts.Logger
			if logger == nil {
				logger = slog.Default()
			}
			logger.Warn("Both API key and OAuth token configured, using API key")
		}
		return NewAPIKey(auth.APIKey, opts)
	}
	if auth.HasOAuth() {
		return NewOAuth(auth.AccessToken, auth.RefreshToken, auth.TokenExpires, opts)
	}
	return newCredentials(opts)
}

// Mode reports the active credential form.
func (c *Credentials) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.modeLocked()
}

func (c *Credentials) modeLocked() Mode {
	switch {
	case c.apiKey != "":
		return ModeAPIKey
	case c.accessToken != "":
		return ModeOAuth
	default:
		return ModeNone
	}
}

// Configured reports whether any credential form is present.
func (c *Credentials) Configured() bool {
	return c.Mode() != ModeNone
}

// ExpiresAt returns the OAuth expiry, or the zero time in other modes.
func (c *Credentials) ExpiresAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.modeLocked() != ModeOAuth || c.expiresAt == 0 {
		return time.Time{}
	}
	return time.Unix(c.expiresAt, 0)
}

// NeedsRefresh is true iff the OAuth form is in use, a refresh token and an
// expiry are known, and the token expires within RefreshLookahead. An access
// token without either is treated as long-lived.
func (c *Credentials) NeedsRefresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.needsRefreshLocked()
}

func (c *Credentials) needsRefreshLocked() bool {
	if c.modeLocked() != ModeOAuth || c.refreshToken == "" || c.expiresAt == 0 {
		return false
	}
	return c.now().Unix() >= c.expiresAt-int64(RefreshLookahead/time.Second)
}

// Refresh exchanges the current refresh token for a new triple. On failure
// the prior values are left untouched and a *RefreshError is returned.
// Persistence of the new values is best-effort.
func (c *Credentials) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	return c.refreshLocked(ctx)
}

// EnsureFresh refreshes only when NeedsRefresh reports true. Callers racing
// on an expiring token trigger a single refresh.
func (c *Credentials) EnsureFresh(ctx context.Context) error {
	if !c.NeedsRefresh() {
		return nil
	}
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	if !c.NeedsRefresh() {
		return nil
	}
	return c.refreshLocked(ctx)
}

func (c *Credentials) refreshLocked(ctx context.Context) error {
	c.mu.RLock()
	mode := c.modeLocked()
	refreshToken := c.refreshToken
	c.mu.RUnlock()

	if mode != ModeOAuth {
		return ErrNotOAuth
	}
	if c.refresher == nil {
		return ErrNoRefresher
	}
	if refreshToken == "" {
		return &RefreshError{Kind: KindInvalidGrant, Err: errMissingRefreshToken}
	}

	tok, err := c.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		var rerr *RefreshError
		if errors.As(err, &rerr) {
			return rerr
		}
		return &RefreshError{Kind: KindNetwork, Err: err}
	}
	if tok.AccessToken == "" {
		return &RefreshError{Kind: KindServer, Err: errors.New("response missing access token")}
	}

	c.mu.Lock()
	c.accessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		c.refreshToken = tok.RefreshToken
	}
	c.expiresAt = c.now().Unix() + tok.ExpiresIn
	values := map[string]string{
		EnvAccessToken:  c.accessToken,
		EnvRefreshToken: c.refreshToken,
		EnvTokenExpires: strconv.FormatInt(c.expiresAt, 10),
	}
	expiresAt := c.expiresAt
	c.mu.Unlock()

	c.logger.Info("OAuth token refreshed", "expires_at", time.Unix(expiresAt, 0).UTC())

	if c.persister != nil {
		if err := c.persister.UpdateValues(values); err != nil {
			c.logger.Warn("Failed to persist refreshed credentials", "error", err)
		}
	}
	return nil
}

// Env returns the single credential variable to inject into a child
// environment as "KEY=value", or nil when unconfigured.
func (c *Credentials) Env() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch c.modeLocked() {
	case ModeAPIKey:
		return []string{EnvAPIKey + "=" + c.apiKey}
	case ModeOAuth:
		return []string{EnvOAuthToken + "=" + c.accessToken}
	default:
		return nil
	}
}

// ErrorKind classifies refresh failures.
type ErrorKind string

const (
	KindNetwork      ErrorKind = "network"
	KindInvalidGrant ErrorKind = "invalid_grant"
	KindServer       ErrorKind = "server"
)

// RefreshError reports why a token refresh failed.
type RefreshError struct {
	Kind ErrorKind
	Err  error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh failed (%s): %v", e.Kind, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }
