// Package oauth maintains short-lived access tokens for delegated
// external accounts (Strava, Withings). The remote services rotate the
// refresh token on every refresh call, so the new refresh token is
// persisted to the settings store before the new access token is handed
// out; losing a rotated refresh token means re-authorizing by hand.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/daa-project/daa/internal/httpkit"
)

// AuthError indicates a credential or refresh failure. It is contained
// to the provider that owns the credential; callers fall back to lower
// data tiers rather than surfacing it to the user.
type AuthError struct {
	Domain string
	Cause  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth %s: %v", e.Domain, e.Cause)
}

func (e *AuthError) Unwrap() error { return e.Cause }

// Settings is the credential store surface the manager needs.
type Settings interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

// WireFormat selects how the token endpoint's response is parsed.
type WireFormat int

const (
	// FormatFlat is a bare JSON object with access_token, refresh_token
	// and expires_at/expires_in at the top level (Strava).
	FormatFlat WireFormat = iota

	// FormatEnvelope wraps the token fields in {"status": 0, "body": {...}}
	// with a non-zero status signalling failure (Withings).
	FormatEnvelope
)

// Config describes one OAuth-gated domain.
type Config struct {
	// Domain names the external service, used in errors and logs.
	Domain string

	// TokenURL is the refresh endpoint.
	TokenURL string

	// Format selects the response wire shape.
	Format WireFormat

	// Settings keys holding the client credential and the rotating
	// refresh token.
	ClientIDKey     string
	ClientSecretKey string
	RefreshTokenKey string

	// ExtraParams are added to the refresh form body
	// (Withings needs action=requesttoken).
	ExtraParams map[string]string

	// Skew is subtracted from the expiry when judging token validity.
	// Defaults to one minute.
	Skew time.Duration

	// Timeout bounds the refresh HTTP call. Defaults to 10 seconds.
	Timeout time.Duration
}

// Manager holds the mutable token state for one domain.
type Manager struct {
	cfg        Config
	settings   Settings
	httpClient *http.Client
	logger     *slog.Logger
	group      singleflight.Group

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time
}

// NewManager creates a token manager for one domain. Token state starts
// empty; the first AccessToken call performs a refresh.
func NewManager(cfg Config, settings Settings, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Skew <= 0 {
		cfg.Skew = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Manager{
		cfg:      cfg,
		settings: settings,
		logger:   logger.With("domain", cfg.Domain),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(cfg.Timeout),
		),
	}
}

// Configured reports whether a refresh token is available, either in
// memory or in the settings store.
func (m *Manager) Configured() bool {
	m.mu.Lock()
	if m.refreshToken != "" {
		m.mu.Unlock()
		return true
	}
	m.mu.Unlock()

	tok, err := m.settings.Get(m.cfg.RefreshTokenKey)
	return err == nil && tok != ""
}

// AccessToken returns a valid access token, refreshing if the cached one
// is missing or within the skew window of expiry. Concurrent callers
// share a single in-flight refresh; a refresh failure leaves prior state
// untouched and returns an *AuthError.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	if tok, ok := m.cached(); ok {
		return tok, nil
	}

	// Coalesce concurrent refreshes: a second refresh with the same
	// (already consumed) refresh token would be rejected by the remote
	// service and invalidate the rotation chain.
	v, err, _ := m.group.Do("refresh", func() (any, error) {
		// Re-check under the flight: the winner may have refreshed
		// between our cached() miss and joining the group.
		if tok, ok := m.cached(); ok {
			return tok, nil
		}
		return m.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// cached returns the current access token when it is still comfortably
// inside its validity window.
func (m *Manager) cached() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.accessToken != "" && time.Now().Before(m.expiresAt.Add(-m.cfg.Skew)) {
		return m.accessToken, true
	}
	return "", false
}

// tokenGrant is the parsed result of a refresh response, regardless of
// wire format.
type tokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	refreshToken := m.currentRefreshToken()
	if refreshToken == "" {
		return "", &AuthError{Domain: m.cfg.Domain, Cause: fmt.Errorf("no refresh token configured")}
	}

	clientID, err := m.settings.Get(m.cfg.ClientIDKey)
	if err != nil {
		return "", &AuthError{Domain: m.cfg.Domain, Cause: fmt.Errorf("read client id: %w", err)}
	}
	clientSecret, err := m.settings.Get(m.cfg.ClientSecretKey)
	if err != nil {
		return "", &AuthError{Domain: m.cfg.Domain, Cause: fmt.Errorf("read client secret: %w", err)}
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("refresh_token", refreshToken)
	for k, v := range m.cfg.ExtraParams {
		form.Set(k, v)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", m.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &AuthError{Domain: m.cfg.Domain, Cause: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	m.logger.Debug("refreshing access token")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", &AuthError{Domain: m.cfg.Domain, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 2048)
		return "", &AuthError{
			Domain: m.cfg.Domain,
			Cause:  fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, errBody),
		}
	}

	grant, err := m.parseGrant(resp)
	if err != nil {
		return "", &AuthError{Domain: m.cfg.Domain, Cause: err}
	}

	// Persist the rotated refresh token before exposing the new access
	// token. If this write fails, the old in-memory state is kept and
	// the refresh is reported as failed.
	if grant.RefreshToken != "" {
		if err := m.settings.Set(m.cfg.RefreshTokenKey, grant.RefreshToken); err != nil {
			return "", &AuthError{Domain: m.cfg.Domain, Cause: fmt.Errorf("persist refresh token: %w", err)}
		}
	}

	m.mu.Lock()
	m.accessToken = grant.AccessToken
	m.expiresAt = grant.ExpiresAt
	if grant.RefreshToken != "" {
		m.refreshToken = grant.RefreshToken
	}
	m.mu.Unlock()

	m.logger.Info("access token refreshed", "expires_at", grant.ExpiresAt)
	return grant.AccessToken, nil
}

// currentRefreshToken returns the in-memory refresh token, loading from
// the settings store on first use.
func (m *Manager) currentRefreshToken() string {
	m.mu.Lock()
	tok := m.refreshToken
	m.mu.Unlock()
	if tok != "" {
		return tok
	}

	stored, err := m.settings.Get(m.cfg.RefreshTokenKey)
	if err != nil || stored == "" {
		return ""
	}

	m.mu.Lock()
	if m.refreshToken == "" {
		m.refreshToken = stored
	}
	tok = m.refreshToken
	m.mu.Unlock()
	return tok
}

func (m *Manager) parseGrant(resp *http.Response) (*tokenGrant, error) {
	switch m.cfg.Format {
	case FormatEnvelope:
		var envelope struct {
			Status int `json:"status"`
			Body   struct {
				AccessToken  string `json:"access_token"`
				RefreshToken string `json:"refresh_token"`
				ExpiresIn    int64  `json:"expires_in"`
			} `json:"body"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return nil, fmt.Errorf("decode token response: %w", err)
		}
		if envelope.Status != 0 {
			return nil, fmt.Errorf("token endpoint returned status %d", envelope.Status)
		}
		return &tokenGrant{
			AccessToken:  envelope.Body.AccessToken,
			RefreshToken: envelope.Body.RefreshToken,
			ExpiresAt:    time.Now().Add(time.Duration(envelope.Body.ExpiresIn) * time.Second),
		}, nil

	default: // FormatFlat
		var flat struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
			ExpiresAt    int64  `json:"expires_at"`
			ExpiresIn    int64  `json:"expires_in"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&flat); err != nil {
			return nil, fmt.Errorf("decode token response: %w", err)
		}
		expiresAt := time.Unix(flat.ExpiresAt, 0)
		if flat.ExpiresAt == 0 {
			expiresAt = time.Now().Add(time.Duration(flat.ExpiresIn) * time.Second)
		}
		return &tokenGrant{
			AccessToken:  flat.AccessToken,
			RefreshToken: flat.RefreshToken,
			ExpiresAt:    expiresAt,
		}, nil
	}
}
